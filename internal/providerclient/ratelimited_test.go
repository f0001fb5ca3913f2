package providerclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchrelay/batchrelay/internal/providerclient/fake"
)

func TestRateLimited_UnlimitedPassesThrough(t *testing.T) {
	c := NewRateLimited(fake.New(), NewRPMLimiter(0))
	_, err := c.UploadFile(context.Background(), "/does/not/matter")
	// fake.Client.UploadFile fails here because the path does not exist; we
	// only care that the call was not blocked.
	_ = err
}

func TestRateLimited_BlocksUntilAllowed(t *testing.T) {
	limiter := NewRPMLimiter(1)
	require.True(t, limiter.Allow()) // consume the only slot

	c := NewRateLimited(fake.New(), limiter)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CheckStatus(ctx, "batch-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
