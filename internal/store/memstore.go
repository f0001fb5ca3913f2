package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/batchrelay/batchrelay/internal/statemachine"
	"github.com/batchrelay/batchrelay/internal/store/models"
)

// MemStore is an in-memory Store used by package tests and by any component
// that wants a fake dependency instead of a real Postgres instance — the
// teacher's fakes-over-mocks convention (see internal/testhelpers in the
// teacher repo).
type MemStore struct {
	mu sync.Mutex

	nextBatchID   int64
	nextRequestID int64
	nextAttemptID int64

	batches            map[int64]*models.Batch
	requests           map[int64]*models.Request
	deliveryAttempts   map[int64][]*models.RequestDeliveryAttempt
	batchTransitions   map[int64][]*models.BatchTransition
	requestTransitions map[int64][]*models.RequestTransition

	healthy bool
}

// NewMemStore returns an empty, healthy MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		batches:            make(map[int64]*models.Batch),
		requests:           make(map[int64]*models.Request),
		deliveryAttempts:   make(map[int64][]*models.RequestDeliveryAttempt),
		batchTransitions:   make(map[int64][]*models.BatchTransition),
		requestTransitions: make(map[int64][]*models.RequestTransition),
		healthy:            true,
	}
}

func (m *MemStore) IsHealthy() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.healthy }
func (m *MemStore) Close()          { m.mu.Lock(); defer m.mu.Unlock(); m.healthy = false }

// SetHealthy lets tests simulate an unhealthy store.
func (m *MemStore) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

func cloneBatch(b *models.Batch) *models.Batch {
	c := *b
	return &c
}

func cloneRequest(r *models.Request) *models.Request {
	c := *r
	if r.RequestPayload != nil {
		c.RequestPayload = append([]byte(nil), r.RequestPayload...)
	}
	if r.ResponsePayload != nil {
		c.ResponsePayload = append([]byte(nil), r.ResponsePayload...)
	}
	return &c
}

func (m *MemStore) CreateBatch(_ context.Context, endpoint models.Endpoint, model string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBatchID++
	now := time.Now().UTC()
	b := &models.Batch{
		ID:        m.nextBatchID,
		Endpoint:  endpoint,
		Model:     model,
		State:     models.BatchBuilding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.batches[b.ID] = b
	m.batchTransitions[b.ID] = append(m.batchTransitions[b.ID], &models.BatchTransition{
		ID: int64(len(m.batchTransitions[b.ID]) + 1), BatchID: b.ID, From: nil, To: models.BatchBuilding,
		Action: "create", TransitionedAt: now,
	})
	return cloneBatch(b), nil
}

func (m *MemStore) GetOpenBatch(_ context.Context, endpoint models.Endpoint, model string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, b := range m.batches {
		if b.Endpoint == endpoint && b.Model == model && b.State == models.BatchBuilding {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, models.ErrNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return cloneBatch(m.batches[ids[0]]), nil
}

func (m *MemStore) GetBatch(_ context.Context, id int64) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (m *MemStore) CountAndSizeForBatch(_ context.Context, batchID int64) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	var size int64
	for _, r := range m.requests {
		if r.BatchID == batchID {
			count++
			size += r.RequestPayloadSize
		}
	}
	return count, size, nil
}

func (m *MemStore) TransitionBatch(_ context.Context, batchID int64, action string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, models.ErrNotFound
	}

	to, err := statemachine.ValidateBatchTransition(action, b.State)
	if err != nil {
		return nil, err
	}

	from := b.State
	b.State = to
	b.UpdatedAt = time.Now().UTC()
	m.batchTransitions[batchID] = append(m.batchTransitions[batchID], &models.BatchTransition{
		ID: int64(len(m.batchTransitions[batchID]) + 1), BatchID: batchID, From: &from, To: to,
		Action: action, TransitionedAt: b.UpdatedAt,
	})
	return cloneBatch(b), nil
}

func (m *MemStore) UpdateBatchProviderFields(_ context.Context, batchID int64, f BatchProviderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return models.ErrNotFound
	}
	if f.ProviderInputFileID != nil {
		b.ProviderInputFileID = f.ProviderInputFileID
	}
	if f.ProviderOutputFileID != nil {
		b.ProviderOutputFileID = f.ProviderOutputFileID
	}
	if f.ProviderErrorFileID != nil {
		b.ProviderErrorFileID = f.ProviderErrorFileID
	}
	if f.ProviderBatchID != nil {
		b.ProviderBatchID = f.ProviderBatchID
	}
	if f.ProviderStatusLastCheckedAt != nil {
		b.ProviderStatusLastCheckedAt = f.ProviderStatusLastCheckedAt
	}
	if f.ExpiresAt != nil {
		b.ExpiresAt = f.ExpiresAt
	}
	b.UsageInputTokens = f.UsageInputTokens
	b.UsageOutputTokens = f.UsageOutputTokens
	b.UsageCachedTokens = f.UsageCachedTokens
	b.UsageReasoningTokens = f.UsageReasoningTokens
	b.ErrorMsg = f.ErrorMsg
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) BatchTerminalCounts(_ context.Context, batchID int64) (TerminalCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tc TerminalCounts
	for _, r := range m.requests {
		if r.BatchID != batchID {
			continue
		}
		tc.Total++
		switch r.State {
		case models.RequestDelivered:
			tc.Delivered++
		case models.RequestDeliveryFailed, models.RequestFailed, models.RequestExpired, models.RequestCancelled:
			tc.Failed++
		default:
			tc.Pending++
		}
	}
	return tc, nil
}

func (m *MemStore) DeleteBatch(_ context.Context, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.batches, batchID)
	delete(m.batchTransitions, batchID)
	for id, r := range m.requests {
		if r.BatchID == batchID {
			delete(m.requests, id)
			delete(m.deliveryAttempts, id)
			delete(m.requestTransitions, id)
		}
	}
	return nil
}

func (m *MemStore) ListStaleBuildingBatches(_ context.Context, olderThan time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, b := range m.batches {
		if b.State == models.BatchBuilding && b.CreatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemStore) ListExpiredBatches(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var ids []int64
	for id, b := range m.batches {
		if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemStore) ListBatchesInState(_ context.Context, state models.BatchState) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, b := range m.batches {
		if b.State == state {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemStore) CreateRequest(_ context.Context, req *models.Request) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.BatchID == req.BatchID && r.CustomID == req.CustomID {
			return nil, models.ErrCustomIDAlreadyTaken
		}
	}

	m.nextRequestID++
	now := time.Now().UTC()
	r := cloneRequest(req)
	r.ID = m.nextRequestID
	r.State = models.RequestPending
	r.CreatedAt = now
	r.UpdatedAt = now
	m.requests[r.ID] = r
	m.requestTransitions[r.ID] = append(m.requestTransitions[r.ID], &models.RequestTransition{
		ID: int64(len(m.requestTransitions[r.ID]) + 1), RequestID: r.ID, From: nil, To: models.RequestPending,
		Action: "create", TransitionedAt: now,
	})
	return cloneRequest(r), nil
}

func (m *MemStore) CustomIDExists(_ context.Context, batchID int64, customID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.BatchID == batchID && r.CustomID == customID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) GetRequest(_ context.Context, id int64) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemStore) GetRequestByCustomID(_ context.Context, endpoint models.Endpoint, model, customID string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Request
	for _, r := range m.requests {
		if r.Endpoint == endpoint && r.Model == model && r.CustomID == customID {
			if best == nil || r.ID > best.ID {
				best = r
			}
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	return cloneRequest(best), nil
}

func (m *MemStore) GetRequestByBatchAndCustomID(_ context.Context, batchID int64, customID string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests {
		if r.BatchID == batchID && r.CustomID == customID {
			return cloneRequest(r), nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemStore) ListRequestsForBatch(_ context.Context, batchID int64) ([]*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Request
	for _, r := range m.requests {
		if r.BatchID == batchID {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListRequestsForBatchInState(_ context.Context, batchID int64, state models.RequestState) ([]*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Request
	for _, r := range m.requests {
		if r.BatchID == batchID && r.State == state {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) TransitionRequest(_ context.Context, requestID int64, action string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, models.ErrNotFound
	}

	to, err := statemachine.ValidateRequestTransition(action, r.State)
	if err != nil {
		return nil, err
	}

	from := r.State
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	m.requestTransitions[requestID] = append(m.requestTransitions[requestID], &models.RequestTransition{
		ID: int64(len(m.requestTransitions[requestID]) + 1), RequestID: requestID, From: &from, To: to,
		Action: action, TransitionedAt: r.UpdatedAt,
	})
	return cloneRequest(r), nil
}

func (m *MemStore) UpdateRequestResult(_ context.Context, requestID int64, responsePayload []byte, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return models.ErrNotFound
	}
	r.ResponsePayload = append([]byte(nil), responsePayload...)
	r.ErrorMsg = errMsg
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) InsertDeliveryAttempt(_ context.Context, a *models.RequestDeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAttemptID++
	c := *a
	c.ID = m.nextAttemptID
	c.AttemptedAt = time.Now().UTC()
	m.deliveryAttempts[a.RequestID] = append(m.deliveryAttempts[a.RequestID], &c)
	return nil
}

func (m *MemStore) ListDeliveryAttempts(_ context.Context, requestID int64) ([]*models.RequestDeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.RequestDeliveryAttempt, len(m.deliveryAttempts[requestID]))
	copy(out, m.deliveryAttempts[requestID])
	return out, nil
}

var _ Store = (*MemStore)(nil)
