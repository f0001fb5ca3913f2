package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("batch.state_changed:1", 1)
	defer sub.Unsubscribe()

	b.Publish("batch.state_changed:1", "uploading")

	select {
	case evt := <-sub.C():
		assert.Equal(t, "batch.state_changed:1", evt.Topic)
		assert.Equal(t, "uploading", evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishNoSubscribersIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Publish("nobody.listening", nil) })
}

func TestBus_MultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("topic", 1)
	sub2 := b.Subscribe("topic", 1)
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.Publish("topic", 42)

	for _, s := range []*Subscription{sub1, sub2} {
		select {
		case evt := <-s.C():
			assert.Equal(t, 42, evt.Payload)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_FullBufferDropsRatherThanBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 1)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		b.Publish("topic", 1)
		b.Publish("topic", 2) // buffer full, dropped
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}

	evt := <-sub.C()
	assert.Equal(t, 1, evt.Payload)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("topic", 1)
	sub.Unsubscribe()

	assert.NotPanics(t, func() { b.Publish("topic", "x") })

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestBatchStateChangedTopic(t *testing.T) {
	require.Equal(t, "batch.state_changed:7", BatchStateChangedTopic(7))
}

func TestBatchDestroyedTopic(t *testing.T) {
	require.Equal(t, "batch.destroyed:7", BatchDestroyedTopic(7))
}
