// ABOUTME: Tests for the agent event broadcaster
// ABOUTME: Covers per-agent and all-agent fan-out, slow consumers, cleanup, concurrency

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusEvent(agentUUID, status string) *Event {
	return &Event{
		Type:      StatusChanged,
		AgentUUID: agentUUID,
		Data:      map[string]string{"status": status},
	}
}

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "A1")
	b.Publish(statusEvent("A1", "online"))

	ev := receive(t, ch)
	assert.Equal(t, StatusChanged, ev.Type)
	assert.Equal(t, "A1", ev.AgentUUID)
	assert.False(t, ev.Timestamp.IsZero(), "publish should stamp the event")
}

func TestBroadcaster_AgentsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "A1")
	ch2, _ := b.Subscribe(t.Context(), "B2")

	b.Publish(statusEvent("A1", "offline"))

	assert.Equal(t, "A1", receive(t, ch1).AgentUUID)
	assertNoEvent(t, ch2)
}

func TestBroadcaster_AllAgentsSeesEverything(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllAgents)

	b.Publish(statusEvent("A1", "online"))
	b.Publish(&Event{Type: SystemInfoUpdated, AgentUUID: "B2"})

	assert.Equal(t, "A1", receive(t, all).AgentUUID)
	ev := receive(t, all)
	assert.Equal(t, "B2", ev.AgentUUID)
	assert.Equal(t, SystemInfoUpdated, ev.Type)
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Never read from the first subscriber
	_, _ = b.Subscribe(t.Context(), "A1")
	fast, _ := b.Subscribe(t.Context(), "A1")

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			b.Publish(statusEvent("A1", "online"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Len(t, fast, subscriberBufferSize)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "A1")
	assert.Equal(t, 1, b.SubscriberCount())

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "A1")
	b.Unsubscribe("A1", subID)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Publishing and double unsubscribe should not panic
	b.Publish(statusEvent("A1", "online"))
	b.Unsubscribe("A1", subID)
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "A1")
	ch2, _ := b.Subscribe(t.Context(), AllAgents)

	b.Close()
	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	// Subscribing after close yields a closed channel
	late, _ := b.Subscribe(t.Context(), "A1")
	_, ok := <-late
	assert.False(t, ok)
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	for range 10 {
		wg.Go(func() {
			subCtx, subCancel := context.WithCancel(ctx)
			defer subCancel()
			ch, _ := b.Subscribe(subCtx, "A1")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(statusEvent("A1", "online"))
			}
		})
	}

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id1 := b.Subscribe(t.Context(), "A1")
	_, id2 := b.Subscribe(t.Context(), "A1")
	_, id3 := b.Subscribe(t.Context(), "B2")

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}
