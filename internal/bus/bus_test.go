package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestTypedSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 8)
	b.Subscribe(EventItemEvicted, func(ev Event) { ch <- ev })

	b.Publish(NewEvent(EventItemAdmitted, "work", nil))
	b.Publish(NewEvent(EventItemEvicted, "work", map[string]any{"item_id": "itm_1"}))

	got := collect(t, ch, 1)
	assert.Equal(t, EventItemEvicted, got[0].Type)
	assert.Equal(t, "itm_1", got[0].Payload["item_id"])

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 8)
	b.Subscribe("", func(ev Event) { ch <- ev })

	b.Publish(NewEvent(EventItemAdmitted, "work", nil))
	b.Publish(NewEvent(EventMemoryOverflow, "work", nil))

	got := collect(t, ch, 2)
	assert.Equal(t, EventItemAdmitted, got[0].Type)
	assert.Equal(t, EventMemoryOverflow, got[1].Type)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan Event, 8)
	id := b.Subscribe(EventItemRouted, func(ev Event) { ch <- ev })
	require.Equal(t, 1, b.SubscriptionCount())

	require.NoError(t, b.Unsubscribe(id))
	assert.Equal(t, 0, b.SubscriptionCount())
	assert.Error(t, b.Unsubscribe(id))

	b.Publish(NewEvent(EventItemRouted, "work", nil))
	select {
	case <-ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryBounded(t *testing.T) {
	b := NewWithHistory(3)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(EventItemAdmitted, "work", map[string]any{"n": i}))
	}

	hist := b.History()
	require.Len(t, hist, 3)
	assert.Equal(t, 2, hist[0].Payload["n"])
	assert.Equal(t, 4, hist[2].Payload["n"])
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	// A subscriber that never drains: publishes past the channel buffer
	// must drop rather than stall.
	block := make(chan struct{})
	b.Subscribe(EventItemAdmitted, func(ev Event) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultChannelBuffer*4; i++ {
			b.Publish(NewEvent(EventItemAdmitted, "work", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	seen := 0
	b.Subscribe("", func(ev Event) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish(NewEvent(EventItemAdmitted, "work", nil))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, b.History(), 40)
}

func TestClosedBusDropsPublishes(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	assert.Error(t, b.Close())

	b.Publish(NewEvent(EventItemAdmitted, "work", nil))
	assert.Empty(t, b.History())

	id := b.Subscribe(EventItemAdmitted, func(Event) {})
	assert.Equal(t, SubscriptionID(""), id)
}
