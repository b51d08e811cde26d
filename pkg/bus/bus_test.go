package bus

import (
	"runtime"
	"testing"
	"time"
)

func collect(ch <-chan int, n int, timeout time.Duration) []int {
	var out []int
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New[int](nil)
	ch, cancel := b.Subscribe(16)
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	got := collect(ch, 10, time.Second)
	if len(got) != 10 {
		t.Fatalf("got %d events, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, want %d", i, v, i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New[int](nil)
	// Subscriber never reads.
	_, cancel := b.Subscribe(4)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestLaggedMarkerAfterDrops(t *testing.T) {
	b := New[int](func(dropped int) int { return -dropped })
	ch, cancel := b.Subscribe(2)
	defer cancel()

	// The queue holds 2 and nobody is reading, so publishing 5 must evict.
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	got := collect(ch, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("got %v, want a marker plus the newest event", got)
	}
	if got[0] >= 0 {
		t.Fatalf("expected a lagged marker before the surviving events, got %v", got)
	}
	if got[1] != 5 {
		t.Fatalf("newest event lost: got %v", got)
	}
}

func TestCancelWithoutDrainHoldsNoGoroutines(t *testing.T) {
	b := New[int](nil)
	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		_, cancel := b.Subscribe(4)
		b.Publish(i)
		cancel() // walk away without reading
	}

	time.Sleep(50 * time.Millisecond)
	if after := runtime.NumGoroutine(); after > before {
		t.Fatalf("goroutines grew from %d to %d across 20 abandoned subscriptions", before, after)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New[int](nil)
	ch, cancel := b.Subscribe(4)
	cancel()
	cancel() // second call must be a no-op

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New[int](nil)
	ch1, _ := b.Subscribe(4)
	ch2, _ := b.Subscribe(4)
	b.Publish(7)
	b.Close()
	b.Close() // idempotent

	got1 := collect(ch1, 2, time.Second)
	got2 := collect(ch2, 2, time.Second)
	if len(got1) != 1 || got1[0] != 7 {
		t.Fatalf("ch1 got %v, want [7]", got1)
	}
	if len(got2) != 1 || got2[0] != 7 {
		t.Fatalf("ch2 got %v, want [7]", got2)
	}

	// Publishing after close must not panic or deliver.
	b.Publish(8)
}
