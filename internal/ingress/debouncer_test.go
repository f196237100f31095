package ingress

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aslishyi/anima/internal/types"
)

func msg(text string) *types.InboundMessage {
	return &types.InboundMessage{Text: text, ReceivedAt: time.Now()}
}

func TestBurstCoalescesIntoOneBatch(t *testing.T) {
	var mu sync.Mutex
	var batches [][]*types.InboundMessage

	d := New(300*time.Millisecond, func(_ string, batch []*types.InboundMessage) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	})
	defer d.Close()

	// Three events inside the quiet window
	d.Add("private_7", msg("one"))
	time.Sleep(100 * time.Millisecond)
	d.Add("private_7", msg("two"))
	time.Sleep(150 * time.Millisecond)
	d.Add("private_7", msg("three"))

	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("flushed %d times, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batches[0]))
	}
	// Arrival order preserved
	for i, want := range []string{"one", "two", "three"} {
		if batches[0][i].Text != want {
			t.Errorf("batch[%d] = %q, want %q", i, batches[0][i].Text, want)
		}
	}
}

func TestTimerResetsOnEachAdd(t *testing.T) {
	var flushes atomic.Int32
	d := New(200*time.Millisecond, func(_ string, _ []*types.InboundMessage) {
		flushes.Add(1)
	})
	defer d.Close()

	// Keep poking inside the window; no flush may fire
	for i := 0; i < 5; i++ {
		d.Add("s", msg("x"))
		time.Sleep(100 * time.Millisecond)
	}
	if flushes.Load() != 0 {
		t.Fatalf("flush fired during activity: %d", flushes.Load())
	}

	time.Sleep(350 * time.Millisecond)
	if flushes.Load() != 1 {
		t.Fatalf("flushed %d times after quiet period, want exactly 1", flushes.Load())
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	var mu sync.Mutex
	got := map[string]int{}

	d := New(150*time.Millisecond, func(id string, batch []*types.InboundMessage) {
		mu.Lock()
		got[id] += len(batch)
		mu.Unlock()
	})
	defer d.Close()

	d.Add("a", msg("1"))
	d.Add("b", msg("2"))
	d.Add("a", msg("3"))

	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 2 || got["b"] != 1 {
		t.Fatalf("got %v, want a:2 b:1", got)
	}
}

func TestStaleTimerCallbackDropsNothing(t *testing.T) {
	var mu sync.Mutex
	var batches [][]*types.InboundMessage

	d := New(time.Hour, func(_ string, batch []*types.InboundMessage) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	})
	defer d.Close()

	// Two adds re-arm the window twice. A callback from the first
	// arming that only now gets the mutex must not deliver the second
	// event early.
	d.Add("s", msg("one"))
	d.Add("s", msg("two"))
	d.flush("s", 1)

	mu.Lock()
	n := len(batches)
	mu.Unlock()
	if n != 0 {
		t.Fatal("stale callback delivered a buffer still inside its window")
	}
	if !d.Pending("s") {
		t.Fatal("buffer lost to stale callback")
	}

	// The current generation delivers both events in order
	d.flush("s", 2)
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %v", batches)
	}
	if batches[0][0].Text != "one" || batches[0][1].Text != "two" {
		t.Fatalf("order wrong: %q %q", batches[0][0].Text, batches[0][1].Text)
	}
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	var flushes atomic.Int32
	d := New(100*time.Millisecond, func(_ string, _ []*types.InboundMessage) {
		flushes.Add(1)
	})

	d.Add("s", msg("doomed"))
	d.Close()

	time.Sleep(300 * time.Millisecond)
	if flushes.Load() != 0 {
		t.Fatal("timer fired after Close")
	}
}
