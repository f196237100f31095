package dream

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/memory"
)

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float64, 8)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float64(int64(seed>>32)) / float64(1<<31)
	}
	return v, nil
}

type fakeInvoker struct {
	response string
	calls    int
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, _ []openai.ChatCompletionMessage, _ float32, _ llm.QueryClass) (string, error) {
	f.calls++
	return f.response, nil
}

type stubGate struct{ busy bool }

func (g stubGate) Busy() bool { return g.busy }

func quietSince(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(-d) }
}

func setup(t *testing.T, response string) (*Cycle, *memory.Store, *affect.Store, *fakeInvoker, string) {
	t.Helper()
	root := t.TempDir()
	db, err := memory.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := db.Collection("anima_memories", &fakeEmbedder{})
	affectStore := affect.NewStore(0.75)
	inv := &fakeInvoker{response: response}
	c := New(store, affectStore, inv, "small", stubGate{}, quietSince(time.Hour), root)
	return c, store, affectStore, inv, root
}

func seed(t *testing.T, store *memory.Store, n, importance int, age time.Duration, prefix string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ids, err := store.AddTexts(ctx,
			[]string{fmt.Sprintf("%s-%d", prefix, i)},
			[]memory.Metadata{{Source: "interaction", UserID: "u1", Importance: importance}})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.TestSetCreatedAt(ids[0], time.Now().Add(-age)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDreamPruneAndConsolidate(t *testing.T) {
	c, store, affectStore, _, _ := setup(t, "用户最近一直在准备考试，压力比较大")

	seed(t, store, 50, 1, 5*24*time.Hour, "stale")
	seed(t, store, 6, 2, 2*time.Hour, "fresh")

	before := affectStore.Snapshot().Stamina

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, err := store.All(false)
	if err != nil {
		t.Fatal(err)
	}
	// 50 stale pruned, 6 sources consumed, 1 consolidated entry remains
	if len(entries) != 1 {
		t.Fatalf("entries after dream = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Importance != 4 || e.Source != "dream_consolidation" {
		t.Fatalf("consolidated entry wrong: imp=%d source=%s", e.Importance, e.Source)
	}

	after := affectStore.Snapshot().Stamina
	want := before + 30
	if want > 100 {
		want = 100
	}
	if after != want {
		t.Fatalf("stamina = %f, want %f", after, want)
	}
}

func TestDreamIdleCycleEarnsNoStamina(t *testing.T) {
	c, _, affectStore, inv, _ := setup(t, "x")
	affectStore.CreditStamina(-30) // leave headroom so a wrong credit would show

	before := affectStore.Snapshot().Stamina
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inv.calls != 0 {
		t.Fatal("model called on an empty store")
	}
	if after := affectStore.Snapshot().Stamina; after != before {
		t.Fatalf("stamina credited with no work done: %f -> %f", before, after)
	}
}

func TestDreamSkipConsolidationOnSKIP(t *testing.T) {
	c, store, _, _, _ := setup(t, "SKIP")
	seed(t, store, 6, 2, 2*time.Hour, "fresh")

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := store.Count()
	if n != 6 {
		t.Fatalf("entries = %d, want 6 untouched on SKIP", n)
	}
}

func TestDreamTooFewForConsolidation(t *testing.T) {
	c, store, _, inv, _ := setup(t, "anything")
	seed(t, store, 3, 2, 2*time.Hour, "fresh")

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if inv.calls != 0 {
		t.Fatal("model called with fewer than 4 candidates")
	}
	n, _ := store.Count()
	if n != 3 {
		t.Fatalf("entries = %d, want 3", n)
	}
}

func TestDreamSkipsDuringActivity(t *testing.T) {
	c, store, _, _, _ := setup(t, "x")
	c.lastActivity = quietSince(time.Minute)
	seed(t, store, 10, 1, 5*24*time.Hour, "stale")

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := store.Count()
	if n != 10 {
		t.Fatal("dream ran during recent activity")
	}
}

func TestDreamSkipsWhenHostBusy(t *testing.T) {
	c, store, _, _, _ := setup(t, "x")
	c.gate = stubGate{busy: true}
	seed(t, store, 10, 1, 5*24*time.Hour, "stale")

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := store.Count()
	if n != 10 {
		t.Fatal("dream ran on a busy host")
	}
}

func TestDreamLockExcludesSecondRun(t *testing.T) {
	c, store, _, _, root := setup(t, "x")
	seed(t, store, 10, 1, 5*24*time.Hour, "stale")

	// Simulate a live lock from another instance
	lock := filepath.Join(root, lockFile)
	if err := os.WriteFile(lock, []byte("other\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ := store.Count()
	if n != 10 {
		t.Fatal("dream ran despite held lock")
	}

	// Stale lock is broken
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(lock, old, old)
	if err := c.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, _ = store.Count()
	if n != 0 {
		t.Fatalf("stale lock not broken: %d entries remain", n)
	}
}
