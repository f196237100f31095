package affect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "affect_state.json")

	s := NewStore(0.75)
	s.Update(Delta{Valence: 0.4, Stamina: -25, Primary: "委屈"})
	want := s.Snapshot()

	if err := s.SaveSnapshot(path); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(0.75)
	s2.Restore(path)
	got := s2.Snapshot()
	if got.Valence != want.Valence || got.Stamina != want.Stamina || got.PrimaryEmotion != "委屈" {
		t.Fatalf("restored = %+v, want %+v", got, want)
	}

	// LoadSnapshotFile serves read-only inspectors
	st, err := LoadSnapshotFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.PrimaryEmotion != "委屈" {
		t.Fatalf("loaded emotion = %q", st.PrimaryEmotion)
	}
}

func TestRestoreIgnoresMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(0.75)
	neutral := s.Snapshot()

	s.Restore(filepath.Join(dir, "nope.json"))
	if s.Snapshot() != neutral {
		t.Fatal("missing file changed state")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}
	s.Restore(bad)
	if s.Snapshot() != neutral {
		t.Fatal("corrupt file changed state")
	}
}
