package relation

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetAutoCreatesAndRefreshesName(t *testing.T) {
	s := openTestStore(t)

	p, err := s.Get("u1", "小红")
	if err != nil {
		t.Fatal(err)
	}
	if p.Nickname != "小红" {
		t.Fatalf("nickname = %q", p.Nickname)
	}
	if p.Dimensions.Intimacy != 20 || p.Dimensions.Trust != 30 {
		t.Fatalf("unexpected default dimensions: %+v", p.Dimensions)
	}

	p, err = s.Get("u1", "红红")
	if err != nil {
		t.Fatal(err)
	}
	if p.Nickname != "红红" {
		t.Fatalf("name not refreshed: %q", p.Nickname)
	}
}

func TestUpdateDimensionsClamps(t *testing.T) {
	s := openTestStore(t)
	s.Get("u2", "x")

	p, err := s.UpdateDimensions("u2", map[string]int{
		"intimacy":       500,
		"familiarity":    -500,
		"trust":          5,
		"interest_match": -5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Dimensions.Intimacy != 100 {
		t.Errorf("intimacy = %d, want 100", p.Dimensions.Intimacy)
	}
	if p.Dimensions.Familiarity != 0 {
		t.Errorf("familiarity = %d, want 0", p.Dimensions.Familiarity)
	}
	if p.Dimensions.Trust != 35 {
		t.Errorf("trust = %d, want 35", p.Dimensions.Trust)
	}
	if p.Dimensions.InterestMatch != 25 {
		t.Errorf("interest_match = %d, want 25", p.Dimensions.InterestMatch)
	}
}

func TestSentimentRingCap(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 150; i++ {
		if _, err := s.RecordSentiment("u3", "positive", 0.5); err != nil {
			t.Fatal(err)
		}
	}
	p, _ := s.Get("u3", "")
	if len(p.SentimentTrends) != 100 {
		t.Fatalf("ring length = %d, want 100", len(p.SentimentTrends))
	}
}

func TestExpressionHabitDedup(t *testing.T) {
	s := openTestStore(t)
	s.AddExpressionHabit("u4", "ends sentences with 喵", 0.4)
	p, err := s.AddExpressionHabit("u4", "ends sentences with 喵", 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.ExpressionHabits) != 1 {
		t.Fatalf("habits = %d, want 1", len(p.ExpressionHabits))
	}
	if p.ExpressionHabits[0].Confidence != 0.9 {
		t.Fatalf("confidence not overwritten: %f", p.ExpressionHabits[0].Confidence)
	}
}

func TestMemoryPointWeight(t *testing.T) {
	// 50-rune content, 2 interactions, 1 day recency:
	// 1.0 × 1.5 × 2.0 × 1.0 = 3.0
	content := ""
	for i := 0; i < 50; i++ {
		content += "a"
	}
	if w := MemoryPointWeight(content, 2, 1); math.Abs(w-3.0) > 1e-9 {
		t.Errorf("weight = %f, want 3.0", w)
	}

	// Factors saturate: huge content caps at 2.0, many interactions at 3.0,
	// deep staleness floors at 0.1
	huge := ""
	for i := 0; i < 1000; i++ {
		huge += "a"
	}
	if w := MemoryPointWeight(huge, 100, 100); math.Abs(w-0.6) > 1e-9 {
		t.Errorf("saturated weight = %f, want 2.0×3.0×0.1 = 0.6", w)
	}
}

func TestRandomMemoryPointsFilter(t *testing.T) {
	s := openTestStore(t)
	s.AddMemoryPoint("u5", "preference", "喜欢猫")
	s.AddMemoryPoint("u5", "preference", "喜欢狗")
	s.AddMemoryPoint("u5", "event", "上周去了海边")

	got, err := s.RandomMemoryPoints("u5", "preference", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d points, want 2", len(got))
	}
	for _, mp := range got {
		if mp.Category != "preference" {
			t.Errorf("category filter leaked %q", mp.Category)
		}
	}
}

func TestConcurrentWritersSerializePerUser(t *testing.T) {
	s := openTestStore(t)
	s.Get("u6", "x")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TouchInteraction("u6")
		}()
	}
	wg.Wait()

	p, _ := s.Get("u6", "")
	if p.InteractionCount != 50 {
		t.Fatalf("interaction count = %d, want 50 (lost updates)", p.InteractionCount)
	}
}

func TestProfileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.UpdateDimensions("u7", map[string]int{"intimacy": 33})
	s.AddGroupNickname("u7", "g1", "群里的昵称")
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	p, err := s2.Get("u7", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.Dimensions.Intimacy != 53 {
		t.Errorf("intimacy = %d, want 53", p.Dimensions.Intimacy)
	}
	if p.GroupNicknames["g1"] != "群里的昵称" {
		t.Errorf("group nickname lost: %v", p.GroupNicknames)
	}
}

func TestMigrateLegacyJSONOneShot(t *testing.T) {
	dir := t.TempDir()
	legacyDir := filepath.Join(dir, "user_profiles")
	os.MkdirAll(legacyDir, 0755)

	legacy := &Profile{UserID: "old1", Nickname: "旧用户", Dimensions: Dimensions{Intimacy: 77}}
	data, _ := json.Marshal(legacy)
	os.WriteFile(filepath.Join(legacyDir, "old1.json"), data, 0644)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.MigrateLegacyJSON(dir); err != nil {
		t.Fatal(err)
	}
	p, err := s.Get("old1", "")
	if err != nil {
		t.Fatal(err)
	}
	if p.Dimensions.Intimacy != 77 {
		t.Fatalf("migrated intimacy = %d, want 77", p.Dimensions.Intimacy)
	}

	// Marker written; a second run must not error or duplicate
	if _, err := os.Stat(filepath.Join(dir, "migration_complete.txt")); err != nil {
		t.Fatal("marker not written")
	}
	if err := s.MigrateLegacyJSON(dir); err != nil {
		t.Fatal(err)
	}
}

func BenchmarkGetCached(b *testing.B) {
	dir := b.TempDir()
	s, _ := Open(dir)
	defer s.Close()
	s.Get("bench", "x")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Get("bench", "")
	}
}
