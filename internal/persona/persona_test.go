package persona

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

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

const testYAML = `
core_prompt: 你是小鹿，一个爱喝奶茶的大学生。
extended:
  背景:
    家庭:
      出生地: 杭州
      宠物: 一只叫团子的橘猫
    爱好:
      饮品: 三分糖的芋泥奶茶
contextual_styles:
  emotions:
    开心: 语气轻快，爱用感叹号
  relations:
    亲密: 偶尔撒娇，用叠词
  scenes:
    私聊: 放松随意，句子很短
  combos:
    开心|亲密|私聊: 会主动分享今天的小事
`

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestRetriever(t *testing.T) *Retriever {
	t.Helper()
	db, err := memory.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRetriever(loadTestConfig(t), db, &fakeEmbedder{})
}

func TestLoadConfigRejectsMissingCorePrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	os.WriteFile(path, []byte("extended: {}\n"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing core_prompt")
	}
}

func TestFlattenExtendedFormat(t *testing.T) {
	cfg := loadTestConfig(t)
	lines := cfg.FlattenExtended()
	if len(lines) != 3 {
		t.Fatalf("flattened %d lines, want 3", len(lines))
	}
	want := "背景 - 家庭 - 出生地: 杭州"
	found := false
	for _, l := range lines {
		if l == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing %q in %v", want, lines)
	}

	// Deterministic ordering across calls
	again := cfg.FlattenExtended()
	for i := range lines {
		if lines[i] != again[i] {
			t.Fatal("flatten order not deterministic")
		}
	}
}

func TestSpeechStyleComboWins(t *testing.T) {
	r := newTestRetriever(t)
	got := r.SpeechStyle(context.Background(), "开心", "亲密", "private_chat")
	if got != "会主动分享今天的小事" {
		t.Fatalf("combo not preferred: %q", got)
	}
}

func TestSpeechStyleJoinsAxes(t *testing.T) {
	r := newTestRetriever(t)
	// No combo for this triple; per-axis entries join
	got := r.SpeechStyle(context.Background(), "开心", "陌生", "private_chat")
	if !strings.Contains(got, "语气轻快") || !strings.Contains(got, "句子很短") {
		t.Fatalf("axis join missing parts: %q", got)
	}
	if strings.Contains(got, "撒娇") {
		t.Fatalf("relation entry for 亲密 leaked into 陌生: %q", got)
	}
}

func TestSceneAliasMapping(t *testing.T) {
	if NormalizeScene("group_chat") != "群聊" {
		t.Fatal("group_chat alias broken")
	}
	if NormalizeScene("深夜") != "深夜" {
		t.Fatal("native key must pass through")
	}
}

func TestRelationLabelBuckets(t *testing.T) {
	cases := map[int]string{85: "亲密", 70: "熟悉", 30: "熟悉", 29: "陌生", 0: "陌生"}
	for intimacy, want := range cases {
		if got := RelationLabel(intimacy); got != want {
			t.Errorf("RelationLabel(%d) = %q, want %q", intimacy, got, want)
		}
	}
}

func TestEnsureIndexedAndSelfHeal(t *testing.T) {
	r := newTestRetriever(t)
	ctx := context.Background()

	if err := r.EnsureIndexed(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := r.extended.Count(); n != 3 {
		t.Fatalf("extended count = %d, want 3", n)
	}

	// Wipe the collection; the next read must rebuild and answer
	if err := r.extended.ClearAll(); err != nil {
		t.Fatal(err)
	}
	hits := r.ExtendedSnippets(ctx, "奶茶", 2)
	if len(hits) == 0 {
		t.Fatal("self-heal did not rebuild the extended collection")
	}
	if n, _ := r.extended.Count(); n != 3 {
		t.Fatalf("count after heal = %d, want 3", n)
	}
}
