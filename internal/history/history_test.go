package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aslishyi/anima/internal/types"
)

type fakeSummarizer struct {
	calls   int
	err     error
	gotOld  string
	gotRows []string
}

func (f *fakeSummarizer) UpdateSummary(_ context.Context, existing string, lines []string) (string, error) {
	f.calls++
	f.gotOld = existing
	f.gotRows = lines
	if f.err != nil {
		return "", f.err
	}
	return existing + "+" + fmt.Sprintf("%d", len(lines)), nil
}

func userMsg(name, text string) types.ChatMessage {
	return types.ChatMessage{Role: types.RoleHuman, Name: name, Content: text}
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := s.Load("never_seen")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Messages) != 0 || rec.Summary != "" {
		t.Fatalf("expected empty record, got %+v", rec)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	rec := &Record{
		Messages: []types.ChatMessage{userMsg("小明", "你好"), {Role: types.RoleAssistant, Content: "嗨"}},
		Summary:  "初次见面",
	}
	if err := s.Save("private_42", rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load("private_42")
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "初次见面" || len(got.Messages) != 2 {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if got.Messages[0].Name != "小明" {
		t.Errorf("name lost: %+v", got.Messages[0])
	}
}

func TestPruneBelowThresholdIsNoop(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	rec := &Record{}
	for i := 0; i < maxMessages; i++ {
		rec.Messages = append(rec.Messages, userMsg("u", "m"))
	}
	sum := &fakeSummarizer{}
	if err := s.Prune(context.Background(), rec, sum, nil); err != nil {
		t.Fatal(err)
	}
	if sum.calls != 0 {
		t.Fatal("summarizer called below threshold")
	}
	if len(rec.Messages) != maxMessages {
		t.Fatalf("messages dropped: %d", len(rec.Messages))
	}
}

func TestPruneFoldsOldestIntoSummary(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	rec := &Record{Summary: "旧摘要"}
	for i := 0; i < 16; i++ {
		rec.Messages = append(rec.Messages, userMsg("u", fmt.Sprintf("msg-%d", i)))
	}

	sum := &fakeSummarizer{}
	var blocks []string
	err := s.Prune(context.Background(), rec, sum, func(block string) {
		blocks = append(blocks, block)
	})
	if err != nil {
		t.Fatal(err)
	}

	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", sum.calls)
	}
	if sum.gotOld != "旧摘要" {
		t.Errorf("existing summary not passed: %q", sum.gotOld)
	}
	if len(sum.gotRows) != pruneCount {
		t.Errorf("pruned %d lines, want %d", len(sum.gotRows), pruneCount)
	}
	if rec.Summary != "旧摘要+10" {
		t.Errorf("summary not updated: %q", rec.Summary)
	}
	if len(rec.Messages) != 6 {
		t.Fatalf("remaining = %d, want 6", len(rec.Messages))
	}
	if rec.Messages[0].Content != "msg-10" {
		t.Errorf("wrong survivor order: %q", rec.Messages[0].Content)
	}

	// Pruned block forwarded exactly once, oldest first
	if len(blocks) != 1 {
		t.Fatalf("onPruned called %d times, want 1", len(blocks))
	}
	if !strings.HasPrefix(blocks[0], "u: msg-0") {
		t.Errorf("block does not start with oldest line: %q", blocks[0])
	}
}

func TestPruneSummarizerFailureKeepsMessages(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	rec := &Record{}
	for i := 0; i < 20; i++ {
		rec.Messages = append(rec.Messages, userMsg("u", "m"))
	}
	sum := &fakeSummarizer{err: errors.New("upstream down")}
	called := false
	err := s.Prune(context.Background(), rec, sum, func(string) { called = true })
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rec.Messages) != 20 {
		t.Fatalf("messages lost on failed summary: %d", len(rec.Messages))
	}
	if called {
		t.Fatal("pruned block forwarded despite failure")
	}
}

func TestCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	os.WriteFile(filepath.Join(dir, "history", "bad.json"), []byte("{not json"), 0644)

	rec, err := s.Load("bad")
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Messages) != 0 {
		t.Fatal("corrupt record should yield empty")
	}
}

func TestSessionIDSanitized(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	if err := s.Save("group/123:456", &Record{Summary: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history", "group_123_456.json")); err != nil {
		t.Fatalf("sanitized file missing: %v", err)
	}
}

func TestFormatLine(t *testing.T) {
	cases := []struct {
		m    types.ChatMessage
		want string
	}{
		{types.ChatMessage{Role: types.RoleAssistant, Content: "好的"}, "我: 好的"},
		{types.ChatMessage{Role: types.RoleTool, Content: "结果"}, "[工具] 结果"},
		{types.ChatMessage{Role: types.RoleHuman, Name: "阿强", Content: "在吗"}, "阿强: 在吗"},
		{types.ChatMessage{Role: types.RoleHuman, Content: "在吗"}, "用户: 在吗"},
	}
	for _, c := range cases {
		if got := FormatLine(c.m); got != c.want {
			t.Errorf("FormatLine(%+v) = %q, want %q", c.m, got, c.want)
		}
	}
}
