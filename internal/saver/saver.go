// Package saver turns a finished conversation turn into long-term
// memories. An extraction model proposes structured operations from the
// user's input only; the assistant's own words are never memorized.
package saver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tsawler/prose/v3"

	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/memory"
)

// Mode selects the importance floor: turns where the assistant replied
// keep more, silent observation keeps only the notable.
type Mode int

const (
	Interactive Mode = iota
	Observation
)

const (
	interactiveFloor = 2
	observationFloor = 4
	imperativeFloor  = 5
)

// imperativePhrases force a minimum importance when they appear in the
// user's own words
var imperativePhrases = []string{
	"请记住", "记住", "别忘了", "不要忘", "重要", "一定要记",
	"remember this", "don't forget", "important",
}

// Invoker is the slice of the LLM gateway the saver needs
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32, class llm.QueryClass) (string, error)
}

// MemoryWriter is the slice of the episodic store the saver needs
type MemoryWriter interface {
	AddTexts(ctx context.Context, texts []string, metas []memory.Metadata) ([]string, error)
}

// Saver extracts and persists memory operations
type Saver struct {
	llm   Invoker
	model string
	store MemoryWriter
}

func New(invoker Invoker, model string, store MemoryWriter) *Saver {
	return &Saver{llm: invoker, model: model, store: store}
}

const extractionPrompt = `从下面用户说的话里提取值得长期记住的事实。
只看用户的话，不要从助手的回复里提取。
输出 JSON 数组，每项形如 {"content":"...","category":"...","importance":1-10}。
category 取值: preference, fact, event, relationship, other。
没有值得记的就输出 []。`

// Save extracts memory ops from the user's input and stores the
// survivors. Returns how many memories were written.
func (s *Saver) Save(ctx context.Context, userID, userInput string, mode Mode) (int, error) {
	if strings.TrimSpace(userInput) == "" {
		return 0, nil
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userInput},
	}
	out, err := s.llm.Invoke(ctx, s.model, messages, 0.1, llm.ClassMemory)
	if err != nil {
		return 0, fmt.Errorf("memory extraction: %w", err)
	}

	ops := ParseOps(out)
	ops = ApplyFloors(ops, userInput, mode)
	if len(ops) == 0 {
		return 0, nil
	}

	texts := make([]string, len(ops))
	metas := make([]memory.Metadata, len(ops))
	for i, op := range ops {
		texts[i] = op.Content
		metas[i] = memory.Metadata{
			Source:     "interaction",
			UserID:     userID,
			Category:   op.Category,
			Importance: op.Importance,
		}
	}
	if _, err := s.store.AddTexts(ctx, texts, metas); err != nil {
		return 0, fmt.Errorf("store memories: %w", err)
	}
	logging.Debug("saver", "kept %d extracted memories for %s", len(ops), userID)
	return len(ops), nil
}

// Op mirrors the extraction model's output items
type Op struct {
	Content    string `json:"content"`
	Category   string `json:"category"`
	Importance int    `json:"importance"`
}

// ParseOps reads the model output, tolerating code fences and leading
// prose around the JSON array
func ParseOps(raw string) []Op {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "["); i >= 0 {
		if j := strings.LastIndex(raw, "]"); j > i {
			raw = raw[i : j+1]
		}
	}
	var ops []Op
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		logging.Debug("saver", "unparseable extraction output: %v", err)
		return nil
	}
	kept := ops[:0]
	for _, op := range ops {
		if strings.TrimSpace(op.Content) == "" {
			continue
		}
		if op.Category == "" {
			op.Category = "other"
		}
		kept = append(kept, op)
	}
	return kept
}

// ApplyFloors drops ops below the mode's importance floor, after
// raising imperative-marked input to at least importance 5
func ApplyFloors(ops []Op, userInput string, mode Mode) []Op {
	floor := interactiveFloor
	if mode == Observation {
		floor = observationFloor
	}
	imperative := HasImperative(userInput)

	kept := make([]Op, 0, len(ops))
	for _, op := range ops {
		if imperative && op.Importance < imperativeFloor {
			op.Importance = imperativeFloor
		}
		if op.Importance < floor {
			continue
		}
		kept = append(kept, op)
	}
	return kept
}

// HasImperative detects "remember this" style phrasing. CJK input is
// matched by substring; for latin text the tokenizer normalizes away
// case and punctuation first.
func HasImperative(input string) bool {
	lower := strings.ToLower(input)
	for _, phrase := range imperativePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	doc, err := prose.NewDocument(input, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		return false
	}
	var words []string
	for _, tok := range doc.Tokens() {
		words = append(words, strings.ToLower(tok.Text))
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, phrase := range imperativePhrases {
		if !strings.Contains(phrase, " ") {
			continue
		}
		if strings.Contains(joined, " "+phrase+" ") {
			return true
		}
	}
	return false
}
