package orchestrator

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/history"
	"github.com/aslishyi/anima/internal/llm"
)

const summaryPrompt = `把新的几条聊天记录融入已有摘要，输出一段不超过 200 字的更新后摘要。只输出摘要本身。`

// llmSummarizer folds pruned history lines into the rolling summary
type llmSummarizer struct {
	llm   Invoker
	model string
}

func (o *Orchestrator) summarizer() history.Summarizer {
	return &llmSummarizer{llm: o.llm, model: o.smallModel}
}

func (s *llmSummarizer) UpdateSummary(ctx context.Context, existing string, lines []string) (string, error) {
	if existing == "" {
		existing = "（还没有摘要）"
	}
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summaryPrompt},
		{Role: openai.ChatMessageRoleUser,
			Content: "已有摘要：" + existing + "\n\n新记录：\n" + strings.Join(lines, "\n")},
	}
	out, err := s.llm.Invoke(ctx, s.model, messages, 0.3, llm.ClassSummary)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
