package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/llm"
)

// LLMWebSearch runs searches through a search-capable chat model on the
// shared gateway, so results ride the same cache and rate limits.
type LLMWebSearch struct {
	llm   Invoker
	model string
}

// Invoker is the slice of the LLM gateway the adapters need
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []openai.ChatCompletionMessage, temperature float32, class llm.QueryClass) (string, error)
}

func NewLLMWebSearch(invoker Invoker, model string) *LLMWebSearch {
	return &LLMWebSearch{llm: invoker, model: model}
}

func (w *LLMWebSearch) Search(ctx context.Context, query string) (string, error) {
	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: "你是一个联网搜索助手。针对用户的问题给出简洁、带要点的最新信息摘要。",
		},
		{Role: openai.ChatMessageRoleUser, Content: query},
	}
	out, err := w.llm.Invoke(ctx, w.model, messages, 0.2, llm.ClassSimple)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// OpenAIImageGen renders prompts through an OpenAI-compatible images
// endpoint and returns the hosted URL.
type OpenAIImageGen struct {
	client *openai.Client
	model  string
}

func NewOpenAIImageGen(client *openai.Client, model string) *OpenAIImageGen {
	return &OpenAIImageGen{client: client, model: model}
}

func (g *OpenAIImageGen) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Model:  g.model,
		Prompt: prompt,
		N:      1,
		Size:   openai.CreateImageSize1024x1024,
	})
	if err != nil {
		return "", fmt.Errorf("image generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("image generation returned no url")
	}
	return resp.Data[0].URL, nil
}

// SubprocessPython runs analysis snippets in a python3 subprocess with
// a hard timeout. Output is stdout, or stderr when the script fails.
type SubprocessPython struct {
	timeout time.Duration
}

func NewSubprocessPython(timeout time.Duration) *SubprocessPython {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SubprocessPython{timeout: timeout}
}

func (p *SubprocessPython) Run(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "python3", "-c", code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("python analysis timed out after %s", p.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("python analysis failed: %s", msg)
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		out = "(no output)"
	}
	return out, nil
}
