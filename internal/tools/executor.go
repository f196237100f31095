// Package tools dispatches agent tool calls to their adapters, caching
// results and rendering failures into plain tool messages so the agent
// loop never sees a raw error.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/types"
)

// WebSearcher answers a search query with a text digest
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// ImageGenerator renders a prompt and returns an image URL
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CodeRunner executes analysis code and returns its output
type CodeRunner interface {
	Run(ctx context.Context, code string) (string, error)
}

type cacheKey struct {
	name    string
	argHash string
}

// Executor dispatches by tool name. Results are cached per
// (name, argument hash) for the process lifetime.
type Executor struct {
	search WebSearcher
	images ImageGenerator
	runner CodeRunner

	mu    sync.Mutex
	cache map[cacheKey]string
}

// NewExecutor wires the three adapters; any may be nil, which renders
// that tool unavailable.
func NewExecutor(search WebSearcher, images ImageGenerator, runner CodeRunner) *Executor {
	return &Executor{
		search: search,
		images: images,
		runner: runner,
		cache:  make(map[cacheKey]string),
	}
}

// Execute runs an agent action's tool and returns the tool message
// content. Adapter failures come back as a "Tool Error: ..." string,
// never as a Go error, so the agent can read and recover.
func (e *Executor) Execute(ctx context.Context, action types.AgentAction) string {
	if u, ok := action.(types.ActionUnknown); ok {
		return fmt.Sprintf("Unknown tool: %s", u.Name)
	}
	name, arg := actionNameArg(action)

	key := cacheKey{name, hashArg(arg)}
	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		e.mu.Unlock()
		logging.Debug("tools", "cache hit for %s", name)
		return cached
	}
	e.mu.Unlock()

	result, err := e.dispatch(ctx, action)
	if err != nil {
		logging.Warn("tools", "%s failed: %v", name, err)
		return fmt.Sprintf("Tool Error: %v", err)
	}

	e.mu.Lock()
	e.cache[key] = result
	e.mu.Unlock()
	return result
}

func (e *Executor) dispatch(ctx context.Context, action types.AgentAction) (string, error) {
	switch a := action.(type) {
	case types.ActionWebSearch:
		if e.search == nil {
			return "", fmt.Errorf("web_search is not configured")
		}
		return e.search.Search(ctx, a.Query)
	case types.ActionGenerateImage:
		if e.images == nil {
			return "", fmt.Errorf("generate_image is not configured")
		}
		return e.images.Generate(ctx, a.Prompt)
	case types.ActionRunAnalysis:
		if e.runner == nil {
			return "", fmt.Errorf("run_python_analysis is not configured")
		}
		return e.runner.Run(ctx, a.Code)
	default:
		return "", fmt.Errorf("unsupported action %T", action)
	}
}

func actionNameArg(action types.AgentAction) (string, string) {
	switch a := action.(type) {
	case types.ActionWebSearch:
		return "web_search", a.Query
	case types.ActionGenerateImage:
		return "generate_image", a.Prompt
	case types.ActionRunAnalysis:
		return "run_python_analysis", a.Code
	case types.ActionUnknown:
		return a.Name, ""
	default:
		return fmt.Sprintf("%T", action), ""
	}
}

func hashArg(arg string) string {
	sum := sha256.Sum256([]byte(arg))
	return hex.EncodeToString(sum[:])
}
