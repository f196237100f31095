// anima-mcp exposes the agent's persisted state as MCP tools for
// inspection: semantic memory search, the current mood vector, a user's
// relationship profile and the tail of a session's chat history.
//
// It reads the same DATA_PATH the agent writes. All tools are
// read-only; nothing here mutates state.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/history"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/memory"
	"github.com/aslishyi/anima/internal/relation"
)

var (
	dataPath  string
	memStore  *memory.Store
	relations *relation.Store
	histStore *history.Store
)

func main() {
	// Load .env file - try executable's parent dir (repo root), then exe dir, then cwd
	envPaths := []string{".env"}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		envPaths = append([]string{
			filepath.Join(filepath.Dir(exeDir), ".env"),
			filepath.Join(exeDir, ".env"),
		}, envPaths...)
	}
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}

	dataPath = os.Getenv("DATA_PATH")
	if dataPath == "" {
		dataPath = "data"
	}

	// memory_search needs an embedder for the query vector; the agent's
	// embedding cache makes repeated inspection queries free
	provider, err := llm.ProviderFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "LLM provider config: %v\n", err)
		os.Exit(1)
	}
	vectorCache := llm.NewVectorCache(5000, filepath.Join(dataPath, "cache", "embeddings.msgpack"))
	embedder := llm.NewEmbedder(provider.NewClient(), provider.EmbeddingModel, vectorCache)

	db, err := memory.Open(dataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open memory database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	memStore = db.Collection("anima_memories", embedder)

	relations, err = relation.Open(dataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open relationship store: %v\n", err)
		os.Exit(1)
	}
	defer relations.Close()

	histStore, err = history.NewStore(dataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history store: %v\n", err)
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"anima-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(memorySearchTool(), handleMemorySearch)
	s.AddTool(affectStateTool(), handleAffectState)
	s.AddTool(relationshipGetTool(), handleRelationshipGet)
	s.AddTool(historyTailTool(), handleHistoryTail)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func memorySearchTool() mcp.Tool {
	return mcp.NewTool("memory_search",
		mcp.WithDescription("Semantic search over the agent's long-term memory. Returns the top-k memory texts ranked by relevance, recency and importance."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language search query"),
		),
		mcp.WithNumber("k",
			mcp.Description("Number of results (default 5)"),
		),
		mcp.WithString("category",
			mcp.Description("Restrict to one memory category (e.g. preference, fact, chat_log)"),
		),
	)
}

func handleMemorySearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	query, _ := args["query"].(string)
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	k := 5
	if n, ok := args["k"].(float64); ok && n > 0 {
		k = int(n)
	}
	opts := memory.SearchOptions{}
	if cat, _ := args["category"].(string); cat != "" {
		opts.Categories = []string{cat}
	}

	texts, err := memStore.Search(ctx, query, k, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(texts) == 0 {
		return mcp.NewToolResultText("No matching memories."), nil
	}
	var b strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func affectStateTool() mcp.Tool {
	return mcp.NewTool("affect_state",
		mcp.WithDescription("Current mood vector (valence, arousal, stress, fatigue, stamina, emotion labels) as last persisted by the agent."),
	)
}

func handleAffectState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := affect.LoadSnapshotFile(filepath.Join(dataPath, "affect_state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return mcp.NewToolResultError("no affect snapshot yet - is the agent running?"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("read affect snapshot: %v", err)), nil
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal state: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func relationshipGetTool() mcp.Tool {
	return mcp.NewTool("relationship_get",
		mcp.WithDescription("Fetch a user's relationship profile: dimension scores, memory points, expression habits, topics and interaction stats."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Platform user id"),
		),
	)
}

func handleRelationshipGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	userID, _ := args["user_id"].(string)
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	// Empty current name: inspection must not overwrite the stored one
	profile, err := relations.Get(userID, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load profile: %v", err)), nil
	}
	out, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal profile: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func historyTailTool() mcp.Tool {
	return mcp.NewTool("history_tail",
		mcp.WithDescription("Show the rolling summary and last messages of a session. Session ids look like private_<user_id> or group_<group_id>."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session id, e.g. private_12345 or group_67890"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum messages to show (default 10)"),
		),
	)
}

func handleHistoryTail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	limit := 10
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	rec, err := histStore.Load(sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load history: %v", err)), nil
	}
	if rec.Summary == "" && len(rec.Messages) == 0 {
		return mcp.NewToolResultText("No history for " + sessionID), nil
	}

	var b strings.Builder
	if rec.Summary != "" {
		b.WriteString("摘要: " + rec.Summary + "\n\n")
	}
	msgs := rec.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for _, m := range msgs {
		b.WriteString(history.FormatLine(m) + "\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}
