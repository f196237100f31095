package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aslishyi/anima/internal/affect"
	"github.com/aslishyi/anima/internal/budget"
	"github.com/aslishyi/anima/internal/dream"
	"github.com/aslishyi/anima/internal/history"
	"github.com/aslishyi/anima/internal/ingress"
	"github.com/aslishyi/anima/internal/llm"
	"github.com/aslishyi/anima/internal/memory"
	"github.com/aslishyi/anima/internal/onebot"
	"github.com/aslishyi/anima/internal/orchestrator"
	"github.com/aslishyi/anima/internal/perception"
	"github.com/aslishyi/anima/internal/persona"
	"github.com/aslishyi/anima/internal/proactive"
	"github.com/aslishyi/anima/internal/relation"
	"github.com/aslishyi/anima/internal/saver"
	"github.com/aslishyi/anima/internal/tools"
	"github.com/aslishyi/anima/internal/types"
)

func main() {
	log.Println("anima - conversational agent")
	log.Println("============================")

	// Load .env file (optional - won't error if missing)
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, using environment variables")
	} else {
		log.Println("[config] Loaded .env file")
	}

	// Config from environment
	wsURL := os.Getenv("ONEBOT_WS_URL")
	wsToken := os.Getenv("ONEBOT_TOKEN")
	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		dataPath = "data"
	}
	personaPath := os.Getenv("PERSONA_PATH")
	if personaPath == "" {
		personaPath = "persona.yaml"
	}

	if wsURL == "" {
		log.Fatal("ONEBOT_WS_URL environment variable required")
	}

	os.MkdirAll(dataPath, 0755)
	os.MkdirAll(filepath.Join(dataPath, "cache"), 0755)

	// LLM provider and gateway
	provider, err := llm.ProviderFromEnv()
	if err != nil {
		log.Fatalf("Failed to configure LLM provider: %v", err)
	}
	log.Printf("[config] Provider: %s (chat=%s, small=%s)", provider.Name, provider.ChatModel, provider.SmallModel)

	client := provider.NewClient()
	chatCache := llm.NewCache(2000, filepath.Join(dataPath, "cache", "llm.msgpack"))
	gateway := llm.NewGateway(client, chatCache)

	vectorCache := llm.NewVectorCache(5000, filepath.Join(dataPath, "cache", "embeddings.msgpack"))
	embedder := llm.NewEmbedder(client, provider.EmbeddingModel, vectorCache)

	// Stores
	db, err := memory.Open(dataPath)
	if err != nil {
		log.Fatalf("Failed to open memory database: %v", err)
	}
	defer db.Close()
	memStore := db.Collection("anima_memories", embedder)

	relations, err := relation.Open(dataPath)
	if err != nil {
		log.Fatalf("Failed to open relationship store: %v", err)
	}
	defer relations.Close()
	if err := relations.MigrateLegacyJSON(dataPath); err != nil {
		log.Printf("Warning: legacy profile migration failed: %v", err)
	}

	hist, err := history.NewStore(dataPath)
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}

	affectStore := affect.NewStore(affect.DefaultInertia)
	affectPath := filepath.Join(dataPath, "affect_state.json")
	affectStore.Restore(affectPath)

	// Persona
	personaCfg, err := persona.LoadConfig(personaPath)
	if err != nil {
		log.Fatalf("Failed to load persona: %v", err)
	}
	retriever := persona.NewRetriever(personaCfg, db, embedder)
	if err := retriever.EnsureIndexed(context.Background()); err != nil {
		log.Printf("Warning: persona indexing failed: %v", err)
	}

	// Tool adapters
	visionModel := envOr("VISION_MODEL", provider.SmallModel)
	searchModel := envOr("SEARCH_MODEL", provider.ChatModel)
	imageModel := envOr("IMAGE_MODEL", "")

	var imageGen tools.ImageGenerator
	if imageModel != "" {
		imageGen = tools.NewOpenAIImageGen(client, imageModel)
	}
	executor := tools.NewExecutor(
		tools.NewLLMWebSearch(gateway, searchModel),
		imageGen,
		tools.NewSubprocessPython(30*time.Second),
	)

	// Orchestrator and gateway to the IM side
	var debouncer *ingress.Debouncer
	bot := onebot.NewClient(wsURL, wsToken, func(msg *types.InboundMessage) {
		debouncer.Add(msg.SessionID, msg)
	})

	orch := orchestrator.New(orchestrator.Deps{
		LLM:        gateway,
		ChatModel:  provider.ChatModel,
		SmallModel: provider.SmallModel,
		Affect:     affectStore,
		Relations:  relations,
		Memories:   memStore,
		Persona:    retriever,
		History:    hist,
		Perceptor:  perception.New(gateway, visionModel),
		Tools:      executor,
		Saver:      saver.New(gateway, provider.SmallModel, memStore),
		Sender:     bot,
	})

	debounceWait := time.Duration(envInt("DEBOUNCE_MS", 1500)) * time.Millisecond
	debouncer = ingress.New(debounceWait, orch.HandleBatch)

	// Background loops
	stop := make(chan struct{})

	chatCache.StartSnapshotLoop(5*time.Minute, stop)
	vectorCache.StartSnapshotLoop(5*time.Minute, stop)
	affectStore.StartSnapshotLoop(affectPath, time.Minute, stop)
	memStore.StartCleanupLoop(6*time.Hour, stop)

	gate := budget.NewLoadGate()
	gate.Start()

	dreamCycle := dream.New(memStore, affectStore, gateway, provider.SmallModel,
		gate, orch.LastActivity, dataPath)
	dreamCycle.Start(dream.DefaultInterval, stop)

	scheduler := proactive.New(orch, orch, orch, relations, affectStore, nil)
	orch.SetFeedback(scheduler)
	scheduler.Start(proactive.DefaultInterval, stop)

	if err := bot.Start(); err != nil {
		log.Fatalf("Failed to connect to OneBot endpoint: %v", err)
	}
	log.Println("[main] Running. Ctrl+C to stop.")

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("[main] Shutting down...")
	bot.Stop()        // stop inbound first
	debouncer.Close() // drop pending batches
	close(stop)       // halt tickers and snapshot loops
	gate.Stop()
	orch.Drain() // let in-flight pipeline runs finish

	// Final cache flush
	if err := chatCache.Snapshot(); err != nil {
		log.Printf("Warning: llm cache snapshot failed: %v", err)
	}
	if err := vectorCache.Snapshot(); err != nil {
		log.Printf("Warning: embedding cache snapshot failed: %v", err)
	}
	log.Println("[main] Bye.")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
