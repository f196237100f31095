package llm

import (
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aslishyi/anima/internal/logging"
)

// ProviderConfig identifies one OpenAI-compatible endpoint
type ProviderConfig struct {
	Name           string
	APIKey         string
	BaseURL        string
	ChatModel      string
	SmallModel     string // cheap model for classification/filtering
	EmbeddingModel string
}

// providerNames are checked in order; the first with an API key wins.
// Rotation/failover among providers is a deployment concern, not ours.
var providerNames = []string{"siliconflow", "mimo", "aizex", "openai"}

// ProviderFromEnv builds a provider from <NAME>_API_KEY / <NAME>_BASE_URL
// env vars plus the shared model overrides.
func ProviderFromEnv() (ProviderConfig, error) {
	for _, name := range providerNames {
		prefix := strings.ToUpper(name)
		key := os.Getenv(prefix + "_API_KEY")
		if key == "" {
			continue
		}

		p := ProviderConfig{
			Name:           name,
			APIKey:         key,
			BaseURL:        os.Getenv(prefix + "_BASE_URL"),
			ChatModel:      os.Getenv("CHAT_MODEL"),
			SmallModel:     os.Getenv("SMALL_MODEL"),
			EmbeddingModel: os.Getenv("EMBEDDING_MODEL"),
		}
		if p.ChatModel == "" {
			p.ChatModel = "deepseek-ai/DeepSeek-V3"
		}
		if p.SmallModel == "" {
			p.SmallModel = p.ChatModel
		}
		if p.EmbeddingModel == "" {
			p.EmbeddingModel = "BAAI/bge-m3"
		}
		logging.Info("llm", "provider %s (chat=%s, embed=%s)", name, p.ChatModel, p.EmbeddingModel)
		return p, nil
	}
	return ProviderConfig{}, fmt.Errorf("no LLM provider configured: set one of %v _API_KEY", providerNames)
}

// NewClient creates the go-openai client for this provider
func (p ProviderConfig) NewClient() *openai.Client {
	cfg := openai.DefaultConfig(p.APIKey)
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}
