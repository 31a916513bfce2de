package embedder

import (
	"context"
	"fmt"
	"strings"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "text-embedding-004"
)

// Backends accepted by EMBEDDING_PROVIDER.
var Backends = []string{"ollama", "openai", "azure", "gemini", "hash"}

// Embedder is a rag.Embedder that can name itself. The name is stored with
// a local vector index.
type Embedder interface {
	rag.Embedder
	Name() string
}

var (
	_ Embedder = (*OllamaEmbedder)(nil)
	_ Embedder = (*OpenAIEmbedder)(nil)
	_ Embedder = (*GeminiEmbedder)(nil)
	_ Embedder = (*HashEmbedder)(nil)
)

// ResolveBackend returns EMBEDDING_PROVIDER, inheriting MODEL_PROVIDER when
// unset and defaulting to ollama.
func ResolveBackend() string {
	if b := config.EnvOr("EMBEDDING_PROVIDER", ""); b != "" {
		return strings.ToLower(b)
	}
	return strings.ToLower(config.EnvOr("MODEL_PROVIDER", "ollama"))
}

// NewFromEnv constructs an Embedder using cascading defaults that inherit
// from the chat provider configuration when embedding-specific overrides are
// not set.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, else MODEL_PROVIDER, else ollama
//  2. Per-backend credentials are inherited from the chat provider's env vars
//  3. EMBEDDING_MODEL overrides the default model for the resolved backend
//  4. EMBEDDING_API_KEY overrides the inherited API key
//  5. EMBEDDING_ENDPOINT overrides the inherited endpoint
//  6. EMBEDDING_DIMENSIONS requests a vector length where the backend supports it
//
// The output dimension is never assumed here; the vector store probes it.
func NewFromEnv(ctx context.Context) (Embedder, error) {
	backend := ResolveBackend()
	dims := config.EnvInt("EMBEDDING_DIMENSIONS", 0)

	switch backend {
	case "ollama":
		return NewOllamaEmbedder(&OllamaConfig{
			Host:  firstNonEmpty(config.EnvOr("EMBEDDING_ENDPOINT", ""), config.EnvOr("OLLAMA_HOST", "http://localhost:11434")),
			Model: config.EnvOr("EMBEDDING_MODEL", defaultOllamaModel),
		}), nil

	case "openai":
		apiKey := firstNonEmpty(config.EnvOr("EMBEDDING_API_KEY", ""), config.EnvOr("OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    config.EnvOr("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     apiKey,
			Model:      config.EnvOr("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: dims,
		}), nil

	case "azure":
		apiKey := firstNonEmpty(config.EnvOr("EMBEDDING_API_KEY", ""), config.EnvOr("AZURE_OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := firstNonEmpty(config.EnvOr("EMBEDDING_ENDPOINT", ""), config.EnvOr("AZURE_OPENAI_ENDPOINT", ""))
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    strings.TrimRight(endpoint, "/") + "/openai",
			APIKey:     apiKey,
			Model:      config.EnvOr("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: dims,
			Azure:      true,
			APIVersion: config.EnvOr("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil

	case "gemini":
		apiKey := firstNonEmpty(config.EnvOr("EMBEDDING_API_KEY", ""), config.EnvOr("GOOGLE_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: gemini requires GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
		return NewGeminiEmbedder(ctx, &GeminiConfig{
			APIKey:     apiKey,
			Model:      config.EnvOr("EMBEDDING_MODEL", defaultGeminiModel),
			Dimensions: dims,
		})

	case "hash":
		return NewHashEmbedder(dims), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid: %s)", backend, strings.Join(Backends, ", "))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
