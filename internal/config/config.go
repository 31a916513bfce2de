// Package config loads docpipe configuration from a YAML or TOML file.
// Precedence is defaults → config file → env vars. Environment variables
// always win; file values are only exported for keys that are unset.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. DOCPIPE_CONFIG environment variable
//  3. ~/.docpipe/config.yaml
//  4. ./docpipe.yaml
//  5. ./docpipe.toml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file structure. Keys mirror the
// env var names (lowercase, underscored).
type Config struct {
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Vector    VectorConfig    `yaml:"vector" toml:"vector"`
	Qdrant    QdrantConfig    `yaml:"qdrant" toml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Splitter  SplitterConfig  `yaml:"splitter" toml:"splitter"`
	Parse     ParseConfig     `yaml:"parse" toml:"parse"`
	Model     ModelConfig     `yaml:"model" toml:"model"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
}

// StoreConfig holds document store settings.
type StoreConfig struct {
	// DBPath is the SQLite file backing the document store.
	DBPath string `yaml:"db_path" toml:"db_path"`
	// InputFiles is the static batch ingested by `docpipe ingest` without arguments.
	InputFiles []string `yaml:"input_files" toml:"input_files"`
}

// VectorConfig selects and locates the vector index.
type VectorConfig struct {
	// Backend is local or qdrant.
	Backend string `yaml:"backend" toml:"backend"`
	// IndexDir is the directory of the local persisted index.
	IndexDir string `yaml:"index_dir" toml:"index_dir"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Host       string `yaml:"host" toml:"host"`
	Port       int    `yaml:"port" toml:"port"`
	Collection string `yaml:"collection" toml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	TLS    bool   `yaml:"tls" toml:"tls"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the backend: ollama, openai, azure, gemini, hash.
	Provider   string `yaml:"provider" toml:"provider"`
	Model      string `yaml:"model" toml:"model"`
	Dimensions int    `yaml:"dimensions" toml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey   string `yaml:"api_key" toml:"api_key"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// SplitterConfig selects the chunking strategy applied at ingestion.
type SplitterConfig struct {
	// Strategy is recursive_character or semantic.
	Strategy     string `yaml:"strategy" toml:"strategy"`
	ChunkSize    int    `yaml:"chunk_size" toml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap" toml:"chunk_overlap"`
}

// ParseConfig selects the re-chunking backend used by the parse step.
type ParseConfig struct {
	// Backend is hybrid or llm.
	Backend   string `yaml:"backend" toml:"backend"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`
	// Schedule is a cron expression for the unparsed-record sweeper in serve mode.
	Schedule string `yaml:"schedule" toml:"schedule"`
}

// ModelConfig holds chat model settings for the llm parse backend.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, ark, gemini.
	Provider    string       `yaml:"provider" toml:"provider"`
	MaxTokens   int          `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float32      `yaml:"temperature" toml:"temperature"`
	Ollama      OllamaConfig `yaml:"ollama" toml:"ollama"`
	OpenAI      OpenAIConfig `yaml:"openai" toml:"openai"`
	Azure       AzureConfig  `yaml:"azure" toml:"azure"`
	Ark         ArkConfig    `yaml:"ark" toml:"ark"`
	Gemini      GeminiConfig `yaml:"gemini" toml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	Host  string `yaml:"host" toml:"host"`
	Model string `yaml:"model" toml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	Model  string `yaml:"model" toml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key" toml:"api_key"`
	Endpoint   string `yaml:"endpoint" toml:"endpoint"`
	Deployment string `yaml:"deployment" toml:"deployment"`
	APIVersion string `yaml:"api_version" toml:"api_version"`
}

// ArkConfig holds Volcengine Ark provider settings.
type ArkConfig struct {
	// APIKey is the Ark API key. Prefer env var ARK_API_KEY.
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	Model  string `yaml:"model" toml:"model"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var DOCPIPE_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// IngestRoot confines the paths accepted by POST /api/documents.
	IngestRoot string `yaml:"ingest_root" toml:"ingest_root"`
	// RateLimit is the sustained requests/second per client on write routes.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key" toml:"public_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Host      string `yaml:"host" toml:"host"`
}

// envMapping maps config fields to the env vars read by component factories.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"DOCPIPE_DB", func(c *Config) string { return c.Store.DBPath }},
	{"DOCPIPE_INPUT_FILES", func(c *Config) string { return strings.Join(c.Store.InputFiles, ",") }},
	{"VECTOR_BACKEND", func(c *Config) string { return c.Vector.Backend }},
	{"VECTOR_INDEX_DIR", func(c *Config) string { return c.Vector.IndexDir }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"SPLITTER_STRATEGY", func(c *Config) string { return c.Splitter.Strategy }},
	{"SPLITTER_CHUNK_SIZE", func(c *Config) string { return intStr(c.Splitter.ChunkSize) }},
	{"SPLITTER_CHUNK_OVERLAP", func(c *Config) string { return intStr(c.Splitter.ChunkOverlap) }},
	{"PARSE_BACKEND", func(c *Config) string { return c.Parse.Backend }},
	{"PARSE_MAX_TOKENS", func(c *Config) string { return intStr(c.Parse.MaxTokens) }},
	{"PARSE_SCHEDULE", func(c *Config) string { return c.Parse.Schedule }},
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"DOCPIPE_HOST", func(c *Config) string { return c.Server.Host }},
	{"DOCPIPE_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"DOCPIPE_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"DOCPIPE_INGEST_ROOT", func(c *Config) string { return c.Server.IngestRoot }},
	{"DOCPIPE_RATE_LIMIT", func(c *Config) string { return floatStr(c.Server.RateLimit) }},
	{"DOCPIPE_RATE_BURST", func(c *Config) string { return intStr(c.Server.RateBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a config file and exports its non-empty values as environment
// variables. Existing env vars are never overwritten. Returns the path that
// was loaded, or "" if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no config file found, using env vars only")
		return "", nil
	}

	cfg, err := parseFile(path)
	if err != nil {
		return "", err
	}

	applied := 0
	for _, m := range envMapping {
		val := m.value(cfg)
		if val == "" || val == "0" || val == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue
		}
		if err := os.Setenv(m.envKey, val); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded config file",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)
	return path, nil
}

// parseFile decodes path as TOML when it has a .toml extension and as YAML otherwise.
func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	candidates := make([]string, 0, 4)
	if envPath := os.Getenv("DOCPIPE_CONFIG"); envPath != "" {
		candidates = append(candidates, envPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".docpipe", "config.yaml"))
	}
	candidates = append(candidates, "docpipe.yaml", "docpipe.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// InputFiles splits DOCPIPE_INPUT_FILES on commas, dropping blanks.
func InputFiles() []string {
	var out []string
	for _, p := range strings.Split(os.Getenv("DOCPIPE_INPUT_FILES"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnvOr returns the named env var, or fallback when it is unset or empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvInt returns the named env var parsed as an int, or fallback when it is
// unset or not a number.
func EnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// EnvFloat returns the named env var parsed as a float64, or fallback when
// it is unset or not a number.
func EnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
