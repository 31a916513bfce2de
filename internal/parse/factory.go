package parse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/provider"
)

// BackendFromEnv builds the backend named by PARSE_BACKEND (default hybrid).
// The llm backend constructs its chat model from MODEL_PROVIDER.
func BackendFromEnv(ctx context.Context, log *slog.Logger) (Backend, error) {
	name := strings.ToLower(config.EnvOr("PARSE_BACKEND", BackendHybrid))
	switch name {
	case BackendHybrid:
		return &Hybrid{MaxTokens: config.EnvInt("PARSE_MAX_TOKENS", DefaultMaxTokens)}, nil
	case BackendLLM:
		m, cfg, err := provider.NewFromEnv(ctx)
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		return NewLLM(m, string(cfg.Backend), 0, log)
	default:
		return nil, fmt.Errorf("parse: unknown PARSE_BACKEND %q (valid: %s, %s)", name, BackendHybrid, BackendLLM)
	}
}
