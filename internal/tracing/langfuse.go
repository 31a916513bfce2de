// Package tracing wires eino callback handlers for LLM observability.
package tracing

import (
	"log/slog"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// Setup registers a global Langfuse callback handler when LANGFUSE_PUBLIC_KEY
// and LANGFUSE_SECRET_KEY are set, so every chat model call made by the llm
// parse backend is traced. The returned flush function must be called before
// exit; it is a no-op when tracing is disabled.
func Setup(log *slog.Logger) (flush func(), enabled bool) {
	log = logging.OrDiscard(log)
	publicKey := config.EnvOr("LANGFUSE_PUBLIC_KEY", "")
	secretKey := config.EnvOr("LANGFUSE_SECRET_KEY", "")
	if publicKey == "" || secretKey == "" {
		return func() {}, false
	}
	host := config.EnvOr("LANGFUSE_HOST", "http://localhost:3000")

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      host,
		PublicKey: publicKey,
		SecretKey: secretKey,
	})
	callbacks.AppendGlobalHandlers(handler)

	log.Info("tracing: langfuse enabled", slog.String("host", host))
	return flusher, true
}
