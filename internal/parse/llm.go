package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docpipe-go/internal/budget"
	"github.com/54b3r/docpipe-go/internal/logging"
)

const llmSystemPrompt = `You split document text into retrieval passages.
Return ONLY a JSON array of strings. Each string is one self-contained passage
that keeps the original wording, covers one topic, and stays under a few
paragraphs. Do not summarise, translate, or drop content. Do not wrap the
array in prose.`

// LLM asks a chat model to segment each page into self-contained passages.
type LLM struct {
	model    model.BaseChatModel
	provider string
	// maxInput is the token budget of one request including the prompt.
	maxInput int
	log      *slog.Logger
}

var _ Backend = (*LLM)(nil)

// NewLLM constructs an LLM backend. provider names the chat backend and is
// recorded as "llm:<provider>". maxInputTokens <= 0 selects
// budget.DefaultMaxContextTokens.
func NewLLM(m model.BaseChatModel, provider string, maxInputTokens int, log *slog.Logger) (*LLM, error) {
	if m == nil {
		return nil, errors.New("parse: chat model must not be nil")
	}
	if maxInputTokens <= 0 {
		maxInputTokens = budget.DefaultMaxContextTokens
	}
	return &LLM{model: m, provider: provider, maxInput: maxInputTokens, log: logging.OrDiscard(log)}, nil
}

// Name implements Backend.
func (l *LLM) Name() string { return "llm:" + l.provider }

// Chunk implements Backend. Pages larger than the request budget are first
// split at sentence boundaries.
func (l *LLM) Chunk(ctx context.Context, _ string, segments []*schema.Document) ([]*schema.Document, error) {
	overhead := budget.EstimateMessages([]*schema.Message{schema.SystemMessage(llmSystemPrompt), schema.UserMessage("")})
	limit := max(1, l.maxInput-overhead)

	var out []*schema.Document
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		pieces := []string{seg.Content}
		if !budget.Fits(seg.Content, limit) {
			pieces = splitToBudget(seg.Content, limit)
		}
		for _, piece := range pieces {
			passages, err := l.passages(ctx, piece)
			if err != nil {
				return nil, err
			}
			for _, p := range passages {
				meta := make(map[string]any, len(seg.MetaData))
				for k, v := range seg.MetaData {
					meta[k] = v
				}
				out = append(out, &schema.Document{Content: p, MetaData: meta})
			}
		}
	}
	l.log.Debug("llm parse: segmented", slog.String("provider", l.provider), slog.Int("passages", len(out)))
	return out, nil
}

func (l *LLM) passages(ctx context.Context, text string) ([]string, error) {
	resp, err := l.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(llmSystemPrompt),
		schema.UserMessage(text),
	})
	if err != nil {
		return nil, fmt.Errorf("llm parse: generate: %w", err)
	}
	if resp == nil {
		return nil, errors.New("llm parse: empty response")
	}
	return decodePassages(resp.Content)
}

// decodePassages extracts the JSON string array from a model reply,
// tolerating code fences and surrounding prose. Blank passages are dropped.
func decodePassages(reply string) ([]string, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("llm parse: reply holds no JSON array: %.80q", reply)
	}
	var raw []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("llm parse: decode passages: %w", err)
	}
	out := raw[:0]
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
