package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// DefaultSchedule runs the sweeper every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// Sweeper periodically parses records still marked Unparsed. A run that is
// still going when the next one is due is skipped.
type Sweeper struct {
	pipeline *Pipeline
	cron     *cron.Cron
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper builds a Sweeper for the given 5-field cron schedule. An empty
// schedule selects DefaultSchedule.
func NewSweeper(p *Pipeline, schedule string, log *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	log = logging.OrDiscard(log)
	cl := cronLogger{log: log}
	s := &Sweeper{
		pipeline: p,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		log:      log,
	}
	if _, err := s.cron.AddFunc(schedule, s.Run); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Runs use a context derived from ctx.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.log.Info("sweeper: started", slog.Int("entries", len(s.cron.Entries())))
}

// Stop cancels any in-flight run and waits for it to return.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.log.Info("sweeper: stopped")
}

// Run performs one sweep immediately.
func (s *Sweeper) Run() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	results, err := s.pipeline.ParseUnparsed(ctx)
	failed := 0
	for _, r := range results {
		if r.Record.Metadata.ParsingStatus == document.StatusFailed {
			failed++
		}
	}
	if err != nil {
		s.log.Error("sweeper: run aborted", slog.Any("error", err), slog.Int("parsed", len(results)))
		return
	}
	s.log.Info("sweeper: run complete", slog.Int("parsed", len(results)), slog.Int("failed", failed))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("cron: "+msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
