// Package schedule integrates the external job scheduler: it upserts the
// recovery job, consumes job-completion and reminder streams, and carries an
// in-process cron fallback for deployments without a scheduler.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollis-dev/agentbridge/internal/stream"
)

// Notifier delivers scheduler-originated notices to the admin chat.
type Notifier interface {
	NotifyAdmin(ctx context.Context, title, body string, isError bool) error
}

// Handler processes one decoded stream payload.
type Handler func(ctx context.Context, payload []byte)

// Config identifies a scheduler listener on its stream.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// Block is the finite blocking window of each read.
	Block time.Duration
}

// Listener consumes one scheduler-fed stream on a dedicated connection and
// hands each payload to its handler. Entries are acknowledged after handling;
// these are low-volume direct paths without the dispatch pipeline's
// ack-first discipline.
type Listener struct {
	reader *stream.Reader
	handle Handler
	cfg    Config
	log    *slog.Logger
}

// NewListener creates a listener over a dedicated connection.
func NewListener(reader *stream.Reader, handle Handler, cfg Config, log *slog.Logger) *Listener {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{reader: reader, handle: handle, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	cfg := l.cfg
	l.log.Info("scheduler listener starting", "stream", cfg.Stream, "group", cfg.Group)
	l.reader.EnsureGroup(ctx, cfg.Stream, cfg.Group)

	for {
		select {
		case <-ctx.Done():
			l.log.Info("scheduler listener stopping", "stream", cfg.Stream)
			return
		default:
		}

		msgs, err := l.reader.ReadNew(ctx, cfg.Stream, cfg.Group, cfg.Consumer, 1, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.log.Error("scheduler stream read failed", "stream", cfg.Stream, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, msg := range msgs {
			if raw, ok := stream.Payload(msg.Values); ok {
				l.handle(ctx, raw)
			} else {
				l.log.Warn("scheduler entry has no payload field", "stream", cfg.Stream, "entry", msg.ID)
			}
			if err := l.reader.Ack(ctx, cfg.Stream, cfg.Group, msg.ID); err != nil {
				l.log.Warn("scheduler entry ack failed", "stream", cfg.Stream, "entry", msg.ID, "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
