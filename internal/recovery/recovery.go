// Package recovery listens for externally-scheduled RECOVER_PENDING sentinels
// and re-runs the dispatch pipeline's pending drain on demand. A blocking read
// on the main stream could otherwise mask delivery failures indefinitely
// between restarts; the external heartbeat forces periodic self-healing.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollis-dev/agentbridge/internal/stream"
)

// ActionRecoverPending is the sentinel value the scheduler appends to the
// control stream.
const ActionRecoverPending = "RECOVER_PENDING"

// actionField is the control stream's entry field naming the requested action.
const actionField = "action"

// Drainer is the slice of the dispatch pipeline this listener drives.
type Drainer interface {
	DrainPending(ctx context.Context)
}

// Config identifies the listener on the control stream.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// Block is the finite blocking window of each read.
	Block time.Duration
}

// Listener consumes the low-volume control stream. It must hold its own bus
// connection so it never contends with the dispatch pipeline's blocking read.
type Listener struct {
	reader  *stream.Reader
	drainer Drainer
	cfg     Config
	log     *slog.Logger
}

// New creates a listener over a dedicated connection.
func New(reader *stream.Reader, drainer Drainer, cfg Config, log *slog.Logger) *Listener {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{reader: reader, drainer: drainer, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	cfg := l.cfg
	l.log.Info("recovery listener starting", "stream", cfg.Stream, "group", cfg.Group)
	l.reader.EnsureGroup(ctx, cfg.Stream, cfg.Group)

	for {
		select {
		case <-ctx.Done():
			l.log.Info("recovery listener stopping")
			return
		default:
		}

		msgs, err := l.reader.ReadNew(ctx, cfg.Stream, cfg.Group, cfg.Consumer, 10, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.log.Error("control stream read failed", "error", err)
			sleep(ctx, 2*time.Second)
			continue
		}
		for _, msg := range msgs {
			l.handle(ctx, msg.ID, msg.Values)
		}
	}
}

func (l *Listener) handle(ctx context.Context, id string, values map[string]any) {
	action, _ := values[actionField].(string)
	switch action {
	case ActionRecoverPending:
		l.log.Info("recovery triggered", "entry", id)
		l.drainer.DrainPending(ctx)
	default:
		l.log.Warn("unknown control action, ignoring", "entry", id, "action", action)
	}
	if err := l.reader.Ack(ctx, l.cfg.Stream, l.cfg.Group, id); err != nil {
		l.log.Warn("control entry ack failed", "entry", id, "error", err)
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
