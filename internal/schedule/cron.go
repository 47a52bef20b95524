package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/hollis-dev/agentbridge/internal/recovery"
	"github.com/redis/go-redis/v9"
)

// CronTrigger is the in-process fallback for deployments without an external
// scheduler: it appends the recovery sentinel to the control stream on a cron
// schedule.
type CronTrigger struct {
	rdb    redis.UniversalClient
	stream string
	expr   string
	maxLen int64
	log    *slog.Logger
}

// NewCronTrigger validates expr and returns a trigger appending to stream.
// maxLen bounds the control stream's retained length; acked entries are not
// deleted from a stream, so an uncapped trigger would grow it forever.
func NewCronTrigger(rdb redis.UniversalClient, stream, expr string, maxLen int64, log *slog.Logger) (*CronTrigger, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("schedule: invalid cron expression %q", expr)
	}
	if log == nil {
		log = slog.Default()
	}
	return &CronTrigger{rdb: rdb, stream: stream, expr: expr, maxLen: maxLen, log: log}, nil
}

// Run fires the sentinel at each tick of the schedule until ctx is cancelled.
func (c *CronTrigger) Run(ctx context.Context) {
	c.log.Info("cron recovery trigger starting", "schedule", c.expr, "stream", c.stream)
	for {
		next, err := gronx.NextTick(c.expr, false)
		if err != nil {
			c.log.Error("next tick computation failed", "schedule", c.expr, "error", err)
			return
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			c.log.Info("cron recovery trigger stopping")
			return
		case <-t.C:
		}
		c.fire(ctx)
	}
}

func (c *CronTrigger) fire(ctx context.Context) {
	args := &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{"action": recovery.ActionRecoverPending},
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	err := c.rdb.XAdd(ctx, args).Err()
	if err != nil {
		c.log.Warn("recovery sentinel append failed", "stream", c.stream, "error", err)
		return
	}
	c.log.Debug("recovery sentinel appended", "stream", c.stream)
}
