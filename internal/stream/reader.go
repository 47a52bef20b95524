package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reader wraps the bus's consumer-group protocol for one connection. A Reader
// must not be shared across loops: a blocking read would stall every other
// operation issued on the same connection.
type Reader struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// NewReader creates a reader over the given connection.
func NewReader(rdb redis.UniversalClient, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{rdb: rdb, log: log}
}

// EnsureGroup idempotently creates a consumer group positioned at the stream
// tail, creating the stream if needed. The platform's "already exists" reply is
// swallowed; any other failure is logged as a warning and not returned, since
// the group may pre-exist from a prior run.
func (r *Reader) EnsureGroup(ctx context.Context, stream, group string) {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	switch {
	case err == nil:
		r.log.Info("consumer group created", "stream", stream, "group", group)
	case strings.Contains(err.Error(), "BUSYGROUP"):
		// group already exists, expected on restart
	default:
		r.log.Warn("consumer group create failed", "stream", stream, "group", group, "error", err)
	}
}

// ReadPending returns entries previously delivered to this consumer but never
// acknowledged (bus id "0" semantics). It does not block.
func (r *Reader) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]redis.XMessage, error) {
	return r.read(ctx, stream, group, consumer, "0", count, -1)
}

// ReadNew blocks up to block for entries never delivered to any consumer in
// the group (bus id ">" semantics). block must be finite so the caller can
// interleave reclaim work and stay responsive to shutdown; non-positive values
// are clamped to one second.
func (r *Reader) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	if block <= 0 {
		block = time.Second
	}
	return r.read(ctx, stream, group, consumer, ">", count, block)
}

func (r *Reader) read(ctx context.Context, stream, group, consumer, id string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// Claim transfers ownership of entries that have been pending on any consumer
// of the group for longer than minIdle, so a replica can drain work stranded by
// a crashed peer.
func (r *Reader) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	msgs, _, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return msgs, nil
}

// Ack acknowledges an entry. Acknowledgment is idempotent.
func (r *Reader) Ack(ctx context.Context, stream, group, id string) error {
	return r.rdb.XAck(ctx, stream, group, id).Err()
}
