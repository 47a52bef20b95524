package recovery

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/hollis-dev/agentbridge/internal/stream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingDrainer struct{ n atomic.Int64 }

func (d *countingDrainer) DrainPending(context.Context) { d.n.Add(1) }

func newListener(t *testing.T, d Drainer) (*Listener, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close(); s.Close() })

	log := slog.New(slog.DiscardHandler)
	l := New(stream.NewReader(rdb, log), d, Config{
		Stream:   "gateway_ctl",
		Group:    "gateway",
		Consumer: "gateway-1",
		Block:    50 * time.Millisecond,
	}, log)
	return l, rdb
}

func addSentinel(t *testing.T, rdb *redis.Client, action string) {
	t.Helper()
	_, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "gateway_ctl",
		Values: map[string]any{"action": action},
	}).Result()
	require.NoError(t, err)
}

func TestListener_SentinelTriggersDrain(t *testing.T) {
	d := &countingDrainer{}
	l, rdb := newListener(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	// let the listener create its group before appending
	require.Eventually(t, func() bool {
		groups, err := rdb.XInfoGroups(context.Background(), "gateway_ctl").Result()
		return err == nil && len(groups) == 1
	}, 2*time.Second, 10*time.Millisecond)

	addSentinel(t, rdb, ActionRecoverPending)
	require.Eventually(t, func() bool { return d.n.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	addSentinel(t, rdb, ActionRecoverPending)
	require.Eventually(t, func() bool { return d.n.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}

	// handled sentinels are acked
	info, err := rdb.XPending(context.Background(), "gateway_ctl", "gateway").Result()
	require.NoError(t, err)
	require.Zero(t, info.Count)
}

func TestListener_ReadErrorBackoffStopsOnCancel(t *testing.T) {
	d := &countingDrainer{}
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := slog.New(slog.DiscardHandler)
	l := New(stream.NewReader(rdb, log), d, Config{
		Stream:   "gateway_ctl",
		Group:    "gateway",
		Consumer: "gateway-1",
		Block:    50 * time.Millisecond,
	}, log)

	// every read fails once the server is gone, putting Run in its backoff
	s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop while backing off")
	}
	require.Zero(t, d.n.Load())
}

func TestListener_UnknownActionIgnored(t *testing.T) {
	d := &countingDrainer{}
	l, rdb := newListener(t, d)
	ctx := context.Background()
	l.reader.EnsureGroup(ctx, "gateway_ctl", "gateway")

	addSentinel(t, rdb, "REINDEX")
	msgs, err := l.reader.ReadNew(ctx, "gateway_ctl", "gateway", "gateway-1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	l.handle(ctx, msgs[0].ID, msgs[0].Values)
	require.Zero(t, d.n.Load())
}
