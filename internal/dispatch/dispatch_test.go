package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/hollis-dev/agentbridge/internal/stream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type sinkCall struct {
	kind string
	ref  protocol.ChatRef
	text string
}

// recordSink records every delivery and can be told to fail per call kind.
type recordSink struct {
	mu    sync.Mutex
	calls []sinkCall
	fail  map[string]error
}

func (s *recordSink) record(kind string, ref protocol.ChatRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: kind, ref: ref, text: text})
	return s.fail[kind]
}

func (s *recordSink) SendText(_ context.Context, ref protocol.ChatRef, text string) error {
	return s.record("text", ref, text)
}

func (s *recordSink) SendError(_ context.Context, ref protocol.ChatRef, errText string) error {
	return s.record("error", ref, errText)
}

func (s *recordSink) SendPhoto(_ context.Context, ref protocol.ChatRef, path string) error {
	return s.record("photo", ref, path)
}

func (s *recordSink) SendTyping(_ context.Context, ref protocol.ChatRef) error {
	return s.record("typing", ref, "")
}

func (s *recordSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

const (
	testStream   = "agent_out"
	testGroup    = "gateway"
	testConsumer = "gateway-1"
)

func newPipeline(t *testing.T, sink Sink, admin protocol.ChatRef) (*Pipeline, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close(); s.Close() })

	log := slog.New(slog.DiscardHandler)
	p := New(stream.NewReader(rdb, log), sink, Config{
		Stream:   testStream,
		Group:    testGroup,
		Consumer: testConsumer,
		Admin:    admin,
		Block:    50 * time.Millisecond,
	}, log)
	return p, rdb
}

// addAndRead appends a payload and pulls it into this consumer's pending list
// so process/DrainPending can see it.
func addAndRead(t *testing.T, rdb *redis.Client, payload string) redis.XMessage {
	t.Helper()
	ctx := context.Background()
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]any{stream.PayloadField: payload},
	}).Result()
	require.NoError(t, err)
	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: testConsumer,
		Streams:  []string{testStream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Messages, 1)
	return res[0].Messages[0]
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	info, err := rdb.XPending(context.Background(), testStream, testGroup).Result()
	if err != nil {
		return 0
	}
	return info.Count
}

func TestProcess_IdEncodedCorrelation(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"42:7","status":"success","response":"done"}`)
	p.process(ctx, msg)

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, sinkCall{kind: "text", ref: protocol.ChatRef{ChatID: 42, MessageID: 7}, text: "done"}, calls[0])
	require.Zero(t, pendingCount(t, rdb), "entry must be acked before delivery")
}

func TestProcess_AdminFallbackRouting(t *testing.T) {
	admin := protocol.ChatRef{ChatID: 99}
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, admin)
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"x7f9a","status":"success","response":"done"}`)
	p.process(ctx, msg)

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, admin, calls[0].ref)
}

func TestProcess_UnresolvedCorrelationDropped(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"x7f9a","status":"success","response":"done"}`)
	p.process(ctx, msg)

	require.Empty(t, sink.snapshot())
	require.Zero(t, pendingCount(t, rdb))
}

func TestProcess_EmptySuccessSendsFallbackNotice(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"a","status":"success","response":""}`)
	p.process(ctx, msg)

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "text", calls[0].kind)
	require.Equal(t, FallbackNotice, calls[0].text)
}

func TestProcess_SuccessWithImages(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"a","status":"success","response":"ok","images":["one.png","two.png"]}`)
	p.process(ctx, msg)

	calls := sink.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, "text", calls[0].kind)
	require.Equal(t, sinkCall{kind: "photo", ref: protocol.ChatRef{ChatID: 1}, text: "one.png"}, calls[1])
	require.Equal(t, sinkCall{kind: "photo", ref: protocol.ChatRef{ChatID: 1}, text: "two.png"}, calls[2])
}

func TestProcess_ErrorResponse(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"a","status":"error","error":"task blew up"}`)
	p.process(ctx, msg)

	calls := sink.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, sinkCall{kind: "error", ref: protocol.ChatRef{ChatID: 1}, text: "task blew up"}, calls[0])
}

func TestProcess_ProgressVariants(t *testing.T) {
	sink := &recordSink{fail: map[string]error{"typing": errors.New("flaky")}}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	// send_media delivers the path as a photo
	msg := addAndRead(t, rdb, `{"id":"a","status":"progress","event":"send_media","data":{"path":"shot.png"}}`)
	p.process(ctx, msg)

	// other progress events send a typing indicator; its failure is swallowed
	msg = addAndRead(t, rdb, `{"id":"a","status":"progress","event":"llm_start"}`)
	p.process(ctx, msg)

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, "photo", calls[0].kind)
	require.Equal(t, "shot.png", calls[0].text)
	require.Equal(t, "typing", calls[1].kind)
}

func TestProcess_DecodeFailureDoesNotEscape(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{broken json`)
	p.process(ctx, msg)

	require.Empty(t, sink.snapshot())
	require.Zero(t, pendingCount(t, rdb), "poison entry must stay acked")
}

func TestProcess_DeliveryFailureIsDropped(t *testing.T) {
	sink := &recordSink{fail: map[string]error{"text": errors.New("telegram down")}}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	msg := addAndRead(t, rdb, `{"id":"a","status":"success","response":"hi"}`)
	p.process(ctx, msg)

	// delivered once, failed, not retried, entry stays acked
	require.Len(t, sink.snapshot(), 1)
	require.Zero(t, pendingCount(t, rdb))
}

func TestDrainPending_DrainsEverything(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx := context.Background()
	p.reader.EnsureGroup(ctx, testStream, testGroup)

	const n = 5
	for i := 0; i < n; i++ {
		addAndRead(t, rdb, `{"id":"a","status":"success","response":"r"}`)
	}
	require.Equal(t, int64(n), pendingCount(t, rdb))

	p.DrainPending(ctx)

	require.Len(t, sink.snapshot(), n)
	require.Zero(t, pendingCount(t, rdb))
}

func TestRun_DrainsPendingBeforeNewReads(t *testing.T) {
	sink := &recordSink{}
	p, rdb := newPipeline(t, sink, protocol.ChatRef{ChatID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.reader.EnsureGroup(ctx, testStream, testGroup)
	addAndRead(t, rdb, `{"id":"a","status":"success","response":"left over"}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "left over", sink.snapshot()[0].text)

	// new entries flow through the blocking read
	_, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]any{stream.PayloadField: `{"id":"b","status":"success","response":"fresh"}`},
	}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
}
