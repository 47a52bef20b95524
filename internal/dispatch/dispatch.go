// Package dispatch drains the worker's outbound stream and delivers responses
// to the chat platform.
//
// Each entry is acknowledged before it is decoded or delivered. The bus will
// never redeliver it, even if delivery then fails: a chat-platform outage or a
// malformed payload must never leave an entry perpetually pending and stall
// the consumer group. The trade-off is at-most-once delivery to the chat side.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/hollis-dev/agentbridge/internal/stream"
	"github.com/redis/go-redis/v9"
)

// FallbackNotice is delivered when a success response carries neither text nor
// images, so the user is never left without feedback.
const FallbackNotice = "✅ Task completed, no output."

// Sink delivers rendered content to the chat platform. Implementations own
// platform formatting; the pipeline only decides what to send where.
type Sink interface {
	SendText(ctx context.Context, ref protocol.ChatRef, text string) error
	SendError(ctx context.Context, ref protocol.ChatRef, errText string) error
	SendPhoto(ctx context.Context, ref protocol.ChatRef, path string) error
	// SendTyping is a non-critical side effect; its failure is reported back
	// only so the caller can log it at debug level.
	SendTyping(ctx context.Context, ref protocol.ChatRef) error
}

// Config defines the pipeline's stream identity and pacing.
type Config struct {
	// Stream, Group and Consumer identify this replica on the outbound stream.
	Stream   string
	Group    string
	Consumer string
	// Admin is the fixed delivery target for responses that carry no
	// resolvable correlation of their own.
	Admin protocol.ChatRef
	// ReadCount bounds entries per read.
	ReadCount int64
	// Block is the finite blocking window of each new-entry read.
	Block time.Duration
	// DrainEvery re-runs the pending drain every N loop iterations.
	DrainEvery int
	// ClaimMinIdle is how long an entry may sit pending on another consumer
	// before the drain claims it.
	ClaimMinIdle time.Duration
	// SendTimeout bounds every delivery call to the chat platform.
	SendTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.DrainEvery <= 0 {
		c.DrainEvery = 30
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Pipeline reads worker responses from the outbound stream and routes each to
// the sink. It owns its reader's connection for the lifetime of Run.
type Pipeline struct {
	reader  *stream.Reader
	sink    Sink
	cfg     Config
	encoder protocol.Encoder
	log     *slog.Logger
}

// New creates a pipeline. The reader must be backed by a dedicated connection;
// the pipeline's blocking reads would otherwise starve whoever shares it.
func New(reader *stream.Reader, sink Sink, cfg Config, log *slog.Logger) *Pipeline {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		reader:  reader,
		sink:    sink,
		cfg:     cfg,
		encoder: &protocol.JSONEncoder{},
		log:     log,
	}
}

// Run drains pending entries left over from a previous run, then loops on
// blocking reads of new entries until ctx is cancelled. Every DrainEvery
// iterations it re-runs the pending drain to reclaim entries stranded by a
// mid-flight crash. Transport errors are retried at loop granularity only:
// log, short sleep, continue.
func (p *Pipeline) Run(ctx context.Context) {
	cfg := p.cfg
	p.log.Info("dispatch pipeline starting",
		"stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer)

	p.reader.EnsureGroup(ctx, cfg.Stream, cfg.Group)
	p.DrainPending(ctx)

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			p.log.Info("dispatch pipeline stopping")
			return
		default:
		}

		iteration++
		if iteration%cfg.DrainEvery == 0 {
			p.DrainPending(ctx)
		}

		msgs, err := p.reader.ReadNew(ctx, cfg.Stream, cfg.Group, cfg.Consumer, cfg.ReadCount, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.log.Error("outbound read failed", "error", err)
			sleep(ctx, 2*time.Second)
			continue
		}
		for _, msg := range msgs {
			p.process(ctx, msg)
		}
	}
}

// DrainPending claims entries stranded on dead consumers, then reads and
// processes this consumer's pending entries until none remain. It is safe to
// run concurrently with the main loop's reads: acknowledgment is idempotent
// and drained entries are disjoint from newly-read ones.
func (p *Pipeline) DrainPending(ctx context.Context) {
	cfg := p.cfg

	if _, err := p.reader.Claim(ctx, cfg.Stream, cfg.Group, cfg.Consumer, cfg.ClaimMinIdle, cfg.ReadCount); err != nil {
		p.log.Warn("stale entry claim failed", "stream", cfg.Stream, "error", err)
	}

	for {
		msgs, err := p.reader.ReadPending(ctx, cfg.Stream, cfg.Group, cfg.Consumer, 50)
		if err != nil {
			p.log.Error("pending read failed", "stream", cfg.Stream, "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		p.log.Info("recovering pending entries", "count", len(msgs))
		for _, msg := range msgs {
			p.process(ctx, msg)
		}
	}
}

// process runs one entry through the state machine:
// Read → Acknowledged → Decoded → Delivered | DeliveryFailed | DecodeFailed.
// No failure past the ack escapes this function.
func (p *Pipeline) process(ctx context.Context, msg redis.XMessage) {
	// Ack first. If the ack itself fails the entry stays pending and a later
	// drain retries it, so skip delivery to avoid a duplicate.
	if err := p.reader.Ack(ctx, p.cfg.Stream, p.cfg.Group, msg.ID); err != nil {
		p.log.Error("ack failed", "entry", msg.ID, "error", err)
		return
	}

	raw, ok := stream.Payload(msg.Values)
	if !ok {
		p.log.Warn("entry has no payload field", "entry", msg.ID)
		return
	}

	var resp protocol.Response
	if err := p.encoder.Decode(raw, &resp); err != nil {
		// The entry is already acked and permanently lost. Log the id so the
		// payload can be recovered from platform-side logs.
		p.log.Error("response decode failed", "entry", msg.ID, "error", err)
		return
	}

	ref, ok := p.route(&resp)
	if !ok {
		p.log.Warn("response correlation unresolved, dropping",
			"entry", msg.ID, "task", resp.ID)
		return
	}

	switch resp.Status {
	case protocol.StatusSuccess:
		p.deliverSuccess(ctx, ref, &resp, msg.ID)
	case protocol.StatusError:
		if err := p.send(ctx, func(c context.Context) error {
			return p.sink.SendError(c, ref, resp.Error)
		}); err != nil {
			p.log.Error("error delivery failed", "entry", msg.ID, "error", err)
		}
	case protocol.StatusProgress:
		p.deliverProgress(ctx, ref, &resp, msg.ID)
	default:
		p.log.Warn("unknown response status, dropping",
			"entry", msg.ID, "status", string(resp.Status))
	}
}

// route resolves the chat context for a response: the id-encoded scheme when
// the task id parses as a chat ref, otherwise the fixed admin target.
func (p *Pipeline) route(resp *protocol.Response) (protocol.ChatRef, bool) {
	if ref, err := protocol.ParseChatRef(resp.ID); err == nil {
		return ref, true
	}
	if !p.cfg.Admin.IsZero() {
		return p.cfg.Admin, true
	}
	return protocol.ChatRef{}, false
}

func (p *Pipeline) deliverSuccess(ctx context.Context, ref protocol.ChatRef, resp *protocol.Response, entryID string) {
	text := resp.Text
	if text == "" && len(resp.Images) == 0 {
		text = FallbackNotice
	}
	if text != "" {
		if err := p.send(ctx, func(c context.Context) error {
			return p.sink.SendText(c, ref, text)
		}); err != nil {
			p.log.Error("text delivery failed", "entry", entryID, "error", err)
		}
	}
	for _, img := range resp.Images {
		if err := p.send(ctx, func(c context.Context) error {
			return p.sink.SendPhoto(c, ref, img)
		}); err != nil {
			p.log.Error("photo delivery failed", "entry", entryID, "path", img, "error", err)
		}
	}
}

func (p *Pipeline) deliverProgress(ctx context.Context, ref protocol.ChatRef, resp *protocol.Response, entryID string) {
	if path, ok := resp.MediaPath(); ok {
		if err := p.send(ctx, func(c context.Context) error {
			return p.sink.SendPhoto(c, ref, path)
		}); err != nil {
			p.log.Error("media preview delivery failed", "entry", entryID, "path", path, "error", err)
		}
		return
	}
	// Typing indicator is fire-and-forget: never an error, never loop-affecting.
	if err := p.send(ctx, func(c context.Context) error {
		return p.sink.SendTyping(c, ref)
	}); err != nil {
		p.log.Debug("typing indicator failed", "entry", entryID, "error", err)
	}
}

// send wraps a delivery call in the configured timeout.
func (p *Pipeline) send(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	return fn(sctx)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
