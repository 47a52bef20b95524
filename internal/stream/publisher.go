package stream

import (
	"context"

	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// PayloadField is the well-known entry field holding the JSON-encoded payload.
const PayloadField = "payload"

// Publisher appends JSON payloads to streams and broadcasts on the non-durable
// control channel. Streams this process appends to are length-capped with an
// approximate trim so a stalled consumer cannot exhaust storage.
type Publisher struct {
	rdb     redis.UniversalClient
	encoder protocol.Encoder
	maxLen  int64
}

// NewPublisher creates a publisher. maxLen bounds the retained length of every
// stream this publisher appends to; non-positive values disable trimming.
func NewPublisher(rdb redis.UniversalClient, maxLen int64) *Publisher {
	return &Publisher{rdb: rdb, encoder: &protocol.JSONEncoder{}, maxLen: maxLen}
}

// Append encodes v and adds it to the stream under the payload field,
// trimming the stream to approximately maxLen entries. It returns the
// bus-assigned entry id.
func (p *Publisher) Append(ctx context.Context, stream string, v any) (string, error) {
	data, err := p.encoder.Encode(v)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{PayloadField: string(data)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.rdb.XAdd(ctx, args).Result()
}

// Broadcast publishes v on a pub/sub channel. Delivery is best-effort: if no
// consumer is subscribed the message is lost.
func (p *Publisher) Broadcast(ctx context.Context, channel string, v any) error {
	data, err := p.encoder.Encode(v)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channel, string(data)).Err()
}

// Payload extracts the JSON payload from a stream entry's field map. The
// second return is false when the entry has no payload field.
func Payload(values map[string]any) ([]byte, bool) {
	v, ok := values[PayloadField]
	if !ok {
		return nil, false
	}
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}
