package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder converts the bus messages (Task, Response, ControlSignal) to and
// from their wire form under a stream entry's payload field.
type Encoder interface {
	// Encode serializes a message to its wire bytes.
	Encode(any) ([]byte, error)
	// Decode parses wire bytes into a message.
	Decode([]byte, any) error
}

// JSONEncoder is the default Encoder. Encoding uses the standard library;
// decoding uses sonic, since the relay's hot path is parsing the worker's
// outbound responses, not producing tasks.
type JSONEncoder struct{}

// Encode serializes a message with encoding/json.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses wire bytes with sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
