package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponse_DecodeVariants(t *testing.T) {
	var enc Encoder = &JSONEncoder{}

	var r Response
	require.NoError(t, enc.Decode([]byte(`{"id":"t1","status":"success","response":"done","images":["a.png"]}`), &r))
	require.Equal(t, StatusSuccess, r.Status)
	require.Equal(t, "done", r.Text)
	require.Equal(t, []string{"a.png"}, r.Images)

	r = Response{}
	require.NoError(t, enc.Decode([]byte(`{"status":"error","error":"boom"}`), &r))
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, "boom", r.Error)

	r = Response{}
	require.NoError(t, enc.Decode([]byte(`{"status":"progress","event":"tool_start"}`), &r))
	require.Equal(t, StatusProgress, r.Status)
	require.Equal(t, EventToolStart, r.Event)

	require.Error(t, enc.Decode([]byte(`{not json`), &r))
}

func TestResponse_MediaPath(t *testing.T) {
	r := &Response{Status: StatusProgress, Event: EventSendMedia, Data: map[string]any{"path": "shots/1.png"}}
	p, ok := r.MediaPath()
	require.True(t, ok)
	require.Equal(t, "shots/1.png", p)

	// missing path
	r = &Response{Status: StatusProgress, Event: EventSendMedia}
	_, ok = r.MediaPath()
	require.False(t, ok)

	// wrong event
	r = &Response{Status: StatusProgress, Event: EventLLMStart, Data: map[string]any{"path": "x"}}
	_, ok = r.MediaPath()
	require.False(t, ok)
}
