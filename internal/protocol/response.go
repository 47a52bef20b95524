package protocol

// Status discriminates the response union. Every response carries exactly one
// status; consumers must switch on it exhaustively and treat unknown values as
// a logged drop.
type Status string

const (
	// StatusSuccess carries the worker's final output text and optional images.
	StatusSuccess Status = "success"
	// StatusError carries a terminal failure message from the worker.
	StatusError Status = "error"
	// StatusProgress carries a transient activity event while a task runs.
	StatusProgress Status = "progress"
)

// Event qualifies a progress response.
type Event string

const (
	EventLLMStart  Event = "llm_start"
	EventLLMEnd    Event = "llm_end"
	EventToolStart Event = "tool_start"
	EventToolEnd   Event = "tool_end"
	// EventSendMedia asks the relay to deliver Data["path"] as an out-of-band
	// image preview immediately.
	EventSendMedia Event = "send_media"
)

// Response is the worker's reply on the outbound stream, a tagged union keyed
// by Status. ID echoes the originating task's id.
type Response struct {
	ID     string `json:"id,omitempty"`
	Status Status `json:"status"`

	// Text and Images are set when Status is success.
	Text   string   `json:"response,omitempty"`
	Images []string `json:"images,omitempty"`

	// Error is set when Status is error.
	Error string `json:"error,omitempty"`

	// Event and Data are set when Status is progress.
	Event Event          `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// MediaPath returns the image path of a send_media progress event.
func (r *Response) MediaPath() (string, bool) {
	if r == nil || r.Status != StatusProgress || r.Event != EventSendMedia {
		return "", false
	}
	p, ok := r.Data["path"].(string)
	if !ok || p == "" {
		return "", false
	}
	return p, true
}

// Command names a live control action for the worker.
type Command string

const (
	CommandStop  Command = "stop"
	CommandReset Command = "reset"
	CommandSteer Command = "steer"
)

// ControlSignal is a fire-and-forget instruction published on the non-durable
// control channel. If no consumer is listening it is lost; these are live
// interactive commands, not queued work.
type ControlSignal struct {
	ID      string  `json:"id,omitempty"`
	Command Command `json:"command"`
	Message string  `json:"message,omitempty"`
}
