package protocol

// Source identifies what produced a task.
// Use the exported constants (SourceChat, SourceScheduler) instead of raw
// strings to avoid typos.
type Source string

const (
	// SourceChat marks tasks originating from a chat message or photo.
	SourceChat Source = "chat"
	// SourceScheduler marks tasks synthesized from scheduler events.
	SourceScheduler Source = "scheduler"
)

// MetadataChat is the metadata key carrying the chat correlation payload.
const MetadataChat = "chat"

// metadataChatLegacy is the historical name of the correlation key. It is read
// on decode but never written.
const metadataChatLegacy = "telegram"

// Task is a unit of work sent to the worker over the inbound stream.
// It is serialized to JSON and stored under the stream entry's payload field.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// Source identifies the producer (chat or scheduler).
	Source Source `json:"source,omitempty"`
	// Prompt is the free-text instruction for the worker.
	Prompt string `json:"prompt,omitempty"`
	// Images holds workspace-relative paths of attached images, in order.
	Images []string `json:"images,omitempty"`
	// Metadata is an open map; Metadata["chat"] carries the correlation payload.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChatRef resolves the chat context this task's result should be delivered to.
// It reads Metadata["chat"], then the legacy Metadata["telegram"] key, and
// finally falls back to an id-encoded "<chatID>:<messageID>" task id.
func (t *Task) ChatRef() (ChatRef, bool) {
	if t == nil {
		return ChatRef{}, false
	}
	if s, ok := t.Metadata[MetadataChat]; ok {
		if ref, err := ParseChatRef(s); err == nil {
			return ref, true
		}
	}
	if s, ok := t.Metadata[metadataChatLegacy]; ok {
		if ref, err := ParseChatRef(s); err == nil {
			return ref, true
		}
	}
	if ref, err := ParseChatRef(t.ID); err == nil {
		return ref, true
	}
	return ChatRef{}, false
}
