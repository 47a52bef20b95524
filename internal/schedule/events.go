package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/hollis-dev/agentbridge/internal/stream"
)

// JobEvent is a job-completion notice from the scheduler's background stream.
type JobEvent struct {
	Job      string `json:"job"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// Reminder is a scheduler-fired reminder. Reminders carrying a prompt are
// synthesized into worker tasks; plain messages go straight to the admin chat.
type Reminder struct {
	Message string `json:"message"`
	Prompt  string `json:"prompt,omitempty"`
}

const notifyTimeout = 10 * time.Second

// NewJobEventHandler returns a Handler that renders job-completion notices.
// Zero and non-zero exit codes produce distinct notices.
func NewJobEventHandler(notifier Notifier, log *slog.Logger) Handler {
	enc := &protocol.JSONEncoder{}
	return func(ctx context.Context, payload []byte) {
		var ev JobEvent
		if err := enc.Decode(payload, &ev); err != nil {
			log.Error("job event decode failed", "error", err)
			return
		}
		job := ev.Job
		if job == "" {
			job = "unknown"
		}
		var body string
		failed := ev.ExitCode != 0
		if failed {
			body = fmt.Sprintf("`%s` failed (exit_code=%d)", job, ev.ExitCode)
		} else {
			body = fmt.Sprintf("`%s` succeeded", job)
		}
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := notifier.NotifyAdmin(nctx, "Background job", body, failed); err != nil {
			log.Error("job notice delivery failed", "job", job, "error", err)
		}
	}
}

// NewReminderHandler returns a Handler for the reminder stream. admin is the
// correlation target attached to synthesized tasks, inStream the stream they
// are appended to.
func NewReminderHandler(notifier Notifier, pub *stream.Publisher, inStream string, admin protocol.ChatRef, log *slog.Logger) Handler {
	enc := &protocol.JSONEncoder{}
	return func(ctx context.Context, payload []byte) {
		var rem Reminder
		if err := enc.Decode(payload, &rem); err != nil {
			log.Error("reminder decode failed", "error", err)
			return
		}

		if rem.Prompt != "" {
			task := protocol.Task{
				ID:     uuid.NewString(),
				Source: protocol.SourceScheduler,
				Prompt: rem.Prompt,
				Metadata: map[string]string{
					protocol.MetadataChat: admin.String(),
					"scheduler":           string(payload),
				},
			}
			if _, err := pub.Append(ctx, inStream, task); err != nil {
				log.Error("reminder task publish failed", "task", task.ID, "error", err)
				return
			}
			log.Info("reminder synthesized into task", "task", task.ID)
			return
		}

		msg := rem.Message
		if msg == "" {
			msg = "Reminder fired."
		}
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := notifier.NotifyAdmin(nctx, "Reminder", msg, false); err != nil {
			log.Error("reminder delivery failed", "error", err)
		}
	}
}
