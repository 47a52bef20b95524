// Package telegram is the chat-platform edge: the long-polling update loop
// turning messages into tasks, and the sender delivering worker output back.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hollis-dev/agentbridge/internal/format"
	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/mymmrac/telego"
)

// api is the slice of the bot client the sender uses.
type api interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Sender delivers rendered worker output to Telegram. It implements
// dispatch.Sink and schedule.Notifier.
type Sender struct {
	api       api
	admin     protocol.ChatRef
	workspace string
	log       *slog.Logger
}

// NewSender creates a sender. workspace is the root photo paths are resolved
// against; admin receives NotifyAdmin notices.
func NewSender(bot *telego.Bot, admin protocol.ChatRef, workspace string, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{api: bot, admin: admin, workspace: workspace, log: log}
}

// SendText renders text to Telegram HTML, paginates it, and sends each chunk
// as a reply to the originating message. On a markup rejection the whole text
// is resent once as plain chunks; on an oversize rejection the offending chunk
// is hard-split.
func (s *Sender) SendText(ctx context.Context, ref protocol.ChatRef, text string) error {
	if err := s.sendChunks(ctx, ref, format.Render(text), telego.ModeHTML); err != nil {
		s.log.Warn("html send failed, falling back to plain text", "chat", ref.ChatID, "error", err)
		return s.sendChunks(ctx, ref, text, "")
	}
	return nil
}

// SendError reports a worker failure with an error indicator prefix.
func (s *Sender) SendError(ctx context.Context, ref protocol.ChatRef, errText string) error {
	text := "❌ <b>Error</b>: <code>" + format.EscapeHTML(errText) + "</code>"
	if err := s.sendChunks(ctx, ref, text, telego.ModeHTML); err != nil {
		s.log.Warn("html send failed, falling back to plain text", "chat", ref.ChatID, "error", err)
		return s.sendChunks(ctx, ref, "❌ Error: "+errText, "")
	}
	return nil
}

// SendPhoto sends the workspace-relative image at path.
func (s *Sender) SendPhoto(ctx context.Context, ref protocol.ChatRef, path string) error {
	f, err := os.Open(filepath.Join(s.workspace, filepath.Clean(path)))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.api.SendPhoto(ctx, &telego.SendPhotoParams{
		ChatID: telego.ChatID{ID: ref.ChatID},
		Photo:  telego.InputFile{File: f},
	})
	return err
}

// SendTyping shows the typing indicator.
func (s *Sender) SendTyping(ctx context.Context, ref protocol.ChatRef) error {
	return s.api.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: ref.ChatID},
		Action: telego.ChatActionTyping,
	})
}

// Reply sends a short plain-text acknowledgment as a reply to ref.
func (s *Sender) Reply(ctx context.Context, ref protocol.ChatRef, text string) error {
	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: ref.ChatID},
		Text:   text,
	}
	if ref.MessageID != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: ref.MessageID}
	}
	_, err := s.api.SendMessage(ctx, params)
	return err
}

// NotifyAdmin delivers a scheduler-originated notice to the admin chat.
func (s *Sender) NotifyAdmin(ctx context.Context, title, body string, isError bool) error {
	if s.admin.IsZero() {
		return errors.New("telegram: admin chat is not configured")
	}
	emoji := "🔔"
	if isError {
		emoji = "❌"
	}
	text := emoji + " <b>" + format.EscapeHTML(title) + "</b>\n\n" + format.Render(body)
	ref := protocol.ChatRef{ChatID: s.admin.ChatID}
	if err := s.sendChunks(ctx, ref, text, telego.ModeHTML); err != nil {
		s.log.Warn("html send failed, falling back to plain text", "chat", ref.ChatID, "error", err)
		return s.sendChunks(ctx, ref, emoji+" "+title+"\n\n"+body, "")
	}
	return nil
}

func (s *Sender) sendChunks(ctx context.Context, ref protocol.ChatRef, text, parseMode string) error {
	for i, chunk := range format.Chunk(text, format.MaxMessageLen) {
		params := &telego.SendMessageParams{
			ChatID:    telego.ChatID{ID: ref.ChatID},
			Text:      chunk,
			ParseMode: parseMode,
		}
		// only the first chunk replies to the originating message
		if i == 0 && ref.MessageID != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: ref.MessageID}
		}
		if _, err := s.api.SendMessage(ctx, params); err != nil {
			if !isTooLong(err) {
				return err
			}
			// the platform counts length differently than we do; fall back to
			// blunt fixed-width slices without markup
			s.log.Warn("chunk rejected as oversized, hard-splitting", "chat", ref.ChatID)
			for _, piece := range format.HardSplit(chunk, format.MaxMessageLen/2) {
				if _, err := s.api.SendMessage(ctx, &telego.SendMessageParams{
					ChatID: telego.ChatID{ID: ref.ChatID},
					Text:   piece,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func isTooLong(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is too long")
}
