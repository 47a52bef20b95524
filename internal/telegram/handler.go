package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/protocol"
	"github.com/hollis-dev/agentbridge/internal/stream"
	"github.com/mymmrac/telego"
)

// gatewayDir is the workspace subdirectory downloaded photos are stored in.
const gatewayDir = ".gateway"

const defaultPhotoPrompt = "Analyze this image."

// Handler consumes Telegram updates and turns them into tasks and control
// signals. Unauthorized senders are dropped with a warning and never replied
// to.
type Handler struct {
	bot    *telego.Bot
	pub    *stream.Publisher
	sender *Sender
	cfg    config.Config
	httpc  *http.Client
	log    *slog.Logger
}

// NewHandler creates the update handler.
func NewHandler(bot *telego.Bot, pub *stream.Publisher, sender *Sender, cfg config.Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		bot:    bot,
		pub:    pub,
		sender: sender,
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// RegisterCommands publishes the bot's slash-command menu.
func (h *Handler) RegisterCommands(ctx context.Context) error {
	return h.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "new", Description: "Start a new session"},
			{Command: "stop", Description: "Stop the running task"},
			{Command: "steer", Description: "Steer the running task"},
		},
	})
}

// Run consumes updates via long polling until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	updates, err := h.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("telegram: long polling: %w", err)
	}
	h.log.Info("telegram update loop starting")
	for update := range updates {
		h.handleUpdate(ctx, update)
	}
	h.log.Info("telegram update loop stopping")
	return nil
}

func (h *Handler) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if !h.cfg.Authorized(msg.From.ID) {
		h.log.Warn("unauthorized sender ignored",
			"user", msg.From.ID, "username", msg.From.Username)
		return
	}

	ref := protocol.ChatRef{ChatID: msg.Chat.ID, MessageID: msg.MessageID}
	switch {
	case strings.HasPrefix(msg.Text, "/"):
		h.handleCommand(ctx, ref, msg.Text)
	case len(msg.Photo) > 0:
		h.handlePhoto(ctx, ref, msg)
	case msg.Text != "":
		h.handleText(ctx, ref, msg.Text)
	}
}

func (h *Handler) handleCommand(ctx context.Context, ref protocol.ChatRef, text string) {
	cmd, args := parseCommand(text)
	switch cmd {
	case "stop":
		h.broadcast(ctx, protocol.ControlSignal{Command: protocol.CommandStop})
	case "new":
		h.broadcast(ctx, protocol.ControlSignal{Command: protocol.CommandReset})
		if err := h.sender.Reply(ctx, ref, "✅ New session started."); err != nil {
			h.log.Warn("command reply failed", "error", err)
		}
	case "steer":
		h.broadcast(ctx, protocol.ControlSignal{Command: protocol.CommandSteer, Message: args})
	default:
		h.log.Debug("unknown command ignored", "command", cmd)
		return
	}
	h.typing(ctx, ref)
}

func (h *Handler) handleText(ctx context.Context, ref protocol.ChatRef, text string) {
	task := protocol.Task{
		ID:       uuid.NewString(),
		Source:   protocol.SourceChat,
		Prompt:   text,
		Metadata: map[string]string{protocol.MetadataChat: ref.String()},
	}
	if _, err := h.pub.Append(ctx, h.cfg.InboundStream, task); err != nil {
		h.log.Error("task publish failed", "task", task.ID, "error", err)
		return
	}
	h.log.Info("task published", "task", task.ID, "chat", ref.ChatID)
	h.typing(ctx, ref)
}

func (h *Handler) handlePhoto(ctx context.Context, ref protocol.ChatRef, msg *telego.Message) {
	taskID := uuid.NewString()
	caption := msg.Caption
	if caption == "" {
		caption = defaultPhotoPrompt
	}

	relPath, err := h.downloadPhoto(ctx, taskID, msg.Photo)
	if err != nil {
		h.log.Error("photo download failed", "task", taskID, "error", err)
		if rerr := h.sender.Reply(ctx, ref, "⚠️ Photo processing failed, please retry."); rerr != nil {
			h.log.Warn("photo failure reply failed", "error", rerr)
		}
		return
	}

	task := protocol.Task{
		ID:       taskID,
		Source:   protocol.SourceChat,
		Prompt:   caption,
		Images:   []string{relPath},
		Metadata: map[string]string{protocol.MetadataChat: ref.String()},
	}
	if _, err := h.pub.Append(ctx, h.cfg.InboundStream, task); err != nil {
		h.log.Error("photo task publish failed", "task", task.ID, "error", err)
		return
	}
	h.log.Info("photo task published", "task", task.ID, "image", relPath)
	h.typing(ctx, ref)
}

// downloadPhoto fetches the highest-resolution size once, persists it at a
// path derived from the task id, and returns the workspace-relative path the
// task references. Stream entries stay small and text-only.
func (h *Handler) downloadPhoto(ctx context.Context, taskID string, sizes []telego.PhotoSize) (string, error) {
	photo := sizes[len(sizes)-1]
	file, err := h.bot.GetFile(ctx, &telego.GetFileParams{FileID: photo.FileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return "", err
	}
	resp, err := h.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	name := taskID + fileExt(file.FilePath)
	dir := filepath.Join(h.cfg.WorkspaceDir, gatewayDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", err
	}
	h.log.Info("photo saved", "task", taskID, "bytes", len(data))
	return path.Join(gatewayDir, name), nil
}

// parseCommand splits "/steer@bot do x" into ("steer", "do x").
func parseCommand(text string) (cmd, args string) {
	cmd, args, _ = strings.Cut(text, " ")
	cmd = strings.TrimPrefix(cmd, "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, strings.TrimSpace(args)
}

func fileExt(filePath string) string {
	if ext := path.Ext(filePath); ext != "" {
		return ext
	}
	return ".jpg"
}

func (h *Handler) broadcast(ctx context.Context, sig protocol.ControlSignal) {
	if err := h.pub.Broadcast(ctx, h.cfg.ControlChannel, sig); err != nil {
		h.log.Error("control signal publish failed", "command", string(sig.Command), "error", err)
		return
	}
	h.log.Info("control signal published", "command", string(sig.Command))
}

// typing is fire-and-forget; failures are debug noise at most.
func (h *Handler) typing(ctx context.Context, ref protocol.ChatRef) {
	if err := h.sender.SendTyping(ctx, ref); err != nil {
		h.log.Debug("typing indicator failed", "error", err)
	}
}
