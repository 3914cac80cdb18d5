package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"storyboard-studio/internal/archive"
	"storyboard-studio/internal/document"
	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/msgbatch"
	"storyboard-studio/internal/pipeline"
	"storyboard-studio/internal/prompt"
	"storyboard-studio/internal/session"
	"storyboard-studio/internal/style"
	"storyboard-studio/internal/telegram"
)

// Messenger is the part of the Telegram client the handler talks to.
type Messenger interface {
	SendText(chatID int64, text string) error
	SendTyping(chatID int64)
	SendPhoto(chatID int64, data []byte, mimeType, caption string) error
	SendDocument(chatID int64, name string, data []byte, caption string) error
	SendTextWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) (int, error)
	AnswerCallback(callbackID, text string, alert bool) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// Uploader publishes a storyboard archive and returns a download URL.
type Uploader interface {
	Upload(ctx context.Context, workspaceID string, data []byte) (string, error)
}

type Options struct {
	Telegram Messenger
	Sessions *session.Store
	// Uploader is optional; archives are always sent as a document.
	Uploader Uploader
	Logger   *slog.Logger
}

type Handler struct {
	tg       Messenger
	sessions *session.Store
	uploader Uploader
	logger   *slog.Logger
	batcher  *msgbatch.Aggregator
}

const helpText = "🎬 Storyboard Studio\n\n" +
	"Send a script (text, .txt, .md or .docx) and I will write scene prompts and draw them.\n" +
	"Send numbered prompts (\"1. A harbour at dawn\") to draw them as they are.\n" +
	"Send a photo to use it as the style reference; a caption starts a run right away.\n\n" +
	"Commands:\n" +
	"/settings - show and change settings\n" +
	"/ratio <1:1|16:9|9:16|4:3|3:4> - aspect ratio\n" +
	"/style [preset|keywords|none] - visual style\n" +
	"/niche <text> - channel niche for script mode\n" +
	"/script <text> - force script mode\n" +
	"/prompts <text> - force numbered prompt mode\n" +
	"/failed - list failed prompts\n" +
	"/retry [ratio] - regenerate failed images\n" +
	"/clear - reset settings and the last run"

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Handler{
		tg:       opts.Telegram,
		sessions: opts.Sessions,
		uploader: opts.Uploader,
		logger:   logger,
	}
}

// SetBatcher routes plain text through the aggregator so split pastes reach
// the pipeline as one message. Without it text is handled immediately.
func (h *Handler) SetBatcher(b *msgbatch.Aggregator) {
	h.batcher = b
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil {
		return nil
	}

	msg := update.Message
	chatID := msg.Chat.ID
	userID := chatID
	username := ""
	if msg.From != nil {
		userID = msg.From.ID
		username = msg.From.UserName
	}

	switch {
	case msg.IsCommand():
		return h.handleCommand(ctx, chatID, userID, username, msg)
	case len(msg.Photo) > 0:
		return h.handlePhoto(ctx, chatID, username, msg)
	case msg.Document != nil:
		return h.handleDocument(ctx, chatID, username, msg)
	case strings.TrimSpace(msg.Text) != "":
		if h.batcher != nil {
			h.batcher.Add(msgbatch.Item{ChatID: chatID, Username: username, Text: msg.Text})
			return nil
		}
		return h.runText(ctx, chatID, username, msg.Text)
	}
	return nil
}

// HandleBatch runs the text collected by the aggregator.
func (h *Handler) HandleBatch(ctx context.Context, batch msgbatch.Batch) {
	if err := h.runText(ctx, batch.ChatID, batch.Username, batch.Text()); err != nil {
		h.logger.Error("batch processing failed", "chat_id", batch.ChatID, "err", err)
	}
}

func (h *Handler) handleCommand(ctx context.Context, chatID, userID int64, username string, msg *tgbotapi.Message) error {
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		return h.tg.SendText(chatID, helpText)
	case "settings":
		return h.sendSettings(chatID, userID, h.sessions.Settings(chatID, username))
	case "ratio":
		if args == "" {
			return h.sendSettings(chatID, userID, h.sessions.Settings(chatID, username))
		}
		ratio, err := imagegen.ParseAspectRatio(args)
		if err != nil {
			return h.tg.SendText(chatID, "❌ Unsupported aspect ratio. Use 1:1, 16:9, 9:16, 4:3 or 3:4.")
		}
		h.sessions.Update(chatID, username, func(st *session.Settings) { st.AspectRatio = ratio })
		return h.tg.SendText(chatID, "✅ Aspect ratio: "+string(ratio))
	case "style":
		return h.handleStyleCommand(chatID, userID, username, args)
	case "niche":
		h.sessions.Update(chatID, username, func(st *session.Settings) { st.Niche = args })
		if args == "" {
			return h.tg.SendText(chatID, "✅ Niche cleared.")
		}
		return h.tg.SendText(chatID, "✅ Niche: "+truncateLine(args, 200))
	case "script":
		if args == "" {
			return h.tg.SendText(chatID, "❌ Add the script after the command.\nExample: /script A lighthouse keeper finds a message in a bottle...")
		}
		return h.run(ctx, chatID, username, pipeline.ModeScript, args)
	case "prompts":
		if args == "" {
			return h.tg.SendText(chatID, "❌ Add numbered prompts after the command.\nExample: /prompts 1. A harbour at dawn")
		}
		return h.run(ctx, chatID, username, pipeline.ModeCustom, args)
	case "failed":
		failed := h.sessions.Orchestrator(chatID, username).Failed()
		if len(failed) == 0 {
			return h.tg.SendText(chatID, "There are no failed images.")
		}
		return h.tg.SendText(chatID, prompt.Format(failed))
	case "retry":
		return h.retry(ctx, chatID, username, imagegen.AspectRatio(args))
	case "clear":
		if err := h.sessions.Orchestrator(chatID, username).Reset(); err != nil {
			return h.tg.SendText(chatID, userMessage(err))
		}
		h.sessions.Clear(chatID)
		return h.tg.SendText(chatID, "✅ Settings and the last run were cleared.")
	default:
		return h.tg.SendText(chatID, "❌ Unknown command. Use /help.")
	}
}

func (h *Handler) handleStyleCommand(chatID, userID int64, username, args string) error {
	if args == "" {
		_, err := h.tg.SendTextWithKeyboard(chatID, "Choose a style preset, or send /style <keywords>:", styleKeyboard(userID))
		return err
	}
	if strings.EqualFold(args, "none") {
		h.sessions.Update(chatID, username, func(st *session.Settings) {
			st.StylePreset = ""
			st.StyleKeywords = ""
		})
		return h.tg.SendText(chatID, "✅ Style cleared.")
	}
	if _, ok := style.Preset(args); ok {
		key := strings.ToLower(args)
		h.sessions.Update(chatID, username, func(st *session.Settings) { st.StylePreset = key })
		return h.tg.SendText(chatID, "✅ Style preset: "+presetName(key))
	}
	h.sessions.Update(chatID, username, func(st *session.Settings) { st.StyleKeywords = args })
	return h.tg.SendText(chatID, "✅ Style keywords: "+truncateLine(args, 200))
}

func (h *Handler) handlePhoto(ctx context.Context, chatID int64, username string, msg *tgbotapi.Message) error {
	photo := msg.Photo[len(msg.Photo)-1]
	data, mimeType, err := h.tg.DownloadFile(ctx, photo.FileID)
	if err != nil {
		h.logger.Error("photo download failed", "chat_id", chatID, "err", err)
		return h.tg.SendText(chatID, "❌ Could not download the photo. Please send it again.")
	}
	return h.setReference(ctx, chatID, username, data, mimeType, msg.Caption)
}

func (h *Handler) handleDocument(ctx context.Context, chatID int64, username string, msg *tgbotapi.Message) error {
	doc := msg.Document
	data, mimeType, err := h.tg.DownloadFile(ctx, doc.FileID)
	if err != nil {
		h.logger.Error("document download failed", "chat_id", chatID, "err", err)
		return h.tg.SendText(chatID, "❌ Could not download the file. Please send it again.")
	}

	if isImageMime(doc.MimeType) || isImageMime(mimeType) {
		if !isImageMime(mimeType) {
			mimeType = doc.MimeType
		}
		return h.setReference(ctx, chatID, username, data, mimeType, msg.Caption)
	}

	text, err := document.Extract(data, document.KindFromFilename(doc.FileName))
	if err != nil {
		h.logger.Warn("document unreadable", "chat_id", chatID, "name", doc.FileName, "err", err)
		return h.tg.SendText(chatID, fmt.Sprintf("❌ Could not read %q. Send a .txt, .md or .docx file.", doc.FileName))
	}
	return h.run(ctx, chatID, username, pipeline.ModeScript, text)
}

// setReference stores an uploaded image as the chat's style reference. A
// caption is treated as a request and starts a run with the new reference.
func (h *Handler) setReference(ctx context.Context, chatID int64, username string, data []byte, mimeType, caption string) error {
	ref := &style.Reference{Data: data, MimeType: mimeType}
	h.sessions.Update(chatID, username, func(st *session.Settings) { st.Reference = ref })

	caption = strings.TrimSpace(caption)
	if caption == "" {
		return h.tg.SendText(chatID, "🖼 Style reference saved. Now send a script or numbered prompts.")
	}
	return h.runText(ctx, chatID, username, caption)
}

func (h *Handler) runText(ctx context.Context, chatID int64, username, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return h.run(ctx, chatID, username, detectMode(text), text)
}

func (h *Handler) run(ctx context.Context, chatID int64, username string, mode pipeline.Mode, text string) error {
	settings := h.sessions.Settings(chatID, username)
	orch := h.sessions.Orchestrator(chatID, username)

	req := pipeline.Request{
		Mode:          mode,
		Niche:         settings.Niche,
		StyleKeywords: settings.Keywords(),
		Reference:     settings.Reference,
		AspectRatio:   settings.AspectRatio,
	}
	if mode == pipeline.ModeCustom {
		req.CustomPrompts = text
	} else {
		req.Script = text
	}

	h.tg.SendTyping(chatID)
	stop := h.watchProgress(chatID, orch)
	summary, err := orch.Run(ctx, req)
	stop()
	if err != nil {
		h.logger.Warn("run failed", "chat_id", chatID, "mode", string(mode), "kind", pipeline.KindOf(err).String(), "err", err)
		return h.tg.SendText(chatID, userMessage(err))
	}

	snap := orch.Snapshot()
	return h.report(ctx, chatID, orch, snap, snap.Results, summary)
}

func (h *Handler) retry(ctx context.Context, chatID int64, username string, ratio imagegen.AspectRatio) error {
	orch := h.sessions.Orchestrator(chatID, username)

	h.tg.SendTyping(chatID)
	stop := h.watchProgress(chatID, orch)
	summary, retried, err := orch.RetryFailed(ctx, ratio)
	stop()
	if err != nil {
		return h.tg.SendText(chatID, userMessage(err))
	}

	return h.report(ctx, chatID, orch, orch.Snapshot(), retried, summary)
}

// watchProgress relays pipeline events to the chat until the returned stop
// function is called. Observers must not block, so events are dropped when
// the relay falls behind.
func (h *Handler) watchProgress(chatID int64, orch *pipeline.Orchestrator) (stop func()) {
	events := make(chan pipeline.Event, 16)
	cancel := orch.Subscribe(func(ev pipeline.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case ev := <-events:
				switch ev.Kind {
				case pipeline.EventPrompts:
					_ = h.tg.SendText(chatID, fmt.Sprintf("📝 %d prompt(s) ready. Generating images...", len(ev.Prompts)))
				case pipeline.EventProgress:
					h.tg.SendTyping(chatID)
				}
			}
		}
	}()

	return func() {
		cancel()
		close(quit)
		<-done
	}
}

func (h *Handler) report(ctx context.Context, chatID int64, orch *pipeline.Orchestrator, snap pipeline.Snapshot, shown []pipeline.Result, summary pipeline.Summary) error {
	for _, res := range shown {
		if !res.OK() {
			if err := h.tg.SendText(chatID, fmt.Sprintf("⚠️ #%d failed: %s", res.ID, truncateLine(res.Error, 300))); err != nil {
				return err
			}
			continue
		}
		caption := "#" + strconv.Itoa(res.ID)
		if res.Engine == imagegen.EngineSecondary {
			caption += " (fallback engine)"
		}
		if err := h.tg.SendPhoto(chatID, res.Image, res.MimeType, caption); err != nil {
			h.logger.Warn("send photo failed", "chat_id", chatID, "id", res.ID, "err", err)
		}
	}

	if err := h.tg.SendText(chatID, summary.Message()); err != nil {
		return err
	}

	if failed := orch.Failed(); len(failed) > 0 {
		text := "Failed prompts:\n\n" + prompt.Format(failed) + "\n\nSend /retry to try them again."
		if err := h.tg.SendText(chatID, text); err != nil {
			return err
		}
	}

	return h.sendArchive(ctx, chatID, snap)
}

func (h *Handler) sendArchive(ctx context.Context, chatID int64, snap pipeline.Snapshot) error {
	files := archive.Storyboard(snap.Results, snap.Prompts)
	if files == nil {
		return nil
	}
	data, err := archive.Package(files)
	if err != nil {
		h.logger.Error("archive failed", "chat_id", chatID, "err", err)
		return nil
	}
	if err := h.tg.SendDocument(chatID, "storyboard.zip", data, "🗂 All images and prompts"); err != nil {
		h.logger.Warn("send archive failed", "chat_id", chatID, "err", err)
	}

	if h.uploader == nil {
		return nil
	}
	url, err := h.uploader.Upload(ctx, "tg-"+strconv.FormatInt(chatID, 10), data)
	if err != nil {
		h.logger.Warn("archive upload failed", "chat_id", chatID, "err", err)
		return nil
	}
	return h.tg.SendText(chatID, "🔗 Download link: "+url)
}

func userMessage(err error) string {
	var pe *pipeline.Error
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		return "⏳ A run is already in progress. Wait for it to finish."
	case errors.As(err, &pe):
		return "❌ " + pe.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "❌ The run took too long and was stopped."
	default:
		return "❌ Something went wrong. Please try again."
	}
}
