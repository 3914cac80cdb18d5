package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/session"
	"storyboard-studio/internal/style"
)

const settingsCallbackPrefix = "sb"

// cb builds callback data "sb:<owner>:<action>:<value>". The value may itself
// contain colons (aspect ratios do).
func cb(ownerID int64, action, value string) string {
	return settingsCallbackPrefix + ":" + strconv.FormatInt(ownerID, 10) + ":" + action + ":" + value
}

func parseCallback(data string) (ownerID int64, action, value string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 4)
	if len(parts) != 4 || parts[0] != settingsCallbackPrefix {
		return 0, "", "", false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", "", false
	}
	return id, parts[2], parts[3], true
}

func (h *Handler) sendSettings(chatID, ownerID int64, st session.Settings) error {
	_, err := h.tg.SendTextWithKeyboard(chatID, settingsText(st), settingsKeyboard(ownerID, st))
	return err
}

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if q == nil || q.Message == nil || q.From == nil {
		return nil
	}
	ownerID, action, value, ok := parseCallback(q.Data)
	if !ok {
		return nil
	}
	if ownerID != q.From.ID {
		_ = h.tg.AnswerCallback(q.ID, "This menu belongs to someone else.", true)
		return nil
	}

	chatID := q.Message.Chat.ID
	username := q.From.UserName

	switch action {
	case "ratio":
		ratio, err := imagegen.ParseAspectRatio(value)
		if err != nil {
			return h.tg.AnswerCallback(q.ID, "Unsupported aspect ratio.", true)
		}
		h.sessions.Update(chatID, username, func(st *session.Settings) { st.AspectRatio = ratio })
		return h.tg.AnswerCallback(q.ID, "Aspect ratio: "+string(ratio), false)
	case "style":
		name := "None"
		if value != "none" {
			if _, ok := style.Preset(value); !ok {
				return h.tg.AnswerCallback(q.ID, "Unknown style preset.", true)
			}
			name = presetName(value)
		} else {
			value = ""
		}
		h.sessions.Update(chatID, username, func(st *session.Settings) { st.StylePreset = value })
		return h.tg.AnswerCallback(q.ID, "Style preset: "+name, false)
	case "ref":
		h.sessions.Update(chatID, username, func(st *session.Settings) { st.Reference = nil })
		return h.tg.AnswerCallback(q.ID, "Reference image removed.", false)
	case "menu":
		_ = h.tg.AnswerCallback(q.ID, "", false)
		switch value {
		case "style":
			_, err := h.tg.SendTextWithKeyboard(chatID, "Choose a style preset:", styleKeyboard(ownerID))
			return err
		default:
			return h.sendSettings(chatID, ownerID, h.sessions.Settings(chatID, username))
		}
	default:
		return h.tg.AnswerCallback(q.ID, "", false)
	}
}

func settingsText(st session.Settings) string {
	ratio := st.AspectRatio
	if ratio == "" {
		ratio = imagegen.DefaultAspectRatio
	}
	preset := "None"
	if st.StylePreset != "" {
		preset = presetName(st.StylePreset)
	}

	var b strings.Builder
	b.WriteString("⚙️ Settings\n\n")
	fmt.Fprintf(&b, "Aspect ratio: %s\n", ratio)
	fmt.Fprintf(&b, "Style preset: %s\n", preset)
	fmt.Fprintf(&b, "Keywords: %s\n", orDash(truncateLine(st.StyleKeywords, 80)))
	fmt.Fprintf(&b, "Niche: %s\n", orDash(truncateLine(st.Niche, 80)))
	fmt.Fprintf(&b, "Reference image: %s", yesNo(st.Reference != nil))
	return b.String()
}

func settingsKeyboard(ownerID int64, st session.Settings) tgbotapi.InlineKeyboardMarkup {
	current := st.AspectRatio
	if current == "" {
		current = imagegen.DefaultAspectRatio
	}

	var ratioRow []tgbotapi.InlineKeyboardButton
	for _, r := range imagegen.AspectRatios() {
		label := string(r)
		if r == current {
			label = "✅ " + label
		}
		ratioRow = append(ratioRow, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "ratio", string(r))))
	}

	rows := [][]tgbotapi.InlineKeyboardButton{
		ratioRow,
		{tgbotapi.NewInlineKeyboardButtonData("🎨 Style preset", cb(ownerID, "menu", "style"))},
	}
	if st.Reference != nil {
		rows = append(rows, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Remove reference image", cb(ownerID, "ref", "clear")),
		})
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func styleKeyboard(ownerID int64) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, p := range style.Presets() {
		key := p.Key
		if key == "" {
			key = "none"
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(p.Name, cb(ownerID, "style", key)))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("⬅️ Back", cb(ownerID, "menu", "main")),
	})
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func presetName(key string) string {
	for _, p := range style.Presets() {
		if p.Key == key {
			return p.Name
		}
	}
	return key
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
