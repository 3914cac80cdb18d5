package handlers

import (
	"regexp"
	"strings"

	"storyboard-studio/internal/pipeline"
)

var numberedStart = regexp.MustCompile(`^\d+\.`)

// detectMode treats text whose first non-blank line is numbered ("1. ...")
// as hand-written prompts and anything else as a script.
func detectMode(text string) pipeline.Mode {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if numberedStart.MatchString(line) {
			return pipeline.ModeCustom
		}
		return pipeline.ModeScript
	}
	return pipeline.ModeScript
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

func truncateLine(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
