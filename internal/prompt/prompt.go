package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Prompt is one scene prompt. Text may span several lines.
type Prompt struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

var numberedLine = regexp.MustCompile(`^(\d+)\.\s*(.*)$`)

type parseState int

const (
	noActivePrompt parseState = iota
	buildingPrompt
)

// Parse reads numbered prompt text ("1. ...") into prompts ordered by id.
// Lines that do not start a prompt continue the current one; anything before
// the first numbered line is dropped.
func Parse(text string) []Prompt {
	var (
		out   []Prompt
		state = noActivePrompt
		cur   Prompt
		body  strings.Builder
	)

	flush := func() {
		if state != buildingPrompt {
			return
		}
		cur.Text = strings.TrimSpace(body.String())
		out = append(out, cur)
		body.Reset()
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if m := numberedLine.FindStringSubmatch(line); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil {
				flush()
				state = buildingPrompt
				cur = Prompt{ID: id}
				body.WriteString(m[2])
				continue
			}
		}

		if state == noActivePrompt {
			continue
		}
		if body.Len() > 0 {
			body.WriteByte('\n')
		}
		body.WriteString(line)
	}
	flush()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ErrIDOutOfRange marks a numbered line whose number does not fit an int.
var ErrIDOutOfRange = errors.New("prompt number out of range")

// Validate reports numbered lines that Parse cannot turn into a prompt id.
// Parse alone would read such a line as a continuation of the previous prompt.
func Validate(text string) error {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, raw := range strings.Split(text, "\n") {
		m := numberedLine.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		if _, err := strconv.Atoi(m[1]); err != nil {
			return fmt.Errorf("%w: %s", ErrIDOutOfRange, m[1])
		}
	}
	return nil
}

// Format renders prompts back into the numbered form accepted by Parse.
func Format(prompts []Prompt) string {
	blocks := make([]string, 0, len(prompts))
	for _, p := range prompts {
		blocks = append(blocks, strconv.Itoa(p.ID)+". "+p.Text)
	}
	return strings.Join(blocks, "\n\n")
}

// FromTexts numbers texts by their 1-based position.
func FromTexts(texts []string) []Prompt {
	out := make([]Prompt, 0, len(texts))
	for i, t := range texts {
		out = append(out, Prompt{ID: i + 1, Text: t})
	}
	return out
}
