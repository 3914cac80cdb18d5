// Package pipeline runs one storyboard generation: style resolution, prompt
// acquisition, then one image per prompt in id order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/prompt"
	"storyboard-studio/internal/scenes"
	"storyboard-studio/internal/style"
)

type Mode string

const (
	ModeScript Mode = "script"
	ModeCustom Mode = "custom"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeScript:
		return ModeScript, nil
	case ModeCustom:
		return ModeCustom, nil
	}
	return "", newError(KindInputValidation, fmt.Sprintf("Unknown mode %q. Use \"script\" or \"custom\".", value), nil)
}

type Request struct {
	Mode          Mode
	Script        string
	CustomPrompts string
	Niche         string
	StyleKeywords string
	Reference     *style.Reference
	AspectRatio   imagegen.AspectRatio
}

type StyleResolver interface {
	Resolve(ctx context.Context, ref *style.Reference, keywords string) (string, error)
}

type ImageSynthesizer interface {
	Synthesize(ctx context.Context, prompt string, ratio imagegen.AspectRatio) (imagegen.Image, imagegen.Engine, error)
}

type Options struct {
	Style   StyleResolver
	Prompts scenes.Synthesizer
	Images  ImageSynthesizer
	Logger  *slog.Logger
}

// Result is the terminal outcome for one prompt. Exactly one of Image and
// Error is set.
type Result struct {
	ID       int             `json:"id"`
	Prompt   string          `json:"prompt"`
	Image    []byte          `json:"image,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Error    string          `json:"error,omitempty"`
	Engine   imagegen.Engine `json:"engine,omitempty"`
}

func (r Result) OK() bool {
	return r.Error == "" && len(r.Image) > 0
}

type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

func (s Summary) Failed() int { return s.Total - s.Succeeded }

func (s Summary) AllSucceeded() bool {
	return s.Total > 0 && s.Succeeded == s.Total
}

func (s Summary) Message() string {
	switch {
	case s.Total == 0:
		return "No images were generated."
	case s.AllSucceeded():
		return fmt.Sprintf("All %d %s succeeded.", s.Total, plural(s.Total, "image", "images"))
	default:
		return fmt.Sprintf("%d of %d images succeeded.", s.Succeeded, s.Total)
	}
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.OK() {
			s.Succeeded++
		}
	}
	return s
}

type Snapshot struct {
	State      State           `json:"state"`
	Mode       Mode            `json:"mode,omitempty"`
	Style      string          `json:"style,omitempty"`
	RawRequest string          `json:"raw_request,omitempty"`
	Ratio      string          `json:"aspect_ratio,omitempty"`
	Prompts    []prompt.Prompt `json:"prompts"`
	Results    []Result        `json:"results"`
	Summary    *Summary        `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Orchestrator owns one workspace's run state. A new run is rejected with
// ErrBusy until the current one reaches Idle or Done.
type Orchestrator struct {
	style   StyleResolver
	prompts scenes.Synthesizer
	images  ImageSynthesizer
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	mode       Mode
	styleDesc  string
	rawRequest string
	ratio      imagegen.AspectRatio
	list       []prompt.Prompt
	results    []Result
	lastErr    error
	done       chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int
}

func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		style:     opts.Style,
		prompts:   opts.Prompts,
		images:    opts.Images,
		logger:    logger,
		observers: make(map[int]func(Event)),
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run executes a whole run on the calling goroutine and returns its summary.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Summary, error) {
	if err := o.begin(req); err != nil {
		return Summary{}, err
	}
	return o.execute(ctx, req)
}

// Start begins a run in the background. Busy and configuration errors are
// returned synchronously; everything else is reported through Wait and events.
func (o *Orchestrator) Start(ctx context.Context, req Request) error {
	if err := o.begin(req); err != nil {
		return err
	}
	go func() {
		_, _ = o.execute(ctx, req)
	}()
	return nil
}

// Wait blocks until the current run, if any, is no longer busy.
func (o *Orchestrator) Wait(ctx context.Context) (Summary, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return summarize(o.results), o.lastErr
}

func (o *Orchestrator) checkConfig(req Request) error {
	if o.images == nil {
		return newError(KindConfiguration, "No image provider is configured. Set GEMINI_API_KEY and restart.", nil)
	}
	if req.Mode != ModeCustom && o.prompts == nil {
		return newError(KindConfiguration, "No text model is configured for script mode.", nil)
	}
	if req.Reference != nil && len(req.Reference.Data) > 0 && o.style == nil {
		return newError(KindConfiguration, "No style analyzer is configured for reference images.", nil)
	}
	return nil
}

func (o *Orchestrator) begin(req Request) error {
	if err := o.checkConfig(req); err != nil {
		return err
	}

	o.mu.Lock()
	next, err := Next(o.state, Begin)
	if err != nil {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = next
	o.mode = req.Mode
	o.styleDesc = ""
	o.rawRequest = ""
	o.ratio = req.AspectRatio
	o.list = nil
	o.results = nil
	o.lastErr = nil
	o.done = make(chan struct{})
	o.mu.Unlock()

	o.publish(Event{Kind: EventState, State: next})
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (Summary, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	defer close(done)

	list, ratio, err := o.acquire(ctx, req)
	if err != nil {
		o.abort(err)
		return Summary{}, err
	}

	o.mu.Lock()
	next, _ := Next(o.state, PromptsReady)
	o.state = next
	o.list = list
	o.ratio = ratio
	o.results = make([]Result, 0, len(list))
	o.mu.Unlock()

	o.publish(Event{Kind: EventState, State: next})
	o.publish(Event{Kind: EventPrompts, State: next, Prompts: list})

	items := make([]item, len(list))
	for i, p := range list {
		items[i] = item{index: -1, prompt: p}
	}
	o.generate(ctx, items, ratio)
	return o.finish(), nil
}

// acquire validates the request, resolves the style and obtains the ordered
// prompt list. Every error it returns is an *Error.
func (o *Orchestrator) acquire(ctx context.Context, req Request) ([]prompt.Prompt, imagegen.AspectRatio, error) {
	ratio, err := imagegen.ParseAspectRatio(string(req.AspectRatio))
	if err != nil {
		return nil, "", newError(KindInputValidation,
			fmt.Sprintf("Unsupported aspect ratio %q.", req.AspectRatio), err)
	}

	var custom []prompt.Prompt
	switch req.Mode {
	case ModeCustom:
		if strings.TrimSpace(req.CustomPrompts) == "" {
			return nil, "", newError(KindInputValidation, "Enter at least one numbered prompt.", nil)
		}
		if err := prompt.Validate(req.CustomPrompts); err != nil {
			return nil, "", newError(KindInputValidation,
				"A prompt number is too large. Number prompts 1, 2, 3 and so on.", err)
		}
		custom = prompt.Parse(req.CustomPrompts)
		if len(custom) == 0 {
			return nil, "", newError(KindInputValidation,
				`No valid prompts found. Start each prompt with its number, like "1. A harbour at dawn".`, nil)
		}
	default:
		if strings.TrimSpace(req.Script) == "" {
			return nil, "", newError(KindInputValidation, "Enter a script or upload a document.", nil)
		}
	}

	hasRef := req.Reference != nil && len(req.Reference.Data) > 0
	if hasRef && !style.IsImage(req.Reference.MimeType) {
		return nil, "", newError(KindInputValidation, "The style reference must be an image file.", style.ErrNotImage)
	}

	desc := strings.TrimSpace(req.StyleKeywords)
	if o.style != nil {
		var ref *style.Reference
		if hasRef {
			ref = req.Reference
		}
		desc, err = o.style.Resolve(ctx, ref, req.StyleKeywords)
		if err != nil {
			if errors.Is(err, style.ErrNotImage) {
				return nil, "", newError(KindInputValidation, "The style reference must be an image file.", err)
			}
			return nil, "", newError(KindStyleAnalysis,
				"Could not analyze the reference image: "+describe(err)+".", err)
		}
	}

	o.mu.Lock()
	o.styleDesc = desc
	o.mu.Unlock()

	if req.Mode == ModeCustom {
		return withStyle(custom, desc), ratio, nil
	}

	res, err := o.prompts.Synthesize(ctx, scenes.Request{Script: req.Script, Style: desc, Niche: req.Niche})
	o.mu.Lock()
	o.rawRequest = res.RawRequest
	o.mu.Unlock()
	if err != nil {
		return nil, "", newError(KindPromptSynthesis, "Prompt generation failed: "+describe(err)+".", err)
	}
	if len(res.Prompts) == 0 {
		return nil, "", newError(KindPromptSynthesis, "Prompt generation returned no prompts; try again or expand the script.", nil)
	}
	return res.Prompts, ratio, nil
}

// withStyle appends the style descriptor to hand-written prompts. Script mode
// already passes it to the text model.
func withStyle(list []prompt.Prompt, desc string) []prompt.Prompt {
	if desc == "" {
		return list
	}
	out := make([]prompt.Prompt, len(list))
	for i, p := range list {
		out[i] = prompt.Prompt{ID: p.ID, Text: p.Text + "\nStyle: " + desc}
	}
	return out
}

func (o *Orchestrator) abort(err error) {
	o.mu.Lock()
	next, _ := Next(o.state, Abort)
	o.state = next
	o.lastErr = err
	o.mu.Unlock()

	o.logger.Warn("run aborted", "kind", KindOf(err).String(), "err", err)
	o.publish(Event{Kind: EventError, State: next, Message: err.Error()})
	o.publish(Event{Kind: EventState, State: next})
}

type item struct {
	// index into results to replace, or -1 to append
	index  int
	prompt prompt.Prompt
}

func (o *Orchestrator) generate(ctx context.Context, items []item, ratio imagegen.AspectRatio) {
	total := len(items)
	for i, it := range items {
		o.publish(Event{
			Kind:    EventProgress,
			State:   SynthesizingImages,
			Message: fmt.Sprintf("Generating image %d of %d", i+1, total),
			Index:   i + 1,
			Total:   total,
		})

		res := Result{ID: it.prompt.ID, Prompt: it.prompt.Text}
		img, engine, err := o.images.Synthesize(ctx, it.prompt.Text, ratio)
		if err != nil {
			res.Error = sentence(describe(err))
			o.logger.Warn("image generation failed", "id", it.prompt.ID, "err", err)
		} else {
			res.Image = img.Data
			res.MimeType = img.MimeType
			res.Engine = engine
			o.logger.Info("image generated", "id", it.prompt.ID, "engine", engine.String(), "bytes", len(img.Data))
		}

		o.mu.Lock()
		if it.index >= 0 && it.index < len(o.results) {
			o.results[it.index] = res
		} else {
			o.results = append(o.results, res)
		}
		o.mu.Unlock()

		r := res
		o.publish(Event{Kind: EventResult, State: SynthesizingImages, Index: i + 1, Total: total, Result: &r})
	}
}

func (o *Orchestrator) finish() Summary {
	o.mu.Lock()
	next, _ := Next(o.state, Finish)
	o.state = next
	summary := summarize(o.results)
	o.mu.Unlock()

	o.logger.Info("run finished", "total", summary.Total, "succeeded", summary.Succeeded)
	o.publish(Event{Kind: EventState, State: next})
	o.publish(Event{Kind: EventDone, State: next, Message: summary.Message(), Summary: &summary})
	return summary
}

// RetryFailed regenerates the failed results of a finished run in place.
// An empty ratio keeps the run's ratio. It returns the regenerated results in
// id order alongside the summary of the whole run.
func (o *Orchestrator) RetryFailed(ctx context.Context, ratio imagegen.AspectRatio) (Summary, []Result, error) {
	if ratio != "" {
		if _, err := imagegen.ParseAspectRatio(string(ratio)); err != nil {
			return Summary{}, nil, newError(KindInputValidation, fmt.Sprintf("Unsupported aspect ratio %q.", ratio), err)
		}
	}

	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return Summary{}, nil, ErrBusy
	}
	var items []item
	for i, r := range o.results {
		if !r.OK() {
			items = append(items, item{index: i, prompt: o.list[i]})
		}
	}
	if o.state != Done || len(items) == 0 {
		o.mu.Unlock()
		return Summary{}, nil, newError(KindInputValidation, "There are no failed images to retry.", nil)
	}
	next, err := Next(o.state, Retry)
	if err != nil {
		o.mu.Unlock()
		return Summary{}, nil, err
	}
	o.state = next
	if ratio != "" {
		o.ratio = ratio
	}
	ratio = o.ratio
	done := make(chan struct{})
	o.done = done
	o.mu.Unlock()
	defer close(done)

	o.publish(Event{Kind: EventState, State: next})
	o.generate(ctx, items, ratio)

	o.mu.Lock()
	retried := make([]Result, 0, len(items))
	for _, it := range items {
		retried = append(retried, o.results[it.index])
	}
	o.mu.Unlock()

	return o.finish(), retried, nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		State:      o.state,
		Mode:       o.mode,
		Style:      o.styleDesc,
		RawRequest: o.rawRequest,
		Ratio:      string(o.ratio),
		Prompts:    append([]prompt.Prompt(nil), o.list...),
		Results:    append([]Result(nil), o.results...),
	}
	if o.state == Done {
		s := summarize(o.results)
		snap.Summary = &s
	}
	if o.lastErr != nil {
		snap.Error = o.lastErr.Error()
	}
	return snap
}

// Results returns a copy of the results so far.
func (o *Orchestrator) Results() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Result(nil), o.results...)
}

// Failed returns the prompts whose image failed, in id order.
func (o *Orchestrator) Failed() []prompt.Prompt {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []prompt.Prompt
	for i, r := range o.results {
		if !r.OK() && i < len(o.list) {
			out = append(out, o.list[i])
		}
	}
	return out
}

// Reset drops a finished or aborted run.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.state.Busy() {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = Idle
	o.mode = ""
	o.styleDesc = ""
	o.rawRequest = ""
	o.list = nil
	o.results = nil
	o.lastErr = nil
	o.mu.Unlock()

	o.publish(Event{Kind: EventState, State: Idle})
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
