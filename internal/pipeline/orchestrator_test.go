package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard-studio/internal/gemini"
	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/prompt"
	"storyboard-studio/internal/scenes"
	"storyboard-studio/internal/style"
)

type fakeProvider struct {
	name  string
	fail  map[string]string
	errs  map[string]error
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, p string, ratio imagegen.AspectRatio) (imagegen.Image, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.calls = append(f.calls, p+"|"+string(ratio))
	f.mu.Unlock()
	if msg, ok := f.fail[p]; ok {
		return imagegen.Image{}, errors.New(msg)
	}
	if err, ok := f.errs[p]; ok {
		return imagegen.Image{}, err
	}
	return imagegen.Image{Data: []byte(f.name + ":" + p), MimeType: "image/png"}, nil
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeScenes struct {
	prompts []string
	err     error
	calls   atomic.Int32
	last    scenes.Request
}

func (f *fakeScenes) Synthesize(_ context.Context, req scenes.Request) (scenes.Result, error) {
	f.calls.Add(1)
	f.last = req
	res := scenes.Result{RawRequest: scenes.BuildRequest(req)}
	if f.err != nil {
		return res, f.err
	}
	res.Prompts = prompt.FromTexts(f.prompts)
	return res, nil
}

type fakeAnalyzer struct {
	style string
	err   error
	calls atomic.Int32
}

func (f *fakeAnalyzer) AnalyzeStyle(context.Context, []byte, string) (string, error) {
	f.calls.Add(1)
	return f.style, f.err
}

func newTestOrchestrator(t *testing.T, primary, secondary *fakeProvider, sc *fakeScenes, an *fakeAnalyzer) *Orchestrator {
	t.Helper()

	opts := imagegen.Options{Primary: primary}
	if secondary != nil {
		opts.Secondary = secondary
	}
	images, err := imagegen.New(opts)
	require.NoError(t, err)

	if an == nil {
		an = &fakeAnalyzer{}
	}
	resolver, err := style.NewResolver(style.Options{Analyzer: an})
	require.NoError(t, err)

	return NewOrchestrator(Options{Style: resolver, Prompts: sc, Images: images})
}

func TestRun_ScriptModeFallsBackOnSafetyBlock(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", fail: map[string]string{"P2": "finish reason IMAGE_SAFETY"}}
	secondary := &fakeProvider{name: "OpenAI"}
	sc := &fakeScenes{prompts: []string{"P1", "P2"}}
	o := newTestOrchestrator(t, primary, secondary, sc, nil)

	summary, err := o.Run(context.Background(), Request{Mode: ModeScript, Script: "a script", AspectRatio: imagegen.AspectWide})
	require.NoError(t, err)

	results := o.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].ID)
	assert.Equal(t, imagegen.EnginePrimary, results[0].Engine)
	assert.Equal(t, []byte("Gemini:P1"), results[0].Image)
	assert.Equal(t, 2, results[1].ID)
	assert.Equal(t, imagegen.EngineSecondary, results[1].Engine)
	assert.Equal(t, []byte("OpenAI:P2"), results[1].Image)

	assert.True(t, summary.AllSucceeded())
	assert.Equal(t, "All 2 images succeeded.", summary.Message())
	assert.Equal(t, Done, o.State())
	assert.Equal(t, []string{"P2|16:9"}, secondary.Calls())
	assert.Empty(t, o.Failed())
}

func TestRun_CustomModeWithoutNumberedLines(t *testing.T) {
	primary := &fakeProvider{name: "Gemini"}
	sc := &fakeScenes{}
	an := &fakeAnalyzer{style: "ink"}
	o := newTestOrchestrator(t, primary, nil, sc, an)

	_, err := o.Run(context.Background(), Request{
		Mode:          ModeCustom,
		CustomPrompts: "just some words\nand more",
		Reference:     &style.Reference{Data: []byte("img"), MimeType: "image/png"},
	})
	require.Error(t, err)
	assert.Equal(t, KindInputValidation, KindOf(err))
	assert.Contains(t, err.Error(), "No valid prompts")

	assert.Equal(t, Idle, o.State())
	assert.Empty(t, primary.Calls())
	assert.Zero(t, sc.calls.Load())
	assert.Zero(t, an.calls.Load())
}

func TestRun_InputValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"empty script", Request{Mode: ModeScript, Script: "  "}},
		{"empty custom", Request{Mode: ModeCustom}},
		{"bad ratio", Request{Mode: ModeScript, Script: "s", AspectRatio: "2:1"}},
		{"non-image reference", Request{Mode: ModeScript, Script: "s", Reference: &style.Reference{Data: []byte("%PDF"), MimeType: "application/pdf"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeProvider{name: "Gemini"}
			o := newTestOrchestrator(t, primary, nil, &fakeScenes{prompts: []string{"x"}}, nil)

			_, err := o.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, KindInputValidation, KindOf(err))
			assert.Equal(t, Idle, o.State())
			assert.Empty(t, primary.Calls())
		})
	}
}

func TestRun_StyleAnalysisFailureAborts(t *testing.T) {
	primary := &fakeProvider{name: "Gemini"}
	sc := &fakeScenes{prompts: []string{"x"}}
	o := newTestOrchestrator(t, primary, nil, sc, &fakeAnalyzer{err: errors.New("quota exceeded")})

	_, err := o.Run(context.Background(), Request{
		Mode:      ModeScript,
		Script:    "s",
		Reference: &style.Reference{Data: []byte("img"), MimeType: "image/jpeg"},
	})
	require.Error(t, err)
	assert.Equal(t, KindStyleAnalysis, KindOf(err))
	assert.Equal(t, "Could not analyze the reference image: the provider quota or rate limit was reached.", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "quota exceeded")
	assert.Equal(t, Idle, o.State())
	assert.Zero(t, sc.calls.Load())
	assert.Empty(t, primary.Calls())
}

func TestRun_StyleIsMergedIntoScriptRequest(t *testing.T) {
	sc := &fakeScenes{prompts: []string{"x"}}
	o := newTestOrchestrator(t, &fakeProvider{name: "Gemini"}, nil, sc, &fakeAnalyzer{style: "muted teal, film grain"})

	_, err := o.Run(context.Background(), Request{
		Mode:          ModeScript,
		Script:        "s",
		Niche:         "history",
		StyleKeywords: "moody",
		Reference:     &style.Reference{Data: []byte("img"), MimeType: "image/jpeg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "muted teal, film grain, moody", sc.last.Style)
	assert.Equal(t, "history", sc.last.Niche)

	snap := o.Snapshot()
	assert.Equal(t, "muted teal, film grain, moody", snap.Style)
	assert.Equal(t, scenes.BuildRequest(sc.last), snap.RawRequest)
}

func TestRun_PromptSynthesisFailureAborts(t *testing.T) {
	primary := &fakeProvider{name: "Gemini"}
	sc := &fakeScenes{err: &scenes.EmptyResponseError{Reason: scenes.StopSafety, Raw: "SAFETY"}}
	o := newTestOrchestrator(t, primary, nil, sc, nil)

	_, err := o.Run(context.Background(), Request{Mode: ModeScript, Script: "s"})
	require.Error(t, err)
	assert.Equal(t, KindPromptSynthesis, KindOf(err))
	assert.ErrorIs(t, err, scenes.ErrEmptyResponse)
	assert.Contains(t, err.Error(), "safety")
	assert.Equal(t, Idle, o.State())
	assert.Empty(t, primary.Calls())
	assert.NotEmpty(t, o.Snapshot().RawRequest)
}

func TestRun_ImageFailuresDoNotStopLoop(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", errs: map[string]error{"B": &gemini.APIError{
		StatusCode: 500,
		Status:     "500 Internal Server Error",
		Body:       `{"error":{"code":500,"message":"Internal error encountered.","status":"INTERNAL"}}`,
	}}}
	secondary := &fakeProvider{name: "OpenAI"}
	o := newTestOrchestrator(t, primary, secondary, &fakeScenes{}, nil)

	summary, err := o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "3. C\n1. A\n2. B"})
	require.NoError(t, err)

	results := o.Results()
	require.Len(t, results, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{results[0].ID, results[1].ID, results[2].ID})
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Equal(t, "The provider is temporarily unavailable (HTTP 500).", results[1].Error)
	assert.Nil(t, results[1].Image)
	assert.True(t, results[2].OK())

	assert.Empty(t, secondary.Calls(), "generic failures must not fall back")
	assert.Equal(t, "2 of 3 images succeeded.", summary.Message())
	assert.Equal(t, []prompt.Prompt{{ID: 2, Text: "B"}}, o.Failed())
	assert.Equal(t, []string{"A|1:1", "B|1:1", "C|1:1"}, primary.Calls())
}

func TestRun_FallbackFailureMessage(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", fail: map[string]string{"A": "block reason PROHIBITED_CONTENT"}}
	secondary := &fakeProvider{name: "OpenAI", fail: map[string]string{"A": "rate limited"}}
	o := newTestOrchestrator(t, primary, secondary, &fakeScenes{}, nil)

	summary, err := o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. A"})
	require.NoError(t, err)
	assert.Equal(t, "0 of 1 images succeeded.", summary.Message())
	assert.Equal(t, "Gemini blocked the prompt on safety grounds. OpenAI also failed: the provider quota or rate limit was reached.", o.Results()[0].Error)
}

func TestRun_CustomModeAppendsStyle(t *testing.T) {
	primary := &fakeProvider{name: "Gemini"}
	o := newTestOrchestrator(t, primary, nil, &fakeScenes{}, nil)

	_, err := o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. A", StyleKeywords: "ink wash"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A\nStyle: ink wash|1:1"}, primary.Calls())
}

func TestRun_ProgressEvents(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{name: "Gemini"}, nil, &fakeScenes{prompts: []string{"P1", "P2"}}, nil)

	var (
		mu     sync.Mutex
		events []Event
	)
	cancel := o.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer cancel()

	_, err := o.Run(context.Background(), Request{Mode: ModeScript, Script: "s"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	var progress []string
	var states []State
	for _, ev := range events {
		switch ev.Kind {
		case EventProgress:
			progress = append(progress, ev.Message)
		case EventState:
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []string{"Generating image 1 of 2", "Generating image 2 of 2"}, progress)
	assert.Equal(t, []State{SynthesizingPrompts, SynthesizingImages, Done}, states)

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Kind)
	require.NotNil(t, last.Summary)
	assert.Equal(t, 2, last.Summary.Succeeded)
}

func TestStart_RejectsWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	primary := &fakeProvider{name: "Gemini", gate: gate}
	o := newTestOrchestrator(t, primary, nil, &fakeScenes{}, nil)

	require.NoError(t, o.Start(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. A\n2. B"}))
	assert.True(t, o.State().Busy())

	_, err := o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. C"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, o.Start(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. C"}), ErrBusy)
	_, _, err = o.RetryFailed(context.Background(), "")
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := o.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, Done, o.State())

	// Done accepts a new run.
	_, err = o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. C"})
	require.NoError(t, err)
	require.Len(t, o.Results(), 1)
}

func TestRun_ConfigurationError(t *testing.T) {
	o := NewOrchestrator(Options{})
	_, err := o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. A"})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, Idle, o.State())
}

func TestRetryFailed(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", fail: map[string]string{"B": "deadline exceeded"}}
	o := newTestOrchestrator(t, primary, nil, &fakeScenes{}, nil)

	_, _, err := o.RetryFailed(context.Background(), "")
	assert.Equal(t, KindInputValidation, KindOf(err))

	_, err = o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. A\n2. B\n3. C", AspectRatio: imagegen.AspectTall})
	require.NoError(t, err)
	require.Len(t, o.Failed(), 1)

	primary.mu.Lock()
	primary.fail = nil
	primary.mu.Unlock()

	summary, retried, err := o.RetryFailed(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, summary.AllSucceeded())
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].ID)
	assert.True(t, retried[0].OK())
	assert.Empty(t, o.Failed())

	results := o.Results()
	require.Len(t, results, 3)
	assert.Equal(t, 2, results[1].ID)
	assert.True(t, results[1].OK())

	calls := primary.Calls()
	assert.Equal(t, "B|9:16", calls[len(calls)-1])
	assert.Len(t, calls, 4)
}

func TestSummaryMessage(t *testing.T) {
	assert.Equal(t, "All 1 image succeeded.", Summary{Total: 1, Succeeded: 1}.Message())
	assert.Equal(t, "All 4 images succeeded.", Summary{Total: 4, Succeeded: 4}.Message())
	assert.Equal(t, "3 of 4 images succeeded.", Summary{Total: 4, Succeeded: 3}.Message())
	assert.Equal(t, "No images were generated.", Summary{}.Message())
}

func TestResetRequiresIdleOrDone(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{name: "Gemini"}, nil, &fakeScenes{}, nil)
	_, err := o.Run(context.Background(), Request{Mode: ModeCustom, CustomPrompts: "1. A"})
	require.NoError(t, err)

	require.NoError(t, o.Reset())
	assert.Equal(t, Idle, o.State())
	assert.Empty(t, o.Results())
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&gemini.APIError{StatusCode: 403, Status: "403 Forbidden", Body: `{"error":{"status":"PERMISSION_DENIED"}}`}, "the provider rejected the API credentials"},
		{&gemini.APIError{StatusCode: 400, Status: "400 Bad Request", Body: "{}"}, "the provider rejected the request (HTTP 400)"},
		{fmt.Errorf("gemini generate: %w", context.DeadlineExceeded), "the request timed out"},
		{fmt.Errorf("gemini generate: %w", errors.New(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`)), "the provider quota or rate limit was reached"},
		{errors.New("gemini returned no image (block reason OTHER)"), "the provider returned no image"},
		{errors.New("gemini returned no image (finish reason IMAGE_SAFETY)"), "the provider refused the prompt on safety grounds"},
		{fmt.Errorf("%w: unexpected end of JSON input", scenes.ErrMalformedResponse), "the text model answered in an unexpected format"},
		{errors.New(`decode response: invalid character '<'`), "the provider request failed"},
	}
	for _, tt := range tests {
		got := describe(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
		assert.NotContains(t, got, "{")
	}
	assert.Equal(t, "The request timed out.", sentence(describe(context.DeadlineExceeded)))
}

func TestRun_OversizedPromptNumberIsRejected(t *testing.T) {
	primary := &fakeProvider{name: "Gemini"}
	o := newTestOrchestrator(t, primary, nil, &fakeScenes{}, nil)

	_, err := o.Run(context.Background(), Request{
		Mode:          ModeCustom,
		CustomPrompts: "1. A harbour at dawn\n99999999999999999999. A market at noon",
	})
	require.Error(t, err)
	assert.Equal(t, KindInputValidation, KindOf(err))
	assert.ErrorIs(t, err, prompt.ErrIDOutOfRange)
	assert.Empty(t, primary.Calls())
	assert.Equal(t, Idle, o.State())
}
