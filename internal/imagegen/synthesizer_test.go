package imagegen

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	prompt string
	ratio  AspectRatio
}

type fakeProvider struct {
	name  string
	img   Image
	err   error
	calls []call
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(_ context.Context, prompt string, ratio AspectRatio) (Image, error) {
	f.calls = append(f.calls, call{prompt: prompt, ratio: ratio})
	if f.err != nil {
		return Image{}, f.err
	}
	return f.img, nil
}

func TestSynthesize_PrimarySuccessNeverTouchesSecondary(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", img: Image{Data: []byte("png"), MimeType: "image/png"}}
	secondary := &fakeProvider{name: "OpenAI", img: Image{Data: []byte("other")}}
	s, err := New(Options{Primary: primary, Secondary: secondary})
	require.NoError(t, err)

	img, engine, err := s.Synthesize(context.Background(), "a lighthouse", AspectWide)
	require.NoError(t, err)
	assert.Equal(t, EnginePrimary, engine)
	assert.Equal(t, []byte("png"), img.Data)
	assert.Empty(t, secondary.calls)
}

func TestSynthesize_SafetyBlockFallsBack(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", err: errors.New("gemini returned no image (finish reason IMAGE_SAFETY)")}
	secondary := &fakeProvider{name: "OpenAI", img: Image{Data: []byte("jpeg")}}
	s, err := New(Options{Primary: primary, Secondary: secondary})
	require.NoError(t, err)

	img, engine, err := s.Synthesize(context.Background(), "a battle scene", AspectTall)
	require.NoError(t, err)
	assert.Equal(t, EngineSecondary, engine)
	assert.Equal(t, "image/png", img.MimeType)
	require.Len(t, secondary.calls, 1)
	assert.Equal(t, primary.calls, secondary.calls)
}

func TestSynthesize_SecondaryAlsoFails(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", err: errors.New("request blocked by safety filters")}
	secondary := &fakeProvider{name: "OpenAI", err: errors.New("rate limited")}
	s, err := New(Options{Primary: primary, Secondary: secondary})
	require.NoError(t, err)

	_, engine, err := s.Synthesize(context.Background(), "p", AspectSquare)
	require.Error(t, err)
	assert.Equal(t, EngineNone, engine)
	assert.Equal(t, "Gemini blocked the prompt on safety grounds. OpenAI also failed: rate limited", err.Error())

	var fe *FallbackError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, secondary.err)
}

func TestSynthesize_NonSafetyErrorIsFinal(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", err: errors.New("gemini API 503 Service Unavailable: overloaded")}
	secondary := &fakeProvider{name: "OpenAI", img: Image{Data: []byte("x")}}
	s, err := New(Options{Primary: primary, Secondary: secondary})
	require.NoError(t, err)

	_, _, err = s.Synthesize(context.Background(), "p", AspectSquare)
	require.EqualError(t, err, "gemini API 503 Service Unavailable: overloaded")
	assert.Empty(t, secondary.calls)
}

func TestSynthesize_PermissionDeniedIsFinal(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", err: errors.New("gemini API 403 Forbidden: GenerateContent are blocked.")}
	secondary := &fakeProvider{name: "OpenAI", img: Image{Data: []byte("x")}}
	s, err := New(Options{Primary: primary, Secondary: secondary})
	require.NoError(t, err)

	_, engine, err := s.Synthesize(context.Background(), "p", AspectSquare)
	require.Error(t, err)
	assert.Equal(t, EngineNone, engine)
	assert.Empty(t, secondary.calls)

	var fe *FallbackError
	assert.False(t, errors.As(err, &fe))
}

func TestSynthesize_SafetyBlockWithoutSecondary(t *testing.T) {
	primary := &fakeProvider{name: "Gemini", err: errors.New("PROHIBITED_CONTENT")}
	s, err := New(Options{Primary: primary})
	require.NoError(t, err)
	assert.False(t, s.HasSecondary())

	_, _, err = s.Synthesize(context.Background(), "p", AspectSquare)
	require.EqualError(t, err, "PROHIBITED_CONTENT")
}

func TestSynthesize_EmptyImageIsAnError(t *testing.T) {
	primary := &fakeProvider{name: "Gemini"}
	s, err := New(Options{Primary: primary})
	require.NoError(t, err)

	_, _, err = s.Synthesize(context.Background(), "p", AspectSquare)
	require.EqualError(t, err, "Gemini returned no image data")
}

func TestNew_RequiresPrimary(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoPrimary)
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure("Your request was rejected as a result of our safety system"))
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure(`{"code":"content_policy_violation"}`))
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure("finish reason PROHIBITED_CONTENT"))
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure("gemini returned no image (block reason SAFETY)"))
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure("gemini returned no image (finish reason IMAGE_SAFETY)"))
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure("block reason BLOCKLIST"))
	assert.Equal(t, FailureSafetyBlocked, ClassifyFailure(`{"code":"moderation_blocked"}`))

	assert.Equal(t, FailureOther, ClassifyFailure(`gemini API 403 Forbidden: {"error":{"code":403,"message":"Requests to this API generativelanguage.googleapis.com method google.ai.generativelanguage.v1beta.GenerativeService.GenerateContent are blocked.","status":"PERMISSION_DENIED"}}`))
	assert.Equal(t, FailureOther, ClassifyFailure("gemini returned no image (block reason OTHER)"))
	assert.Equal(t, FailureOther, ClassifyFailure("prompt blocked: OTHER"))
	assert.Equal(t, FailureOther, ClassifyFailure("context deadline exceeded"))
	assert.Equal(t, FailureOther, ClassifyFailure(""))
}

func TestParseAspectRatio(t *testing.T) {
	r, err := ParseAspectRatio("")
	require.NoError(t, err)
	assert.Equal(t, AspectSquare, r)

	r, err = ParseAspectRatio(" 9:16 ")
	require.NoError(t, err)
	assert.Equal(t, AspectTall, r)

	_, err = ParseAspectRatio("21:9")
	require.ErrorIs(t, err, ErrInvalidAspectRatio)
}
