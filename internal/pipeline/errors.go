package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"

	"storyboard-studio/internal/imagegen"
	"storyboard-studio/internal/scenes"
)

// ErrBusy rejects a run while another one is in flight.
var ErrBusy = errors.New("a generation run is already in progress")

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindInputValidation
	KindStyleAnalysis
	KindPromptSynthesis
	KindImageGeneration
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInputValidation:
		return "input_validation"
	case KindStyleAnalysis:
		return "style_analysis"
	case KindPromptSynthesis:
		return "prompt_synthesis"
	case KindImageGeneration:
		return "image_generation"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline failure. Message is safe to show to users;
// Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// describe summarises a provider failure in a short phrase for users. The
// full error is kept in Err and in the logs.
func describe(err error) string {
	var (
		fallback *imagegen.FallbackError
		empty    *scenes.EmptyResponseError
		status   interface{ HTTPStatus() int }
		oaiErr   *openai.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fallback):
		return fmt.Sprintf("%s blocked the prompt on safety grounds. %s also failed: %s",
			fallback.Primary, fallback.Secondary, describe(fallback.SecondaryErr))
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	case errors.As(err, &empty):
		return empty.Error()
	case errors.Is(err, scenes.ErrMalformedResponse):
		return "the text model answered in an unexpected format"
	case imagegen.ClassifyFailure(err.Error()) == imagegen.FailureSafetyBlocked:
		return "the provider refused the prompt on safety grounds"
	case errors.As(err, &status):
		return statusPhrase(status.HTTPStatus())
	case errors.As(err, &oaiErr):
		return statusPhrase(oaiErr.StatusCode)
	case isQuotaMessage(err.Error()):
		return "the provider quota or rate limit was reached"
	case strings.Contains(strings.ToLower(err.Error()), "no image"):
		return "the provider returned no image"
	default:
		return "the provider request failed"
	}
}

func statusPhrase(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "the provider quota or rate limit was reached"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "the provider rejected the API credentials"
	case code >= 500:
		return fmt.Sprintf("the provider is temporarily unavailable (HTTP %d)", code)
	default:
		return fmt.Sprintf("the provider rejected the request (HTTP %d)", code)
	}
}

func isQuotaMessage(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "quota") ||
		strings.Contains(m, "rate limit") ||
		strings.Contains(m, "resource_exhausted")
}

// sentence capitalises a phrase and ends it with a period.
func sentence(phrase string) string {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return ""
	}
	phrase = strings.ToUpper(phrase[:1]) + phrase[1:]
	if !strings.HasSuffix(phrase, ".") {
		phrase += "."
	}
	return phrase
}
