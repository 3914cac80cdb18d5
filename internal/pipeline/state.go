package pipeline

import (
	"errors"
	"fmt"
)

// State is the orchestrator's run state.
type State int

const (
	Idle State = iota
	SynthesizingPrompts
	SynthesizingImages
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SynthesizingPrompts:
		return "synthesizing_prompts"
	case SynthesizingImages:
		return "synthesizing_images"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, SynthesizingPrompts, SynthesizingImages, Done} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Busy reports whether a run is in flight.
func (s State) Busy() bool {
	return s == SynthesizingPrompts || s == SynthesizingImages
}

type Transition int

const (
	// Begin starts a new run.
	Begin Transition = iota
	// PromptsReady moves from prompt acquisition to the image loop.
	PromptsReady
	// Abort returns to Idle after a fatal error during prompt acquisition.
	Abort
	// Finish ends the image loop.
	Finish
	// Retry re-enters the image loop for the failed subset of a finished run.
	Retry
)

func (t Transition) String() string {
	switch t {
	case Begin:
		return "begin"
	case PromptsReady:
		return "prompts_ready"
	case Abort:
		return "abort"
	case Finish:
		return "finish"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

// Next returns the state reached by applying t to s.
func Next(s State, t Transition) (State, error) {
	switch {
	case t == Begin && (s == Idle || s == Done):
		return SynthesizingPrompts, nil
	case t == PromptsReady && s == SynthesizingPrompts:
		return SynthesizingImages, nil
	case t == Abort && s == SynthesizingPrompts:
		return Idle, nil
	case t == Finish && s == SynthesizingImages:
		return Done, nil
	case t == Retry && s == Done:
		return SynthesizingImages, nil
	}
	return s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, s)
}
