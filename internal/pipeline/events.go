package pipeline

import "storyboard-studio/internal/prompt"

type EventKind string

const (
	EventState    EventKind = "state"
	EventPrompts  EventKind = "prompts"
	EventProgress EventKind = "progress"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
	EventDone     EventKind = "done"
)

// Event is a state-change notification. Index is 1-based.
type Event struct {
	Kind    EventKind       `json:"kind"`
	State   State           `json:"state"`
	Message string          `json:"message,omitempty"`
	Index   int             `json:"index,omitempty"`
	Total   int             `json:"total,omitempty"`
	Prompts []prompt.Prompt `json:"prompts,omitempty"`
	Result  *Result         `json:"result,omitempty"`
	Summary *Summary        `json:"summary,omitempty"`
}

// Subscribe registers fn for every later event. Observers run on the
// pipeline goroutine and must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) (cancel func()) {
	o.obsMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.obsMu.Unlock()

	return func() {
		o.obsMu.Lock()
		delete(o.observers, id)
		o.obsMu.Unlock()
	}
}

func (o *Orchestrator) publish(ev Event) {
	o.obsMu.Lock()
	fns := make([]func(Event), 0, len(o.observers))
	for _, fn := range o.observers {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
