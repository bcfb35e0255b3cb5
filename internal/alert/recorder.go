// ABOUTME: Recording Sink used by tests to count alert invocations
// ABOUTME: Safe for concurrent use

package alert

import (
	"context"
	"sync"
)

// Call is one recorded Notify.
type Call struct {
	AgentID    string
	Transition Transition
}

// Recorder is a Sink that remembers every call.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	err   error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Name() string { return "recorder" }

// FailWith makes subsequent Notify calls return err after recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Notify implements Sink.
func (r *Recorder) Notify(ctx context.Context, agentID string, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{AgentID: agentID, Transition: t})
	return r.err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns the number of recorded calls.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
