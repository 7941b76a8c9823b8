package display

import (
	"context"
	"sync"
)

// Recorder is a Sink that keeps every update and the resulting view.
type Recorder struct {
	mu      sync.Mutex
	view    View
	updates []Update
}

func NewRecorder() *Recorder {
	return &Recorder{view: InitialView()}
}

func (r *Recorder) Apply(_ context.Context, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	r.view.Apply(u)
	return nil
}

func (r *Recorder) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Clone()
}

func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}
