package publish

import (
	"sync"

	"github.com/dotcommander/loopd/internal/models"
)

// Recorder keeps published events in memory. Used by tests and by the
// sweep command to report what it emitted.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ string, ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of published events in order.
func (r *Recorder) Kinds() []string {
	evs := r.Events()
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}
