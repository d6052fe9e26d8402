package reproduce

import (
	"time"

	"github.com/dokzlo13/scened/internal/core"
)

// StateLister lists every known state.
type StateLister interface {
	All() []*core.State
}

// ChangedSince returns the states updated at or after t.
// t is truncated to whole seconds, so updates within the same second are included.
func ChangedSince(states []*core.State, t time.Time) []*core.State {
	point := t.Truncate(time.Second)

	var out []*core.State
	for _, s := range states {
		if !s.LastUpdated.Before(point) {
			out = append(out, s)
		}
	}
	return out
}

// Tracker records which states change between Start and Stop.
type Tracker struct {
	states StateLister
	now    func() time.Time
	start  time.Time
}

// TrackStates creates a tracker over the given store.
func TrackStates(states StateLister) *Tracker {
	return &Tracker{
		states: states,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start records the point in time from which changes are tracked.
func (t *Tracker) Start() *Tracker {
	t.start = t.now()
	return t
}

// Stop returns every state changed since Start.
func (t *Tracker) Stop() []*core.State {
	return ChangedSince(t.states.All(), t.start)
}
