package storage

import (
	"github.com/dokzlo13/scened/internal/core"
)

// RestoreStore keeps the last known state of entities that restore themselves on startup.
type RestoreStore struct {
	states *TypedStore[core.State]
}

// NewRestoreStore creates a restore store on top of the generic store.
func NewRestoreStore(store *Store) *RestoreStore {
	return &RestoreStore{states: NewTypedStore[core.State](store, KindRestoreState)}
}

// LastState returns the saved state, or nil if the entity was never saved.
func (r *RestoreStore) LastState(entityID string) (*core.State, error) {
	s, version, err := r.states.Get(entityID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}
	return &s, nil
}

// Save persists the given state.
func (r *RestoreStore) Save(s *core.State) error {
	return r.states.Set(s.EntityID, *s)
}
