// Package core provides the live entity state machine and the service-call bus.
package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Well-known state values
const (
	StateOn          = "on"
	StateOff         = "off"
	StatePlaying     = "playing"
	StatePaused      = "paused"
	StateUnavailable = "unavailable"
)

// Well-known service names
const (
	ServiceTurnOn     = "turn_on"
	ServiceTurnOff    = "turn_off"
	ServiceToggle     = "toggle"
	ServiceMediaPlay  = "media_play"
	ServiceMediaPause = "media_pause"
	ServicePlayMedia  = "play_media"
)

// Well-known attribute names
const (
	AttrEntityID     = "entity_id"
	AttrFriendlyName = "friendly_name"
	AttrAssumedState = "assumed_state"
	AttrMediaType    = "media_type"
	AttrMediaID      = "media_id"
)

// Domains with special handling
const (
	DomainGroup         = "group"
	DomainMediaPlayer   = "media_player"
	DomainHomeAssistant = "homeassistant"
)

// ErrInvalidEntityID is returned for ids not in <domain>.<object_id> form.
var ErrInvalidEntityID = fmt.Errorf("invalid entity id")

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidEntityID reports whether id has the form <domain>.<object_id>.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// SplitEntityID splits an entity id into domain and object id.
func SplitEntityID(id string) (domain, object string, err error) {
	if !ValidEntityID(id) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	domain, object, _ = strings.Cut(id, ".")
	return domain, object, nil
}

// State is a snapshot of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	ContextID   string         `json:"context_id,omitempty"`
}

// NewState builds a state stamped with the current time.
func NewState(entityID, state string, attrs map[string]any) *State {
	now := time.Now().UTC()
	if attrs == nil {
		attrs = map[string]any{}
	}
	return &State{
		EntityID:    strings.ToLower(entityID),
		State:       state,
		Attributes:  attrs,
		LastChanged: now,
		LastUpdated: now,
	}
}

// Domain returns the part of the entity id before the first dot.
func (s *State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// ObjectID returns the part of the entity id after the first dot.
func (s *State) ObjectID() string {
	_, object, _ := strings.Cut(s.EntityID, ".")
	return object
}

// Name returns the friendly name, falling back to the object id.
func (s *State) Name() string {
	if name, ok := s.Attributes[AttrFriendlyName].(string); ok && name != "" {
		return name
	}
	return strings.ReplaceAll(s.ObjectID(), "_", " ")
}

// Copy returns a deep-enough copy: the attribute map is cloned, values are shared.
func (s *State) Copy() *State {
	c := *s
	c.Attributes = make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

func (s *State) String() string {
	return fmt.Sprintf("<state %s=%s; %v @ %s>", s.EntityID, s.State, s.Attributes, s.LastChanged.Format(time.RFC3339))
}

// Slugify turns a friendly name into an object id.
func Slugify(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	if slug == "" {
		return "unnamed"
	}
	return slug
}
