package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/scened/internal/eventbus"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(e eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) ofType(t eventbus.EventType) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestSplitEntityID(t *testing.T) {
	tests := []struct {
		id      string
		domain  string
		object  string
		wantErr bool
	}{
		{id: "light.kitchen", domain: "light", object: "kitchen"},
		{id: "media_player.living_room", domain: "media_player", object: "living_room"},
		{id: "light", wantErr: true},
		{id: ".kitchen", wantErr: true},
		{id: "light.", wantErr: true},
		{id: "Light.Kitchen", wantErr: true},
		{id: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			domain, object, err := SplitEntityID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntityID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.domain, domain)
			assert.Equal(t, tt.object, object)
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "living_room_lamp", Slugify("Living Room Lamp"))
	assert.Equal(t, "hue_go_2", Slugify("  Hue-Go #2 "))
	assert.Equal(t, "unnamed", Slugify("!!!"))
}

func TestStateMachine_SetKeepsLastChangedForSameState(t *testing.T) {
	pub := &capturePublisher{}
	m := NewStateMachine(pub)

	first, err := m.Set("light.test", StateOn, map[string]any{"brightness": 10})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	second, err := m.Set("light.test", StateOn, map[string]any{"brightness": 20})
	require.NoError(t, err)

	assert.Equal(t, first.LastChanged, second.LastChanged)
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
	assert.Len(t, pub.ofType(eventbus.EventTypeStateChanged), 2)
}

func TestStateMachine_IdenticalWriteIsNoop(t *testing.T) {
	pub := &capturePublisher{}
	m := NewStateMachine(pub)

	_, err := m.Set("light.test", StateOff, nil)
	require.NoError(t, err)
	_, err = m.Set("light.test", StateOff, nil)
	require.NoError(t, err)

	assert.Len(t, pub.ofType(eventbus.EventTypeStateChanged), 1)
}

func TestStateMachine_GetReturnsCopy(t *testing.T) {
	m := NewStateMachine(nil)
	_, err := m.Set("switch.fan", StateOn, map[string]any{"speed": "low"})
	require.NoError(t, err)

	s, ok := m.Get("switch.fan")
	require.True(t, ok)
	s.Attributes["speed"] = "high"

	again, _ := m.Get("switch.fan")
	assert.Equal(t, "low", again.Attributes["speed"])
}

func TestStateMachine_RejectsInvalidID(t *testing.T) {
	m := NewStateMachine(nil)
	_, err := m.Set("not-an-entity", StateOn, nil)
	assert.ErrorIs(t, err, ErrInvalidEntityID)
}

func TestStateMachine_RemoveAndList(t *testing.T) {
	pub := &capturePublisher{}
	m := NewStateMachine(pub)
	for _, id := range []string{"light.b", "light.a", "switch.c"} {
		_, err := m.Set(id, StateOff, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"light.a", "light.b"}, m.EntityIDs("light"))
	assert.Equal(t, []string{"light.a", "light.b", "switch.c"}, m.EntityIDs(""))

	assert.True(t, m.Remove("light.a"))
	assert.False(t, m.Remove("light.a"))

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "light.b", all[0].EntityID)

	events := pub.ofType(eventbus.EventTypeStateChanged)
	oldState, newState := StatesFromEvent(events[len(events)-1])
	assert.Equal(t, "light.a", oldState.EntityID)
	assert.Nil(t, newState)
}

func TestServiceRegistry_UnknownService(t *testing.T) {
	r := NewServiceRegistry(nil, nil, time.Second, 10)
	defer r.Close(context.Background())

	err := r.Call(context.Background(), "light", "turn_on", nil, true)
	assert.ErrorIs(t, err, ErrServiceNotFound)

	err = r.Call(context.Background(), "light", "turn_on", nil, false)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestServiceRegistry_BlockingReturnsHandlerError(t *testing.T) {
	r := NewServiceRegistry(nil, nil, time.Second, 10)
	defer r.Close(context.Background())

	boom := errors.New("bridge offline")
	r.Register("light", "turn_on", func(ctx context.Context, call *ServiceCall) error { return boom })

	err := r.Call(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.a"}, true)
	assert.ErrorIs(t, err, boom)
}

func TestServiceRegistry_NonBlockingPreservesOrder(t *testing.T) {
	r := NewServiceRegistry(nil, nil, time.Second, 10)

	var mu sync.Mutex
	var order []string
	handler := func(ctx context.Context, call *ServiceCall) error {
		mu.Lock()
		order = append(order, call.Service)
		mu.Unlock()
		return nil
	}
	r.Register("light", "turn_on", handler)
	r.Register("light", "turn_off", handler)
	r.Register("light", "toggle", handler)

	for _, svc := range []string{"turn_off", "turn_on", "toggle", "turn_on"} {
		require.NoError(t, r.Call(context.Background(), "light", svc, nil, false))
	}

	r.Close(context.Background())
	assert.Equal(t, []string{"turn_off", "turn_on", "toggle", "turn_on"}, order)
}

func TestServiceRegistry_ClosedRejectsAsync(t *testing.T) {
	r := NewServiceRegistry(nil, nil, time.Second, 10)
	r.Register("light", "turn_on", func(ctx context.Context, call *ServiceCall) error { return nil })
	r.Close(context.Background())

	err := r.Call(context.Background(), "light", "turn_on", nil, false)
	assert.ErrorIs(t, err, ErrBusUnavailable)
}

func TestServiceRegistry_RejectedCallsAreNotAnnounced(t *testing.T) {
	pub := &capturePublisher{}
	r := NewServiceRegistry(pub, nil, time.Second, 1)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	r.Register("light", "turn_on", func(ctx context.Context, call *ServiceCall) error {
		started <- struct{}{}
		<-release
		return nil
	})

	// First call occupies the worker, second fills the queue
	require.NoError(t, r.Call(context.Background(), "light", "turn_on", nil, false))
	<-started
	require.NoError(t, r.Call(context.Background(), "light", "turn_on", nil, false))

	err := r.Call(context.Background(), "light", "turn_on", nil, false)
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.Len(t, pub.ofType(eventbus.EventTypeCallService), 2)

	close(release)
	r.Close(context.Background())

	err = r.Call(context.Background(), "light", "turn_on", nil, false)
	assert.ErrorIs(t, err, ErrBusUnavailable)
	assert.Len(t, pub.ofType(eventbus.EventTypeCallService), 2)
}

type recorderFunc func(call *ServiceCall, blocking bool, err error)

func (f recorderFunc) RecordCall(call *ServiceCall, blocking bool, err error) { f(call, blocking, err) }

func TestServiceRegistry_RecordsAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	var recorded []*ServiceCall
	rec := recorderFunc(func(call *ServiceCall, blocking bool, err error) {
		recorded = append(recorded, call)
		assert.True(t, blocking)
		assert.NoError(t, err)
	})

	r := NewServiceRegistry(pub, rec, time.Second, 10)
	defer r.Close(context.Background())
	r.Register("Switch", "Turn_On", func(ctx context.Context, call *ServiceCall) error { return nil })

	require.True(t, r.Has("switch", "turn_on"))
	require.NoError(t, r.Call(context.Background(), "switch", "turn_on", map[string]any{"entity_id": "switch.a"}, true))

	require.Len(t, recorded, 1)
	assert.NotEmpty(t, recorded[0].ContextID)
	assert.Equal(t, []string{"switch.a"}, recorded[0].EntityIDs())

	events := pub.ofType(eventbus.EventTypeCallService)
	require.Len(t, events, 1)
	assert.Equal(t, "switch", events[0].Data["domain"])
	assert.Equal(t, map[string][]string{"switch": {"turn_on"}}, r.Services())
}

func TestServiceRegistry_PanicBecomesError(t *testing.T) {
	r := NewServiceRegistry(nil, nil, time.Second, 10)
	defer r.Close(context.Background())
	r.Register("light", "turn_on", func(ctx context.Context, call *ServiceCall) error { panic("nil bridge") })

	err := r.Call(context.Background(), "light", "turn_on", nil, true)
	assert.Error(t, err)
}

func TestEntityIDsFromData(t *testing.T) {
	assert.Nil(t, EntityIDsFromData(map[string]any{}))
	assert.Equal(t, []string{"light.a", "light.b"}, EntityIDsFromData(map[string]any{"entity_id": "light.a, Light.B"}))
	assert.Equal(t, []string{"light.a"}, EntityIDsFromData(map[string]any{"entity_id": []any{"light.a", 3}}))
	assert.Equal(t, []string{"light.c"}, EntityIDsFromData(map[string]any{"entity_id": []string{"light.c"}}))

	stripped := WithoutEntityID(map[string]any{"entity_id": "light.a", "brightness": 5})
	assert.Equal(t, map[string]any{"brightness": 5}, stripped)
}
