package homeassistant

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/scened/internal/core"
)

type recorded struct {
	domain string
	ids    []string
	data   map[string]any
}

func setup(t *testing.T) (*core.StateMachine, *core.ServiceRegistry, *[]recorded) {
	t.Helper()

	states := core.NewStateMachine(nil)
	services := core.NewServiceRegistry(nil, nil, 0, 0)
	t.Cleanup(func() { services.Close(context.Background()) })

	var mu sync.Mutex
	var calls []recorded
	for _, domain := range []string{"light", "switch"} {
		domain := domain
		services.Register(domain, core.ServiceTurnOn, func(ctx context.Context, call *core.ServiceCall) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, recorded{domain: domain, ids: call.EntityIDs(), data: core.WithoutEntityID(call.Data)})
			return nil
		})
	}

	Setup(states, services)
	return states, services, &calls
}

func TestExpandEntityIDs(t *testing.T) {
	states := core.NewStateMachine(nil)
	set := func(id string, members ...string) {
		_, err := states.Set(id, core.StateOn, map[string]any{core.AttrEntityID: members})
		require.NoError(t, err)
	}
	set("group.downstairs", "light.kitchen", "group.living")
	set("group.living", "light.sofa", "light.kitchen", "group.downstairs")

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"plain ids", []string{"light.a", "switch.b"}, []string{"light.a", "switch.b"}},
		{"dedupe", []string{"light.a", "light.a"}, []string{"light.a"}},
		{"nested with cycle", []string{"group.downstairs"}, []string{"light.kitchen", "light.sofa"}},
		{"unknown group dropped", []string{"group.nope", "light.a"}, []string{"light.a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEntityIDs(states, tt.in))
		})
	}
}

func TestExpandEntityIDs_RestoredMembers(t *testing.T) {
	states := core.NewStateMachine(nil)
	_, err := states.Set("group.g", core.StateOff, map[string]any{core.AttrEntityID: []any{"light.x", "light.y"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"light.x", "light.y"}, ExpandEntityIDs(states, []string{"group.g"}))
}

func TestTurnOn_FansOutByDomain(t *testing.T) {
	states, services, calls := setup(t)
	_, err := states.Set("group.all", core.StateOff, map[string]any{
		core.AttrEntityID: []string{"light.a", "switch.fan", "light.b", "cover.garage"},
	})
	require.NoError(t, err)

	err = services.Call(context.Background(), core.DomainHomeAssistant, core.ServiceTurnOn, map[string]any{
		core.AttrEntityID: []string{"group.all"},
		"brightness":      100,
	}, true)
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	assert.Equal(t, "light", (*calls)[0].domain)
	assert.Equal(t, []string{"light.a", "light.b"}, (*calls)[0].ids)
	assert.Equal(t, map[string]any{"brightness": 100}, (*calls)[0].data)
	assert.Equal(t, "switch", (*calls)[1].domain)
	assert.Equal(t, []string{"switch.fan"}, (*calls)[1].ids)
}

func TestTurnOff_SkipsDomainsWithoutService(t *testing.T) {
	_, services, calls := setup(t)

	err := services.Call(context.Background(), core.DomainHomeAssistant, core.ServiceTurnOff, map[string]any{
		core.AttrEntityID: "light.a",
	}, true)
	assert.NoError(t, err)
	assert.Empty(t, *calls)
}
