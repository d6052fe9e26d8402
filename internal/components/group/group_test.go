package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/eventbus"
)

func TestGroup_StateAndAttributes(t *testing.T) {
	states := core.NewStateMachine(nil)
	c := NewComponent(states, nil)

	_, err := states.Set("light.a", core.StateOff, nil)
	require.NoError(t, err)
	_, err = states.Set("light.b", core.StateOn, nil)
	require.NoError(t, err)

	g, err := c.Add("Living Room", "", []string{"light.a", "Light.B", "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "group.living_room", g.EntityID)
	assert.Equal(t, []string{"light.a", "light.b"}, g.Members)

	s, ok := states.Get("group.living_room")
	require.True(t, ok)
	assert.Equal(t, core.StateOn, s.State)
	assert.Equal(t, []string{"light.a", "light.b"}, s.Attributes[core.AttrEntityID])
	assert.Equal(t, "Living Room", s.Attributes[core.AttrFriendlyName])
}

func TestGroup_OffWhenNoMemberOn(t *testing.T) {
	states := core.NewStateMachine(nil)
	c := NewComponent(states, nil)

	g, err := c.Add("empty", "Empty", []string{"light.missing"})
	require.NoError(t, err)
	assert.Equal(t, core.StateOff, c.State(g))
}

func TestGroup_RecomputesOnMemberChange(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	states := core.NewStateMachine(bus)
	c := NewComponent(states, bus)

	_, err := c.Add("kitchen", "Kitchen", []string{"light.kitchen"})
	require.NoError(t, err)
	assert.True(t, states.Is("group.kitchen", core.StateOff))

	_, err = states.Set("light.kitchen", core.StateOn, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return states.Is("group.kitchen", core.StateOn)
	}, 2*time.Second, 10*time.Millisecond)
}
