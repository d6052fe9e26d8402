package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/eventbus"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeTransport struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]MessageHandler
}

func (f *fakeTransport) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, payload, retained})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]MessageHandler{}
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return published{}, false
}

type mockServices struct {
	mock.Mock
}

func (m *mockServices) Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error {
	return m.Called(domain, service, data, blocking).Error(0)
}

func TestBridge_PublishesStateChanges(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	transport := &fakeTransport{}
	bridge := NewBridge(transport, &mockServices{}, "home/")
	require.NoError(t, bridge.Start(bus))

	states := core.NewStateMachine(bus)
	_, err := states.Set("light.desk", core.StateOn, map[string]any{"brightness": 10})
	require.NoError(t, err)

	var msg published
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = transport.last("home/state/light.desk")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, msg.retained)
	var st core.State
	require.NoError(t, json.Unmarshal(msg.payload, &st))
	assert.Equal(t, core.StateOn, st.State)
	assert.Equal(t, float64(10), st.Attributes["brightness"])

	states.Remove("light.desk")
	require.Eventually(t, func() bool {
		m, ok := transport.last("home/state/light.desk")
		return ok && len(m.payload) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridge_ServiceMessages(t *testing.T) {
	transport := &fakeTransport{}
	services := &mockServices{}
	services.On("Call", "light", "turn_on", map[string]any{"entity_id": "light.desk", "brightness": float64(80)}, false).Return(nil).Once()
	services.On("Call", "switch", "toggle", map[string]any{}, false).Return(nil).Once()

	bridge := NewBridge(transport, services, "home")
	require.NoError(t, bridge.Start(eventbus.New()))

	handler, ok := transport.handlers["home/service/+/+"]
	require.True(t, ok)

	handler("home/service/light/turn_on", []byte(`{"entity_id":"light.desk","brightness":80}`))
	handler("home/service/switch/toggle", nil)
	handler("home/service/light/turn_on", []byte(`not json`))
	handler("home/service/light", []byte(`{}`))
	handler("other/service/light/turn_on", []byte(`{}`))

	services.AssertExpectations(t)
	services.AssertNumberOfCalls(t, "Call", 2)
}

func TestBridge_PublishAll(t *testing.T) {
	transport := &fakeTransport{}
	bridge := NewBridge(transport, &mockServices{}, "scened")

	bridge.PublishAll([]*core.State{
		core.NewState("light.a", core.StateOn, nil),
		core.NewState("switch.b", core.StateOff, nil),
	})

	_, ok := transport.last("scened/state/light.a")
	assert.True(t, ok)
	_, ok = transport.last("scened/state/switch.b")
	assert.True(t, ok)
}
