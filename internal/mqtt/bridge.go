package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/eventbus"
)

// Transport is the part of the MQTT client the bridge needs
type Transport interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
}

// ServiceCaller dispatches service calls
type ServiceCaller interface {
	Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// Subscriber is the part of the event bus the bridge listens on
type Subscriber interface {
	Subscribe(eventType eventbus.EventType, handler eventbus.Handler)
}

// Bridge publishes state changes and turns service topic messages into calls.
//
// Topics:
//
//	<prefix>/state/<entity_id>          retained JSON state, empty when removed
//	<prefix>/service/<domain>/<service> JSON service data, dispatched non-blocking
type Bridge struct {
	transport Transport
	services  ServiceCaller
	prefix    string
}

// NewBridge creates a bridge under topic prefix
func NewBridge(transport Transport, services ServiceCaller, prefix string) *Bridge {
	return &Bridge{
		transport: transport,
		services:  services,
		prefix:    strings.TrimSuffix(prefix, "/"),
	}
}

// Start subscribes to the service topics and to state changes on bus
func (b *Bridge) Start(bus Subscriber) error {
	if err := b.transport.Subscribe(b.prefix+"/service/+/+", b.handleServiceMessage); err != nil {
		return err
	}
	bus.Subscribe(eventbus.EventTypeStateChanged, b.handleStateChanged)

	log.Info().Str("prefix", b.prefix).Msg("MQTT bridge started")
	return nil
}

// PublishState publishes one state, retained
func (b *Bridge) PublishState(s *core.State) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.transport.Publish(b.stateTopic(s.EntityID), payload, true)
}

// PublishAll publishes every given state, e.g. after connecting
func (b *Bridge) PublishAll(states []*core.State) {
	for _, s := range states {
		if err := b.PublishState(s); err != nil {
			log.Warn().Err(err).Str("entity_id", s.EntityID).Msg("Failed to publish state")
		}
	}
}

func (b *Bridge) stateTopic(entityID string) string {
	return b.prefix + "/state/" + entityID
}

func (b *Bridge) handleStateChanged(e eventbus.Event) {
	entityID, _ := e.Data["entity_id"].(string)
	_, newState := core.StatesFromEvent(e)

	var err error
	if newState == nil {
		// Empty retained payload clears the topic
		err = b.transport.Publish(b.stateTopic(entityID), nil, true)
	} else {
		err = b.PublishState(newState)
	}
	if err != nil {
		log.Warn().Err(err).Str("entity_id", entityID).Msg("Failed to publish state")
	}
}

func (b *Bridge) handleServiceMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/service/")
	if !ok {
		return
	}
	domain, service, ok := strings.Cut(rest, "/")
	if !ok || domain == "" || service == "" {
		log.Warn().Str("topic", topic).Msg("Malformed service topic")
		return
	}

	data := map[string]any{}
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Service payload is not a JSON object")
			return
		}
	}

	if err := b.services.Call(context.Background(), domain, service, data, false); err != nil {
		log.Warn().Err(err).Str("domain", domain).Str("service", service).Msg("MQTT service call rejected")
		return
	}
	log.Debug().Str("domain", domain).Str("service", service).Msg("MQTT service call queued")
}
