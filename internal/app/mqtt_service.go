package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/config"
	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/eventbus"
	"github.com/dokzlo13/scened/internal/mqtt"
)

// MQTTService mirrors states to the broker and accepts service calls from it.
type MQTTService struct {
	cfg      *config.Config
	states   *core.StateMachine
	services *core.ServiceRegistry
	bus      *eventbus.Bus

	Client *mqtt.Client
	Bridge *mqtt.Bridge
}

// NewMQTTService creates a new MQTTService.
func NewMQTTService(cfg *config.Config, states *core.StateMachine, services *core.ServiceRegistry, bus *eventbus.Bus) *MQTTService {
	return &MQTTService{
		cfg:      cfg,
		states:   states,
		services: services,
		bus:      bus,
	}
}

// Start connects to the broker and publishes the current states.
func (s *MQTTService) Start() error {
	if !s.cfg.MQTT.Enabled {
		log.Info().Msg("MQTT bridge is disabled")
		return nil
	}

	client, err := mqtt.Connect(s.cfg.MQTT)
	if err != nil {
		return err
	}
	s.Client = client

	s.Bridge = mqtt.NewBridge(client, s.services, s.cfg.MQTT.TopicPrefix)
	if err := s.Bridge.Start(s.bus); err != nil {
		return err
	}
	s.Bridge.PublishAll(s.states.All())
	return nil
}

// Close disconnects from the broker.
func (s *MQTTService) Close() {
	if s.Client != nil {
		s.Client.Close()
	}
}
