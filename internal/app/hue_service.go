package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/components/hue"
	"github.com/dokzlo13/scened/internal/config"
	"github.com/dokzlo13/scened/internal/entity"
)

// HueService wraps the Hue bridge connection and the light platform polling it.
type HueService struct {
	cfg *config.Config

	Lights   *entity.Component
	Platform *hue.Platform
}

// NewHueService creates the light platform. Nothing talks to the bridge until Start.
func NewHueService(cfg *config.Config, lights *entity.Component) *HueService {
	bridge := hue.NewBridge(cfg.Hue.Bridge, cfg.Hue.Token)
	return &HueService{
		cfg:      cfg,
		Lights:   lights,
		Platform: hue.NewPlatform(bridge, lights, cfg.Hue.PollInterval.Duration(), cfg.Hue.RateLimitRPS),
	}
}

// Start begins polling the bridge in the background.
func (s *HueService) Start(ctx context.Context) {
	log.Info().Str("bridge", s.cfg.Hue.Bridge).Msg("Starting Hue light platform")
	go func() {
		if err := s.Platform.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Hue platform error")
		}
	}()
}
