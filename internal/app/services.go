package app

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/api"
	"github.com/dokzlo13/scened/internal/components/group"
	"github.com/dokzlo13/scened/internal/components/homeassistant"
	tmpl "github.com/dokzlo13/scened/internal/components/template"
	"github.com/dokzlo13/scened/internal/config"
	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/db"
	"github.com/dokzlo13/scened/internal/entity"
	"github.com/dokzlo13/scened/internal/eventbus"
	"github.com/dokzlo13/scened/internal/ledger"
	"github.com/dokzlo13/scened/internal/reproduce"
	"github.com/dokzlo13/scened/internal/scene"
	"github.com/dokzlo13/scened/internal/script"
	"github.com/dokzlo13/scened/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB      *db.DB
	Ledger  *ledger.Ledger
	Store   *storage.Store
	Restore *storage.RestoreStore

	// State machine and service bus
	Bus        *eventbus.Bus
	States     *core.StateMachine
	Registry   *core.ServiceRegistry
	Reproducer *reproduce.Reproducer

	// Components
	Groups   *group.Component
	Switches *entity.Component
	Scenes   *scene.Manager

	// High-level services
	Lua       *LuaService
	Hue       *HueService
	API       *APIService
	MQTT      *MQTTService
	Retention *LedgerService

	templateSwitches []*tmpl.Switch
	templatePlatform *tmpl.Platform
	ready            atomic.Bool
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Restore = storage.NewRestoreStore(s.Store)

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.States = core.NewStateMachine(s.Bus)
	s.Registry = core.NewServiceRegistry(s.Bus, s.Ledger, cfg.Services.CallTimeout.Duration(), cfg.Services.QueueSize)
	s.Reproducer = reproduce.New(s.States, s.Registry)

	s.Lua = NewLuaService(cfg, s.States)
	if err := s.Lua.CompileTemplates(cfg); err != nil {
		s.Close()
		return nil, err
	}

	homeassistant.Setup(s.States, s.Registry)

	s.Groups = group.NewComponent(s.States, s.Bus)
	if err := s.setupGroups(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Hue.Enabled {
		lights := entity.NewComponent("light", s.States, s.Registry)
		s.Hue = NewHueService(cfg, lights)
	}

	s.Switches = entity.NewComponent(tmpl.Domain, s.States, s.Registry)
	if err := s.buildSwitches(); err != nil {
		s.Close()
		return nil, err
	}

	scenes := storage.NewTypedStore[scene.Stored](s.Store, storage.KindScene)
	s.Scenes = scene.NewManager(s.States, s.Reproducer, s.Registry, s.Bus, scenes)
	if err := s.Scenes.LoadConfig(cfg.Scenes); err != nil {
		s.Close()
		return nil, err
	}

	s.API = NewAPIService(cfg, api.Deps{
		States:     s.States,
		Services:   s.Registry,
		Reproducer: s.Reproducer,
		Ledger:     s.Ledger,
		Ready:      s.Ready,
	})
	s.MQTT = NewMQTTService(cfg, s.States, s.Registry, s.Bus)
	s.Retention = NewLedgerService(cfg, s.Ledger)

	return s, nil
}

// setupGroups creates the configured groups in key order.
func (s *Services) setupGroups() error {
	keys := make([]string, 0, len(s.cfg.Groups))
	for key := range s.cfg.Groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		g := s.cfg.Groups[key]
		if _, err := s.Groups.Add(key, g.Name, g.Entities); err != nil {
			return fmt.Errorf("group %q: %w", key, err)
		}
	}
	return nil
}

// buildSwitches turns switch configuration into template switches.
// Templates are not rendered until the Lua worker runs.
func (s *Services) buildSwitches() error {
	keys := make([]string, 0, len(s.cfg.Switches))
	for key := range s.cfg.Switches {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		sc := s.cfg.Switches[key]

		onScript, err := script.New(key+".turn_on", script.StepsFromConfig(sc.TurnOn), s.Registry, s.Lua.Templates)
		if err != nil {
			return fmt.Errorf("switch %q: %w", key, err)
		}
		offScript, err := script.New(key+".turn_off", script.StepsFromConfig(sc.TurnOff), s.Registry, s.Lua.Templates)
		if err != nil {
			return fmt.Errorf("switch %q: %w", key, err)
		}

		s.templateSwitches = append(s.templateSwitches, tmpl.NewSwitch(tmpl.Config{
			ObjectID:      key,
			FriendlyName:  sc.FriendlyName,
			UniqueID:      sc.UniqueID,
			ValueTemplate: sc.ValueTemplate,
			TurnOn:        onScript,
			TurnOff:       offScript,
		}, s.Lua.Templates, s.Restore))
	}
	return nil
}

// Start starts all services in the correct order.
// Persisted state is read here, so ClearState must run before Start.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Scenes.LoadStored(); err != nil {
		return fmt.Errorf("failed to load stored scenes: %w", err)
	}

	s.Lua.Start(ctx)

	platform, err := tmpl.Setup(ctx, s.Switches, s.Bus, s.templateSwitches,
		tmpl.WithQuietPeriod(s.cfg.Templates.QuietPeriod.Duration()))
	if err != nil {
		return fmt.Errorf("failed to set up template switches: %w", err)
	}
	s.templatePlatform = platform

	if s.Hue != nil {
		s.Hue.Start(ctx)
	} else {
		log.Info().Msg("Hue light platform is disabled")
	}

	if err := s.MQTT.Start(); err != nil {
		return err
	}

	s.API.Start(ctx)
	s.Retention.Start(ctx)

	s.ready.Store(true)
	log.Info().
		Int("states", len(s.States.All())).
		Int("scenes", len(s.Scenes.Scenes())).
		Msg("Services started")
	return nil
}

// Ready reports whether startup has completed.
func (s *Services) Ready() bool {
	return s.ready.Load()
}

// ClearState clears all persisted resource state (restored switches and created scenes).
func (s *Services) ClearState() error {
	return s.Store.Clear("")
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.ready.Store(false)
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()

	// Drain queued calls first so their state writes still reach the bus
	if s.Registry != nil {
		s.Registry.Close(ctx)
	}
	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
	if s.templatePlatform != nil {
		s.templatePlatform.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
