// Package hue exposes Philips Hue bridge lights as light entities.
package hue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/scened/internal/coordinator"
	"github.com/dokzlo13/scened/internal/core"
	"github.com/dokzlo13/scened/internal/entity"
)

// Domain is the entity domain of Hue lights
const Domain = "light"

// Light attribute and service data names
const (
	AttrBrightness   = "brightness"
	AttrColorTemp    = "color_temp"
	AttrTransition   = "transition"
	AttrUniqueID     = "unique_id"
	AttrModel        = "model"
	AttrManufacturer = "manufacturer"
	AttrSwVersion    = "sw_version"
)

// LightAPI is the part of the bridge client the platform uses.
// *huego.Bridge satisfies it.
type LightAPI interface {
	GetLightsContext(ctx context.Context) ([]huego.Light, error)
	SetLightStateContext(ctx context.Context, id int, state huego.State) (*huego.Response, error)
}

// NewBridge returns a bridge client for host authenticated with token
func NewBridge(host, token string) *huego.Bridge {
	return huego.New(host, token)
}

// Platform polls the bridge and keeps one entity per light
type Platform struct {
	api       LightAPI
	limiter   *rate.Limiter
	coord     *coordinator.Coordinator[map[int]huego.Light]
	component *entity.Component

	mu     sync.Mutex
	lights map[int]*Light
	used   map[string]bool
}

// NewPlatform creates the platform. Lights appear as the first poll completes.
func NewPlatform(api LightAPI, component *entity.Component, pollInterval time.Duration, rateLimitRPS float64) *Platform {
	if rateLimitRPS <= 0 {
		rateLimitRPS = 10.0
	}
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	p := &Platform{
		api:       api,
		limiter:   rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
		component: component,
		lights:    make(map[int]*Light),
		used:      make(map[string]bool),
	}
	p.coord = coordinator.New("hue", pollInterval, p.fetch)
	p.coord.AddListener(p.sync)
	return p
}

// Coordinator returns the polling coordinator
func (p *Platform) Coordinator() *coordinator.Coordinator[map[int]huego.Light] {
	return p.coord
}

// Run polls the bridge until ctx is done
func (p *Platform) Run(ctx context.Context) error {
	return p.coord.Run(ctx)
}

func (p *Platform) fetch(ctx context.Context) (map[int]huego.Light, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	lights, err := p.api.GetLightsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get lights: %w", err)
	}
	out := make(map[int]huego.Light, len(lights))
	for _, l := range lights {
		out[l.ID] = l
	}
	return out, nil
}

// sync registers entities for newly seen lights and republishes all states
func (p *Platform) sync() {
	data := p.coord.Data()

	ids := make([]int, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	p.mu.Lock()
	var added []*Light
	for _, id := range ids {
		if _, ok := p.lights[id]; ok {
			continue
		}
		l := &Light{platform: p, id: id, entityID: p.allocateID(data[id])}
		p.lights[id] = l
		added = append(added, l)
	}
	p.mu.Unlock()

	for _, l := range added {
		if err := p.component.Add(l); err != nil {
			log.Error().Err(err).Str("entity_id", l.entityID).Msg("Failed to add Hue light")
			continue
		}
		log.Info().Str("entity_id", l.entityID).Int("hue_id", l.id).Msg("Hue light added")
	}

	p.component.WriteAll()
}

// allocateID picks light.<slug(name)>, suffixing _2, _3 on collisions. Caller holds mu.
func (p *Platform) allocateID(l huego.Light) string {
	name := l.Name
	if name == "" {
		name = "hue " + strconv.Itoa(l.ID)
	}
	base := Domain + "." + core.Slugify(name)
	id := base
	for n := 2; p.used[id]; n++ {
		id = base + "_" + strconv.Itoa(n)
	}
	p.used[id] = true
	return id
}

func (p *Platform) command(ctx context.Context, id int, state huego.State) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := p.api.SetLightStateContext(ctx, id, state); err != nil {
		return fmt.Errorf("failed to set light %d state: %w", id, err)
	}

	// The bridge is the source of truth, read it back before reporting state
	_ = p.coord.Refresh(ctx)
	return nil
}

// Light is a single bridge light
type Light struct {
	platform *Platform
	id       int
	entityID string
}

var _ entity.Switchable = (*Light)(nil)

// EntityID implements entity.Entity
func (l *Light) EntityID() string {
	return l.entityID
}

func (l *Light) current() (huego.Light, bool) {
	if !l.platform.coord.LastUpdateSuccess() {
		return huego.Light{}, false
	}
	hl, ok := l.platform.coord.Data()[l.id]
	if !ok || hl.State == nil || !hl.State.Reachable {
		return huego.Light{}, false
	}
	return hl, true
}

// State implements entity.Entity
func (l *Light) State() string {
	hl, ok := l.current()
	if !ok {
		return core.StateUnavailable
	}
	if hl.State.On {
		return core.StateOn
	}
	return core.StateOff
}

// Attributes implements entity.Entity
func (l *Light) Attributes() map[string]any {
	hl, ok := l.platform.coord.Data()[l.id]
	if !ok {
		return map[string]any{}
	}

	attrs := map[string]any{
		core.AttrFriendlyName: hl.Name,
		AttrUniqueID:          hl.UniqueID,
		AttrModel:             hl.ModelID,
		AttrManufacturer:      hl.ManufacturerName,
		AttrSwVersion:         hl.SwVersion,
	}
	if live, ok := l.current(); ok && live.State.On {
		attrs[AttrBrightness] = hueToBrightness(live.State.Bri)
		if live.State.Ct > 0 {
			attrs[AttrColorTemp] = int(live.State.Ct)
		}
	}
	return attrs
}

// TurnOn implements entity.Switchable
func (l *Light) TurnOn(ctx context.Context, data map[string]any) error {
	state := huego.State{On: true}
	if v, ok := number(data[AttrBrightness]); ok {
		state.Bri = brightnessToHue(v)
	}
	if v, ok := number(data[AttrColorTemp]); ok {
		state.Ct = uint16(clamp(math.Round(v), 153, 500))
	}
	if v, ok := number(data[AttrTransition]); ok {
		state.TransitionTime = transitionToHue(v)
	}

	log.Info().Str("entity_id", l.entityID).Interface("state", state).Msg("Turning on light")
	return l.platform.command(ctx, l.id, state)
}

// TurnOff implements entity.Switchable
func (l *Light) TurnOff(ctx context.Context, data map[string]any) error {
	state := huego.State{On: false}
	if v, ok := number(data[AttrTransition]); ok {
		state.TransitionTime = transitionToHue(v)
	}

	log.Info().Str("entity_id", l.entityID).Msg("Turning off light")
	return l.platform.command(ctx, l.id, state)
}

// brightnessToHue maps 0..255 onto the bridge's 1..254
func brightnessToHue(v float64) uint8 {
	return uint8(clamp(math.Round(v*254/255), 1, 254))
}

// hueToBrightness maps the bridge's 1..254 onto 0..255
func hueToBrightness(bri uint8) int {
	return int(math.Round(float64(bri) * 255 / 254))
}

// transitionToHue converts seconds to deciseconds
func transitionToHue(seconds float64) uint16 {
	return uint16(clamp(math.Round(seconds*10), 0, math.MaxUint16))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
