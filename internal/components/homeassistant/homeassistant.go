// Package homeassistant provides the umbrella turn_on, turn_off and toggle
// services that fan out to whichever domain owns each target.
package homeassistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/core"
)

// StateLookup reads entity states
type StateLookup interface {
	Get(entityID string) (*core.State, bool)
}

// Services is the part of the service bus the umbrella domain needs
type Services interface {
	Register(domain, service string, handler core.ServiceHandler)
	Has(domain, service string) bool
	Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error
}

// Setup registers the homeassistant domain services
func Setup(states StateLookup, services Services) {
	for _, service := range []string{core.ServiceTurnOn, core.ServiceTurnOff, core.ServiceToggle} {
		services.Register(core.DomainHomeAssistant, service, handler(states, services, service))
	}
}

func handler(states StateLookup, services Services, service string) core.ServiceHandler {
	return func(ctx context.Context, call *core.ServiceCall) error {
		ids := ExpandEntityIDs(states, call.EntityIDs())
		data := core.WithoutEntityID(call.Data)

		var errs []error
		for _, batch := range byDomain(ids) {
			if batch.domain == core.DomainHomeAssistant || batch.domain == core.DomainGroup {
				continue
			}
			if !services.Has(batch.domain, service) {
				log.Warn().
					Str("domain", batch.domain).
					Str("service", service).
					Strs("entity_ids", batch.ids).
					Msg("Domain does not support service, skipping")
				continue
			}

			domainData := make(map[string]any, len(data)+1)
			for k, v := range data {
				domainData[k] = v
			}
			domainData[core.AttrEntityID] = batch.ids

			if err := services.Call(ctx, batch.domain, service, domainData, true); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", batch.domain, service, err))
			}
		}
		return errors.Join(errs...)
	}
}

type domainBatch struct {
	domain string
	ids    []string
}

// byDomain groups ids by domain in first-seen order
func byDomain(ids []string) []*domainBatch {
	var batches []*domainBatch
	index := make(map[string]*domainBatch)

	for _, id := range ids {
		domain, _, err := core.SplitEntityID(id)
		if err != nil {
			log.Warn().Str("entity_id", id).Msg("Skipping invalid entity id")
			continue
		}
		b, ok := index[domain]
		if !ok {
			b = &domainBatch{domain: domain}
			index[domain] = b
			batches = append(batches, b)
		}
		b.ids = append(b.ids, id)
	}
	return batches
}

// ExpandEntityIDs replaces group ids by their members, recursively.
// Order is preserved, duplicates dropped, cycles and unknown groups ignored.
func ExpandEntityIDs(states StateLookup, ids []string) []string {
	var out []string
	seen := make(map[string]bool)
	visited := make(map[string]bool)

	var expand func(id string)
	expand = func(id string) {
		domain, _, err := core.SplitEntityID(id)
		if err != nil || domain != core.DomainGroup {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
			return
		}

		if visited[id] {
			return
		}
		visited[id] = true

		s, ok := states.Get(id)
		if !ok {
			return
		}
		members := core.EntityIDsFromData(map[string]any{core.AttrEntityID: s.Attributes[core.AttrEntityID]})
		for _, member := range members {
			expand(member)
		}
	}

	for _, id := range ids {
		expand(id)
	}
	return out
}
