package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/eventbus"
)

// Service bus errors
var (
	ErrServiceNotFound = fmt.Errorf("service not found")
	ErrBusUnavailable  = fmt.Errorf("service bus unavailable")
)

// Default configuration
const (
	DefaultCallTimeout = 10 * time.Second
	DefaultQueueSize   = 100
)

// ServiceCall is one invocation of a service.
type ServiceCall struct {
	Domain    string
	Service   string
	Data      map[string]any
	ContextID string
}

// EntityIDs returns the entity_id field of the call data as a list.
// A single string is accepted, as is a comma separated list.
func (c *ServiceCall) EntityIDs() []string {
	return EntityIDsFromData(c.Data)
}

// ServiceHandler handles a service call.
type ServiceHandler func(ctx context.Context, call *ServiceCall) error

// CallRecorder receives the outcome of every dispatched call.
type CallRecorder interface {
	RecordCall(call *ServiceCall, blocking bool, err error)
}

type serviceKey struct {
	domain  string
	service string
}

type queued struct {
	call    *ServiceCall
	handler ServiceHandler
}

// ServiceRegistry is the service-call bus.
// Non-blocking calls go through a single FIFO worker so they run in enqueue order.
type ServiceRegistry struct {
	mu       sync.RWMutex
	handlers map[serviceKey]ServiceHandler

	bus         Publisher
	recorder    CallRecorder
	callTimeout time.Duration

	queue     chan queued
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
}

// NewServiceRegistry creates a registry and starts its dispatch worker.
// bus and recorder may be nil.
func NewServiceRegistry(bus Publisher, recorder CallRecorder, callTimeout time.Duration, queueSize int) *ServiceRegistry {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &ServiceRegistry{
		handlers:    make(map[serviceKey]ServiceHandler),
		bus:         bus,
		recorder:    recorder,
		callTimeout: callTimeout,
		queue:       make(chan queued, queueSize),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}

	go r.worker()
	return r
}

// Register adds a handler, replacing any existing one for the same service.
func (r *ServiceRegistry) Register(domain, service string, handler ServiceHandler) {
	key := serviceKey{strings.ToLower(domain), strings.ToLower(service)}

	r.mu.Lock()
	if _, exists := r.handlers[key]; exists {
		log.Warn().Str("domain", key.domain).Str("service", key.service).Msg("Overriding existing service handler")
	}
	r.handlers[key] = handler
	r.mu.Unlock()

	log.Debug().Str("domain", key.domain).Str("service", key.service).Msg("Service registered")
}

// Has reports whether a service is registered.
func (r *ServiceRegistry) Has(domain, service string) bool {
	_, ok := r.lookup(domain, service)
	return ok
}

// Services returns registered service names grouped by domain, each list sorted.
func (r *ServiceRegistry) Services() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string)
	for key := range r.handlers {
		out[key.domain] = append(out[key.domain], key.service)
	}
	for domain := range out {
		sort.Strings(out[domain])
	}
	return out
}

func (r *ServiceRegistry) lookup(domain, service string) (ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[serviceKey{strings.ToLower(domain), strings.ToLower(service)}]
	return h, ok
}

// Call dispatches a service call.
// With blocking set the handler runs before Call returns and its error is returned.
// Otherwise the call is queued behind earlier non-blocking calls and Call returns
// as soon as it is enqueued.
func (r *ServiceRegistry) Call(ctx context.Context, domain, service string, data map[string]any, blocking bool) error {
	handler, ok := r.lookup(domain, service)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrServiceNotFound, domain, service)
	}

	if data == nil {
		data = map[string]any{}
	}
	call := &ServiceCall{
		Domain:    strings.ToLower(domain),
		Service:   strings.ToLower(service),
		Data:      data,
		ContextID: uuid.NewString(),
	}

	if blocking {
		r.publish(call)
		return r.execute(ctx, call, handler, true)
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()

	select {
	case <-r.closing:
		return fmt.Errorf("%w: registry closed", ErrBusUnavailable)
	default:
	}

	// Announce only calls that were accepted
	select {
	case r.queue <- queued{call: call, handler: handler}:
		r.publish(call)
		return nil
	default:
		return fmt.Errorf("%w: dispatch queue full", ErrBusUnavailable)
	}
}

func (r *ServiceRegistry) execute(ctx context.Context, call *ServiceCall, handler ServiceHandler, blocking bool) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("service %s.%s panicked: %v", call.Domain, call.Service, rec)
		}
		if r.recorder != nil {
			r.recorder.RecordCall(call, blocking, err)
		}
	}()

	if err := handler(ctx, call); err != nil {
		return fmt.Errorf("service %s.%s failed: %w", call.Domain, call.Service, err)
	}
	return nil
}

func (r *ServiceRegistry) worker() {
	defer close(r.done)

	for q := range r.queue {
		if err := r.execute(context.Background(), q.call, q.handler, false); err != nil {
			log.Error().Err(err).
				Str("domain", q.call.Domain).
				Str("service", q.call.Service).
				Str("context_id", q.call.ContextID).
				Msg("Queued service call failed")
		}
	}
}

func (r *ServiceRegistry) publish(call *ServiceCall) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeCallService,
		Data: map[string]interface{}{
			"domain":       call.Domain,
			"service":      call.Service,
			"service_data": call.Data,
			"context_id":   call.ContextID,
		},
	})
}

// Close stops accepting calls and waits for queued calls to finish.
func (r *ServiceRegistry) Close(ctx context.Context) {
	alreadyClosed := true
	r.closeOnce.Do(func() {
		alreadyClosed = false
		close(r.closing)
	})
	if alreadyClosed {
		return
	}

	r.closeMu.Lock()
	close(r.queue)
	r.closeMu.Unlock()

	select {
	case <-r.done:
		log.Debug().Msg("Service dispatch queue drained")
	case <-ctx.Done():
		log.Warn().Msg("Service registry shutdown timed out, queued calls may be lost")
	}
}

// EntityIDsFromData normalises an entity_id value from service data.
func EntityIDsFromData(data map[string]any) []string {
	raw, ok := data[AttrEntityID]
	if !ok || raw == nil {
		return nil
	}

	var ids []string
	switch v := raw.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, strings.ToLower(part))
			}
		}
	case []string:
		for _, id := range v {
			ids = append(ids, strings.ToLower(id))
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, strings.ToLower(s))
			}
		}
	}
	return ids
}

// WithoutEntityID returns a copy of data with the entity_id key removed.
func WithoutEntityID(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k != AttrEntityID {
			out[k] = v
		}
	}
	return out
}
