// Package coordinator polls a data source on an interval and fans updates
// out to listeners.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchFunc loads fresh data
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Coordinator owns the last successfully fetched data of one source.
// A failed fetch keeps the previous data and flips LastUpdateSuccess to false.
type Coordinator[T any] struct {
	name     string
	fetch    FetchFunc[T]
	interval time.Duration

	mu          sync.RWMutex
	data        T
	lastSuccess bool
	lastErr     error
	failing     bool
	listeners   []func()

	refreshMu sync.Mutex
	trigger   chan struct{}
}

// New creates a coordinator. interval <= 0 defaults to 30s.
func New[T any](name string, interval time.Duration, fetch FetchFunc[T]) *Coordinator[T] {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Coordinator[T]{
		name:     name,
		fetch:    fetch,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Data returns the last fetched data
func (c *Coordinator[T]) Data() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// LastUpdateSuccess reports whether the most recent refresh succeeded
func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the error of the most recent refresh, if any
func (c *Coordinator[T]) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// AddListener registers a callback run after every refresh
func (c *Coordinator[T]) AddListener(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Refresh fetches now and notifies listeners. Concurrent refreshes are serialized.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	data, err := c.fetch(ctx)

	c.mu.Lock()
	wasFailing := c.failing
	c.failing = err != nil
	c.lastErr = err
	if err == nil {
		c.data = data
		c.lastSuccess = true
	} else {
		c.lastSuccess = false
	}
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		log.Warn().Err(err).Str("coordinator", c.name).Msg("Error fetching data")
	case err != nil:
		log.Debug().Err(err).Str("coordinator", c.name).Msg("Error fetching data")
	case wasFailing:
		log.Info().Str("coordinator", c.name).Msg("Fetching data recovered")
	}

	for _, fn := range listeners {
		fn()
	}
	return err
}

// RequestRefresh schedules a refresh on the Run loop without waiting
func (c *Coordinator[T]) RequestRefresh() {
	select {
	case c.trigger <- struct{}{}:
	default:
		// Already requested
	}
}

// Run refreshes immediately and then on every interval tick until ctx is done.
func (c *Coordinator[T]) Run(ctx context.Context) error {
	log.Info().Str("coordinator", c.name).Dur("interval", c.interval).Msg("Coordinator started")

	_ = c.Refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("coordinator", c.name).Msg("Coordinator stopping")
			return nil
		case <-c.trigger:
			_ = c.Refresh(ctx)
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}
