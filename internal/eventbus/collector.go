package eventbus

import (
	"sync"
	"time"
)

// FlushFunc is called when a collector flushes events
type FlushFunc func(events []Event)

// Collector accumulates events and flushes them based on a strategy
type Collector interface {
	Add(event Event)
	Close()
}

// NewCollector returns a QuietCollector, or an ImmediateCollector when quiet is zero.
func NewCollector(quiet time.Duration, onFlush FlushFunc) Collector {
	if quiet <= 0 {
		return NewImmediateCollector(onFlush)
	}
	return NewQuietCollector(quiet, onFlush)
}

// ImmediateCollector flushes on every event (pass-through)
type ImmediateCollector struct {
	onFlush FlushFunc
}

// NewImmediateCollector creates a new ImmediateCollector
func NewImmediateCollector(onFlush FlushFunc) *ImmediateCollector {
	return &ImmediateCollector{onFlush: onFlush}
}

// Add immediately flushes the event
func (c *ImmediateCollector) Add(event Event) {
	c.onFlush([]Event{event})
}

// Close is a no-op for ImmediateCollector
func (c *ImmediateCollector) Close() {}

// QuietCollector flushes once no new event arrived for the quiet period
type QuietCollector struct {
	mu      sync.Mutex
	events  []Event
	timer   *time.Timer
	quiet   time.Duration
	closed  bool
	onFlush FlushFunc
}

// NewQuietCollector creates a new QuietCollector
func NewQuietCollector(quiet time.Duration, onFlush FlushFunc) *QuietCollector {
	return &QuietCollector{
		quiet:   quiet,
		onFlush: onFlush,
	}
}

// Add adds an event and resets the quiet timer
func (c *QuietCollector) Add(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.events = append(c.events, event)

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, c.flush)
}

func (c *QuietCollector) flush() {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.mu.Unlock()

	if len(events) > 0 {
		c.onFlush(events)
	}
}

// Close stops the timer and drops pending events
func (c *QuietCollector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.events = nil
	if c.timer != nil {
		c.timer.Stop()
	}
}
