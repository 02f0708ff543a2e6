package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EmitterConfig tunes the asynchronous delivery of events.
type EmitterConfig struct {
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration
}

func (c EmitterConfig) withDefaults() EmitterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Emitter delivers events to a Sink from a background worker so that audit
// writes never block or fail the operation that raised them.
type Emitter struct {
	sink   Sink
	cfg    EmitterConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewEmitter creates an Emitter and starts its worker.
func NewEmitter(sink Sink, cfg EmitterConfig, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	e := &Emitter{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit enqueues ev. When the queue is full, or the Emitter is closed, it
// makes one synchronous write attempt instead of dropping the event.
func (e *Emitter) Emit(ev Event) {
	ev = ev.withDefaults()

	e.mu.RLock()
	if !e.closed {
		select {
		case e.queue <- ev:
			e.mu.RUnlock()
			return
		default:
		}
	}
	e.mu.RUnlock()

	e.logger.Warn("audit queue unavailable, writing synchronously", "eventId", ev.ID, "action", ev.Action)
	if err := e.write(ev); err != nil {
		e.logger.Error("audit event dropped", "eventId", ev.ID, "action", ev.Action,
			"resourceId", ev.ResourceID, "error", err)
	}
}

// Close stops accepting queued events and waits until the worker has drained
// the queue or ctx expires.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued events not yet picked up by the worker.
func (e *Emitter) Pending() int {
	return len(e.queue)
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.deliver(ev)
	}
}

// deliver retries with linear backoff. Sinks dedupe on event id, so a retry
// after an ambiguous failure does not duplicate the record.
func (e *Emitter) deliver(ev Event) {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * e.cfg.RetryBackoff)
		}
		if err = e.write(ev); err == nil {
			return
		}
		e.logger.Warn("audit write failed", "eventId", ev.ID, "attempt", attempt+1, "error", err)
	}
	e.logger.Error("audit event dropped after retries", "eventId", ev.ID, "action", ev.Action,
		"resourceId", ev.ResourceID, "error", err)
}

func (e *Emitter) write(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()
	return e.sink.Write(ctx, ev)
}
