package audit

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a Sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Write logs e at info level.
func (s *LogSink) Write(ctx context.Context, e Event) error {
	s.logger.InfoContext(ctx, "audit event",
		"eventId", e.ID,
		"actorId", e.ActorID,
		"action", e.Action,
		"resourceType", e.ResourceType,
		"resourceId", e.ResourceID,
		"details", e.Details,
		"timestamp", e.Timestamp,
	)
	return nil
}

// MemorySink keeps events in memory, in write order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends e unless an event with the same id is already stored.
func (s *MemorySink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if existing.ID == e.ID {
			return nil
		}
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the stored events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
