// Package audit records authentication decisions and tool invocations as
// structured events. Events are emitted asynchronously so a slow sink never
// sits on the request path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds.
const (
	KindAuth     = "auth"
	KindToolCall = "tool_call"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// Event is one auditable occurrence.
type Event struct {
	Time          time.Time     `json:"time"`
	Kind          string        `json:"kind"`
	Status        string        `json:"status"`
	RequestID     string        `json:"request_id,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Principal     string        `json:"principal,omitempty"`
	Tool          string        `json:"tool,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// Logger receives audit events. Implementations must be safe for concurrent
// use and must not block the caller.
type Logger interface {
	Record(ctx context.Context, event Event)
}

// Noop discards all events.
type Noop struct{}

var _ Logger = Noop{}

// Record implements Logger.
func (Noop) Record(context.Context, Event) {}

// defaultBuffer is the event queue depth before new events are dropped.
const defaultBuffer = 256

// SlogLogger writes events to a slog.Logger from a single background
// goroutine. When the queue is full events are dropped and counted rather
// than blocking the request path.
type SlogLogger struct {
	logger  *slog.Logger
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

var _ Logger = (*SlogLogger)(nil)

// NewSlogLogger creates and starts an async audit logger. A nil logger
// falls back to slog.Default. Call Close to drain and stop.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &SlogLogger{
		logger: logger,
		events: make(chan Event, defaultBuffer),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record queues an event for emission. Never blocks.
func (l *SlogLogger) Record(_ context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case l.events <- event:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to a full queue.
func (l *SlogLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops the emitter after draining queued events.
func (l *SlogLogger) Close() {
	close(l.done)
	l.wg.Wait()
}

func (l *SlogLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.events:
			l.emit(event)
		case <-l.done:
			// Drain whatever is still queued.
			for {
				select {
				case event := <-l.events:
					l.emit(event)
				default:
					return
				}
			}
		}
	}
}

func (l *SlogLogger) emit(event Event) {
	attrs := []any{
		"kind", event.Kind,
		"status", event.Status,
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", event.CorrelationID)
	}
	if event.Principal != "" {
		attrs = append(attrs, "principal", event.Principal)
	}
	if event.Tool != "" {
		attrs = append(attrs, "tool", event.Tool)
	}
	if event.Detail != "" {
		attrs = append(attrs, "detail", event.Detail)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	l.logger.Info("audit", attrs...)
}
