// Package notifier delivers lifecycle events to operators. Delivery is
// fire-and-forget: a sink that fails logs the failure and never affects the
// run that raised the event.
package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
)

type EventKind string

const (
	EventFetchSucceeded EventKind = "fetch_succeeded"
	EventFetchFailed    EventKind = "fetch_failed"
	EventPostSucceeded  EventKind = "post_succeeded"
	EventPostFailed     EventKind = "post_failed"
	EventRunSummary     EventKind = "run_summary"
	EventError          EventKind = "error"
	EventInfo           EventKind = "info"
)

// Event is one notification. Only the fields relevant to Kind are read.
type Event struct {
	Kind      EventKind
	Account   string
	Component string
	Title     string
	Message   string

	// Count is the number of stories fetched or posted
	Count      int
	PostIDs    []string
	StatusCode int
	Body       string
	Attempts   int
	Err        error
	Stack      string

	Summary *models.RunSummary
}

// IsError reports whether the event describes a failure
func (e Event) IsError() bool {
	switch e.Kind {
	case EventFetchFailed, EventPostFailed, EventError:
		return true
	case EventRunSummary:
		return e.Summary != nil && e.Summary.HasFailures()
	}
	return false
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Flusher is implemented by sinks that buffer events
type Flusher interface {
	Flush(timeout time.Duration) bool
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every sink in order
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}

func (m Multi) Flush(timeout time.Duration) bool {
	ok := true
	for _, n := range m {
		if f, isFlusher := n.(Flusher); isFlusher {
			ok = f.Flush(timeout) && ok
		}
	}
	return ok
}

// New builds the configured sinks, or a Nop when none is configured
func New(cfg *config.NotifierConfig, logger *zap.Logger) (Notifier, error) {
	var sinks Multi

	if cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, NewDiscordNotifier(cfg, logger))
		logger.Info("Discord notifications enabled")
	}

	if cfg.SentryDSN != "" {
		s, err := NewSentryNotifier(cfg, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
		logger.Info("Sentry notifications enabled", zap.String("environment", cfg.Environment))
	}

	if len(sinks) == 0 {
		return Nop{}, nil
	}
	return sinks, nil
}
