package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/apierr"
	"github.com/ifuryst/storyrelay/internal/config"
)

// SentryNotifier reports failure events to Sentry on its own hub
type SentryNotifier struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

type SentryOption func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, used by tests
func WithTransport(t sentry.Transport) SentryOption {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

func NewSentryNotifier(cfg *config.NotifierConfig, logger *zap.Logger, opts ...SentryOption) (*SentryNotifier, error) {
	options := sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}

	return &SentryNotifier{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

func (s *SentryNotifier) Notify(_ context.Context, event Event) {
	if !event.IsError() {
		return
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event", string(event.Kind))
		if event.Account != "" {
			scope.SetTag("account", event.Account)
		}
		if event.Component != "" {
			scope.SetTag("component", event.Component)
		}

		var apiErr *apierr.Error
		if errors.As(event.Err, &apiErr) {
			scope.SetTag("error_kind", string(apiErr.Kind))
			scope.SetContext("api", sentry.Context{
				"component":   apiErr.Component,
				"status_code": apiErr.StatusCode,
				"body":        apiErr.Body,
			})
		}
		if event.Stack != "" {
			scope.SetExtra("stack", event.Stack)
		}
		if event.Summary != nil {
			scope.SetContext("run", sentry.Context{
				"run_id":   event.Summary.RunID,
				"mode":     event.Summary.Mode,
				"failures": event.Summary.Failures(),
			})
		}

		var id *sentry.EventID
		if event.Err != nil {
			id = s.hub.CaptureException(event.Err)
		} else {
			id = s.hub.CaptureMessage(s.message(event))
		}
		if id != nil {
			s.logger.Debug("Reported event to Sentry",
				zap.String("kind", string(event.Kind)),
				zap.String("event_id", string(*id)))
		}
	})
}

func (s *SentryNotifier) message(e Event) string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Summary != nil:
		return fmt.Sprintf("run %s finished with %d failures", e.Summary.RunID, e.Summary.Failures())
	default:
		return string(e.Kind)
	}
}

func (s *SentryNotifier) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
