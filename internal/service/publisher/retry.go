package publisher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/storyrelay/internal/apierr"
)

type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MinPostInterval spaces out post creation, zero disables pacing
	MinPostInterval time.Duration
}

// RetryingPoster retries transient upload and post failures with
// exponential backoff. Authentication and other permanent errors are
// returned on the first attempt.
type RetryingPoster struct {
	next    Poster
	config  RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewRetryingPoster(next Poster, cfg RetryConfig, logger *zap.Logger) *RetryingPoster {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 2 * time.Second
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 30 * time.Second
	}

	p := &RetryingPoster{next: next, config: cfg, logger: logger}
	if cfg.MinPostInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(cfg.MinPostInterval), 1)
	}
	return p
}

func (p *RetryingPoster) GetPlatformName() string {
	return p.next.GetPlatformName()
}

func (p *RetryingPoster) UploadMedia(ctx context.Context, path string) (string, error) {
	return retry(ctx, p, "upload_media", func() (string, error) {
		return p.next.UploadMedia(ctx, path)
	})
}

func (p *RetryingPoster) CreatePost(ctx context.Context, text string, mediaIDs []string, replyTo string) (string, error) {
	return retry(ctx, p, "create_post", func() (string, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return "", backoff.Permanent(err)
			}
		}
		return p.next.CreatePost(ctx, text, mediaIDs, replyTo)
	})
}

func (p *RetryingPoster) VerifyCredentials(ctx context.Context) error {
	return p.next.VerifyCredentials(ctx)
}

func retry(ctx context.Context, p *RetryingPoster, op string, fn func() (string, error)) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.InitialInterval
	b.MaxInterval = p.config.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		id, err := fn()
		if err == nil {
			return id, nil
		}
		if !apierr.IsTransient(err) {
			if apierr.KindOf(err) == apierr.KindAuth {
				p.logger.Error("Destination rejected credentials, check the app has read and write permissions",
					zap.String("operation", op),
					zap.Error(err))
			}
			return "", backoff.Permanent(err)
		}
		p.logger.Warn("Transient destination failure",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Uint("max_attempts", p.config.MaxAttempts),
			zap.Error(err))
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.config.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
}
