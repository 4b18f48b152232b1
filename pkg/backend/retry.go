package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"

	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/translate"
)

// Retrying retries transient backend failures with exponential backoff
type Retrying struct {
	Next            translate.Translator
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          logger.Logger
}

var _ translate.Translator = (*Retrying)(nil)

// NewRetrying wraps next with up to maxRetries additional attempts
func NewRetrying(next translate.Translator, maxRetries uint64, log logger.Logger) *Retrying {
	if log == nil {
		log = logger.Nop()
	}
	return &Retrying{
		Next:            next,
		MaxRetries:      maxRetries,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Logger:          log,
	}
}

func (r *Retrying) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.InitialInterval
	eb.MaxInterval = r.MaxInterval
	eb.MaxElapsedTime = 0
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, r.MaxRetries), ctx)

	var out string
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		res, err := r.Next.Translate(ctx, text, sourceLang, targetLang)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}, bkoff, func(err error, wait time.Duration) {
		r.Logger.Warn("Backend attempt %d failed, retrying in %v: %v", attempt, wait, err)
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Retrying) Status(ctx context.Context) translate.Status {
	return r.Next.Status(ctx)
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// side failures and network errors. Context cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrEmptyCompletion)
}
