package relay

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("model unavailable")

// BreakerConfig tunes the circuit around the model
type BreakerConfig struct {
	// MaxFailures consecutive failures open the circuit
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
}

// Breaker guards a Model with a circuit breaker
type Breaker struct {
	next Model
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next
func NewBreaker(next Model, cfg BreakerConfig, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "GeminiModel",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// the visitor going away says nothing about the model
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Identify(ctx context.Context, apiKey string, image []byte, mimeType string) (string, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Identify(ctx, apiKey, image, mimeType)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrUnavailable
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// State reports the breaker state, for the health endpoint
func (b *Breaker) State() string {
	return b.cb.State().String()
}
