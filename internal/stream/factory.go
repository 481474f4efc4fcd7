package stream

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
)

// Factory relays concurrent streams by giving each one its own Proxy while
// sharing the circuit breaker and rate limiter across all of them. Provider
// health is a process-wide signal; the single-stream rule is per relay.
type Factory struct {
	cfg     Config
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

// NewFactory validates cfg and creates the shared breaker and limiter.
func NewFactory(cfg Config) (*Factory, error) {
	proto, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Factory{
		cfg:     cfg,
		breaker: proto.breaker,
		limiter: proto.limiter,
	}, nil
}

// Stream runs one stream on a fresh Proxy backed by the shared breaker and
// limiter.
func (f *Factory) Stream(ctx context.Context, messages []*ai.Message, onDelta func(text string) error) (string, error) {
	p, err := New(f.cfg)
	if err != nil {
		return "", err
	}
	p.breaker = f.breaker
	p.limiter = f.limiter
	return p.Stream(ctx, messages, onDelta)
}
