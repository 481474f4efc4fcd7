// Package stream relays a completion provider's token stream to the caller.
//
// The proxy is a transparent relay: it never buffers a whole response before
// forwarding and never interprets content; marker handling belongs to the
// command parser downstream. It owns the transport failure policy: on a
// terminal failure the caller gets one fixed human-readable fallback message
// instead of a raw provider error, so the persisted history always matches
// what the user saw.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/wakeside/skipper/internal/log"
)

// ErrStreamFailed wraps a terminal provider failure. The returned text is
// everything already relayed plus the fallback message; callers persist it
// as the assistant's reply.
var ErrStreamFailed = errors.New("completion stream failed")

// ErrBusy is returned when a stream is requested while one is in flight.
var ErrBusy = errors.New("a stream is already in flight")

// State is the proxy's lifecycle state for one stream.
type State int

const (
	Idle State = iota
	Sending
	Streaming
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config contains the required parameters for a Proxy.
type Config struct {
	Genkit    *genkit.Genkit
	ModelName string
	Logger    log.Logger

	// Fallback is the terminal message shown on transport failure
	// (apology plus a human contact channel). Required.
	Fallback string

	Retry       RetryConfig   // zero value uses defaults
	Circuit     CircuitConfig // zero value uses defaults
	RateLimiter *rate.Limiter // nil uses the default limiter
}

func (cfg Config) validate() error {
	if cfg.Genkit == nil {
		return errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return errors.New("model name is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Fallback == "" {
		return errors.New("fallback message is required")
	}
	return nil
}

// Proxy forwards assembled instruction payloads to the completion provider
// and relays the delta stream. One stream at a time per Proxy; a second
// Stream call while one is open returns ErrBusy.
type Proxy struct {
	g         *genkit.Genkit
	modelName string
	fallback  string
	logger    log.Logger

	retry   RetryConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
}

// New creates a Proxy from cfg.
func New(cfg Config) (*Proxy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}
	circuit := cfg.Circuit
	if circuit.FailureThreshold == 0 {
		circuit = DefaultCircuitConfig()
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	return &Proxy{
		g:         cfg.Genkit,
		modelName: cfg.ModelName,
		fallback:  cfg.Fallback,
		logger:    cfg.Logger,
		retry:     retry,
		breaker:   NewCircuitBreaker(circuit),
		limiter:   limiter,
		state:     Idle,
	}, nil
}

// State returns the proxy's current stream state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Fallback returns the configured terminal failure message.
func (p *Proxy) Fallback() string { return p.fallback }

func (p *Proxy) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Stream sends the payload and relays each text delta to onDelta as it
// arrives, returning the full response text on completion.
//
// On terminal provider failure the fallback message is relayed through
// onDelta, and the returned text is everything already relayed plus the
// fallback, together with ErrStreamFailed: a mid-stream failure must not
// make the persisted reply drop prose the user already watched stream by.
// Context cancellation is different: nothing is substituted and the context
// error is returned; a torn-off response must never be persisted as if
// complete.
func (p *Proxy) Stream(ctx context.Context, messages []*ai.Message, onDelta func(text string) error) (string, error) {
	p.mu.Lock()
	if p.state == Sending || p.state == Streaming {
		p.mu.Unlock()
		return "", ErrBusy
	}
	p.state = Sending
	p.mu.Unlock()

	var relayed strings.Builder
	relay := func(text string) error {
		if onDelta != nil {
			if err := onDelta(text); err != nil {
				return err
			}
		}
		relayed.WriteString(text)
		return nil
	}

	text, err := p.run(ctx, messages, relay)
	switch {
	case err == nil:
		p.setState(Completed)
		return text, nil
	case ctx.Err() != nil:
		p.setState(Failed)
		return "", ctx.Err()
	default:
		p.setState(Failed)
		p.logger.Error("stream failed, emitting fallback", "error", err)
		if onDelta != nil {
			if cbErr := onDelta(p.fallback); cbErr != nil {
				return relayed.String() + p.fallback, fmt.Errorf("%w: %w", ErrStreamFailed, err)
			}
		}
		return relayed.String() + p.fallback, fmt.Errorf("%w: %w", ErrStreamFailed, err)
	}
}

// run executes the provider call with rate limiting, circuit breaking and
// bounded retry. Retries happen only while nothing has been relayed yet:
// once a delta reached the caller the stream is committed.
func (p *Proxy) run(ctx context.Context, messages []*ai.Message, onDelta func(string) error) (string, error) {
	if err := p.breaker.Allow(); err != nil {
		return "", err
	}

	var lastErr error
	delay := p.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}

		relayed := false
		cb := func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			for _, part := range chunk.Content {
				if part.Text == "" {
					continue
				}
				if !relayed {
					relayed = true
					p.setState(Streaming)
				}
				if onDelta != nil {
					if err := onDelta(part.Text); err != nil {
						return err
					}
				}
			}
			return nil
		}

		resp, err := genkit.Generate(ctx, p.g,
			ai.WithModelName(p.modelName),
			ai.WithMessages(messages...),
			ai.WithStreaming(cb),
		)
		if err == nil {
			p.breaker.Success()
			p.logger.Debug("stream completed",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return resp.Text(), nil
		}

		lastErr = err
		if relayed || !retryable(err) || ctx.Err() != nil {
			break
		}
		if attempt == p.retry.MaxRetries {
			break
		}

		p.logger.Debug("retrying provider call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.retry.MaxInterval {
			delay = p.retry.MaxInterval
		}
	}

	p.breaker.Failure()
	return "", lastErr
}
