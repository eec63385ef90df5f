package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/chathistory/pkg/types"
)

// GuardConfig holds the configuration for the circuit breaker around an
// engine.
type GuardConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in half-open
	// state to close the circuit again.
	// Default: 1
	HalfOpenMaxSuccesses uint32
}

// Guard wraps an Engine in a gobreaker circuit breaker. After MaxFailures
// consecutive backend failures every call fails fast with
// ErrBackendUnavailable until the breaker half-opens again.
//
// Expected outcomes (ErrNotFound, ErrDecode, ErrUnsupported, ErrInvalidInput,
// context cancellation) are not backend failures and never trip the breaker.
type Guard struct {
	inner   Engine
	breaker *gobreaker.CircuitBreaker
}

var _ Engine = (*Guard)(nil)

// NewGuard wraps inner. A nil logger uses slog.Default().
func NewGuard(inner Engine, cfg GuardConfig, logger *slog.Logger) *Guard {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        "storage:" + inner.Name(),
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: isExpectedOutcome,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("storage: circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Guard{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func isExpectedOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, context.Canceled)
}

// Unwrap returns the guarded engine.
func (g *Guard) Unwrap() Engine { return g.inner }

// State returns "closed", "open" or "half-open".
func (g *Guard) State() string {
	return g.breaker.State().String()
}

func (g *Guard) run(fn func() (interface{}, error)) (interface{}, error) {
	out, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, g.inner.Name(), err)
	}
	return out, err
}

func (g *Guard) exec(fn func() error) error {
	_, err := g.run(func() (interface{}, error) { return nil, fn() })
	return err
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) Initialize(ctx context.Context, cfg EngineConfig) error {
	return g.exec(func() error { return g.inner.Initialize(ctx, cfg) })
}

func (g *Guard) Save(ctx context.Context, conv *types.Conversation, key Key) error {
	return g.exec(func() error { return g.inner.Save(ctx, conv, key) })
}

func (g *Guard) Load(ctx context.Context, key Key) (*types.Conversation, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.Load(ctx, key) })
	if err != nil {
		return nil, err
	}
	return out.(*types.Conversation), nil
}

func (g *Guard) List(ctx context.Context, ns Namespace, opts ListOptions) ([]ConversationSummary, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.List(ctx, ns, opts) })
	if err != nil {
		return nil, err
	}
	return out.([]ConversationSummary), nil
}

func (g *Guard) Delete(ctx context.Context, key Key) error {
	return g.exec(func() error { return g.inner.Delete(ctx, key) })
}

func (g *Guard) Archive(ctx context.Context, src, dst Key) error {
	return g.exec(func() error { return g.inner.Archive(ctx, src, dst) })
}

func (g *Guard) Search(ctx context.Context, ns Namespace, q SearchQuery) ([]SearchResult, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.Search(ctx, ns, q) })
	if err != nil {
		return nil, err
	}
	return out.([]SearchResult), nil
}

func (g *Guard) Stats(ctx context.Context, project string) (*Stats, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.Stats(ctx, project) })
	if err != nil {
		return nil, err
	}
	return out.(*Stats), nil
}

func (g *Guard) HealthCheck(ctx context.Context) error {
	return g.exec(func() error { return g.inner.HealthCheck(ctx) })
}

func (g *Guard) Projects(ctx context.Context) ([]string, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.Projects(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]string), nil
}

func (g *Guard) NextFilename(ctx context.Context, ns Namespace) (string, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.NextFilename(ctx, ns) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (g *Guard) Latest(ctx context.Context, ns Namespace) (string, error) {
	out, err := g.run(func() (interface{}, error) { return g.inner.Latest(ctx, ns) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (g *Guard) SetLatest(ctx context.Context, ns Namespace, filename string) error {
	return g.exec(func() error { return g.inner.SetLatest(ctx, ns, filename) })
}

// Close bypasses the breaker so resources are always released.
func (g *Guard) Close() error { return g.inner.Close() }

// Path forwards to the inner engine when it is file-backed.
func (g *Guard) Path(key Key) string {
	if fb, ok := g.inner.(FileBacked); ok {
		return fb.Path(key)
	}
	return ""
}

// Snapshot forwards to the inner engine, or reports ErrUnsupported when it
// has no single database file.
func (g *Guard) Snapshot(ctx context.Context, dst string) error {
	s, ok := g.inner.(Snapshotter)
	if !ok {
		return fmt.Errorf("storage: %s snapshot: %w", g.inner.Name(), ErrUnsupported)
	}
	return g.exec(func() error { return s.Snapshot(ctx, dst) })
}
