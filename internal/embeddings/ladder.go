package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"go.uber.org/zap"
)

// Strategy is one way of constructing a Provider.
type Strategy struct {
	Name  string
	Build func(ctx context.Context) (Provider, error)
}

// Ladder tries strategies in order and keeps the first that succeeds.
type Ladder struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewLadder returns a ladder over strategies.
func NewLadder(logger *zap.Logger, strategies ...Strategy) *Ladder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ladder{strategies: strategies, logger: logger}
}

// LadderFromConfig turns configured strategies into a ladder.
func LadderFromConfig(strategies []config.EmbeddingStrategy, logger *zap.Logger) *Ladder {
	out := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, Strategy{
			Name: modelLabel(s),
			Build: func(ctx context.Context) (Provider, error) {
				return NewProvider(ctx, s, logger)
			},
		})
	}
	return NewLadder(logger, out...)
}

// Build returns the first provider that constructs successfully. When all
// fail, the error wraps ErrBackendUnavailable and the last failure.
func (l *Ladder) Build(ctx context.Context) (Provider, error) {
	if len(l.strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies configured", ErrBackendUnavailable)
	}

	var lastErr error
	for i, s := range l.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.Build(ctx)
		if err == nil {
			l.logger.Info("embedding backend ready",
				zap.String("strategy", s.Name),
				zap.Int("attempt", i+1),
				zap.Int("dimension", p.Dimension()))
			return p, nil
		}
		l.logger.Warn("embedding backend failed, trying next",
			zap.String("strategy", s.Name),
			zap.Int("attempt", i+1),
			zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %d strategies failed, last (%s): %w",
		ErrBackendUnavailable, len(l.strategies), l.strategies[len(l.strategies)-1].Name, lastErr)
}

// Shared builds a provider once and hands the same instance to every
// caller. A construction failure is remembered too, unless it was caused
// by the caller's context ending.
type Shared struct {
	ladder *Ladder

	mu       sync.Mutex
	built    bool
	provider Provider
	err      error
}

// NewShared wraps ladder.
func NewShared(ladder *Ladder) *Shared {
	return &Shared{ladder: ladder}
}

// Static wraps an already constructed provider.
func Static(p Provider) *Shared {
	return &Shared{built: true, provider: p}
}

// Get returns the shared provider, building it on first call.
func (s *Shared) Get(ctx context.Context) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built {
		return s.provider, s.err
	}
	p, err := s.ladder.Build(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	s.built, s.provider, s.err = true, p, err
	return p, err
}

// Close releases the provider if one was built.
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return nil
	}
	return s.provider.Close()
}

// IsUnavailable reports whether err means no backend could be built.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
