package fleet

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type undoFunc func(context.Context) error

type teardownStep struct {
	name string
	undo undoFunc
}

// teardownStack records how to release each acquired resource. Unwinding runs
// the steps newest first and keeps going past failures.
type teardownStack struct {
	mu     sync.Mutex
	steps  []teardownStep
	logger *zap.Logger
}

func (s *teardownStack) push(name string, undo undoFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, teardownStep{name: name, undo: undo})
}

func (s *teardownStack) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

func (s *teardownStack) unwind(ctx context.Context) error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		s.logger.Debug("releasing", zap.String("resource", step.name))
		if err := step.undo(ctx); err != nil {
			s.logger.Error("failed to release", zap.String("resource", step.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", step.name, err))
		}
	}
	return errs
}
