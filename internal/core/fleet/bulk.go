package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

// BulkOptions controls how an operation fans out over a pool.
type BulkOptions struct {
	// Parallel runs up to MaxWorkers units at once; otherwise one at a time.
	Parallel   bool
	MaxWorkers int
	// Timeout bounds the whole operation. Zero means no deadline.
	Timeout time.Duration
}

func (b BulkOptions) workers() int {
	if !b.Parallel || b.MaxWorkers < 1 {
		return 1
	}
	return b.MaxWorkers
}

// forEach applies fn to every unit and reports all failures together once the
// outstanding work is resolved. Sequential mode uses the same collect-all
// policy with a single worker. When the deadline elapses the timeout is
// surfaced right away; work already done is not rolled back.
func forEach(ctx context.Context, units []*Unit, bulk BulkOptions, op string, fn func(context.Context, *Unit) error) error {
	if bulk.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bulk.Timeout)
		defer cancel()
	}

	var (
		mu   sync.Mutex
		errs error
	)
	done := make(chan struct{})

	go func() {
		defer close(done)

		g := new(errgroup.Group)
		g.SetLimit(bulk.workers())
		for _, u := range units {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := fn(ctx, u); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s of %d units did not finish within %s",
				errdefs.ErrTimeout, op, len(units), bulk.Timeout)
		}
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	return errs
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
