package fleet

import (
	"context"
	"sync"
	"time"
)

var errBoom = boomError("boom")

type boomError string

func (e boomError) Error() string { return string(e) }

// recordingSleeper returns immediately and remembers the requested delays.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
