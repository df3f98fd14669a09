package message

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run fans a single Model out across workerCount concurrent goroutines,
// each running its own Process loop against the same queue. It replaces a
// manual sync.WaitGroup-plus-buffered-error-channel fan-out with
// errgroup.Group: the first worker to return a non-nil error cancels the
// group's derived context, which stops every other worker's next Recv
// from blocking past that point.
//
// count bounds the total number of messages processed across every
// worker combined (count <= 0 means unbounded, run until ctx is done).
// workerCount <= 0 is treated as 1.
func (m *Model) Run(ctx context.Context, k Kind, timeoutSeconds, count, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	share := newCountShare(count)

	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for share.available() {
				outcome, err := m.processOne(gctx, k, timeoutSeconds, handler)
				if err != nil {
					return err
				}
				if outcome == OutcomeNoMessage {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}
					continue
				}
				share.consume()
			}
			return nil
		})
	}

	return g.Wait()
}

// countShare lets a fixed number of workers race to consume a shared
// processing budget of actually-processed messages, without the budget
// being eaten by a worker's recv that timed out empty. An unbounded
// budget (total <= 0) always grants.
type countShare struct {
	mu        sync.Mutex
	remaining int
	unbounded bool
}

func newCountShare(total int) *countShare {
	if total <= 0 {
		return &countShare{unbounded: true}
	}
	return &countShare{remaining: total}
}

// available reports whether the shared budget has not yet been exhausted.
// Concurrent workers may each observe available() true just before the
// last unit is consumed, so the total processed across all workers can
// overshoot count by up to workerCount-1; that is preferred to the
// alternative of a no-message timeout silently eating into the budget and
// stopping the run short of count.
func (c *countShare) available() bool {
	if c.unbounded {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining > 0
}

// consume records that one message was actually processed against the
// shared budget.
func (c *countShare) consume() {
	if c.unbounded {
		return
	}
	c.mu.Lock()
	c.remaining--
	c.mu.Unlock()
}
