package activation

import (
	"context"
	"sync"

	"github.com/titan-game/titan/infrastructure/errors"
)

// statelessPool is a small round-robin set of concurrency-bounded, no
// affinity activations for a stateless-worker grain type (spec.md §4.5):
// registry readers and item generators are the canonical examples.
type statelessPool struct {
	mu      sync.Mutex
	workers []Grain
	next    int
}

// RegisterStatelessWorker installs a stateless-worker pool of bound N for
// grainType, pre-activating every worker with factory.
func (s *Scheduler) RegisterStatelessWorker(ctx context.Context, grainType string, bound int, factory func(ctx context.Context) (Grain, error)) error {
	if bound <= 0 {
		bound = 1
	}
	workers := make([]Grain, 0, bound)
	for i := 0; i < bound; i++ {
		g, err := factory(ctx)
		if err != nil {
			return err
		}
		if err := g.Activate(ctx); err != nil {
			return errors.Internal("activating stateless worker for "+grainType, err)
		}
		workers = append(workers, g)
	}

	s.mu.Lock()
	s.workerPools[grainType] = &statelessPool{workers: workers}
	s.mu.Unlock()
	return nil
}

// InvokeStatelessWorker round-robins method across grainType's pool.
func (s *Scheduler) InvokeStatelessWorker(ctx context.Context, grainType, method string, payload interface{}) (interface{}, error) {
	s.mu.Lock()
	pool, ok := s.workerPools[grainType]
	s.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("stateless-worker-pool", grainType)
	}

	pool.mu.Lock()
	worker := pool.workers[pool.next%len(pool.workers)]
	pool.next++
	pool.mu.Unlock()

	return worker.HandleMessage(ctx, method, payload)
}
