// Package activation implements the per-silo activation runtime (C5): a
// single-threaded turn scheduler per grain identity layered over a shared
// worker pool, idle GC, one-shot/periodic timers, and stateless-worker
// pools for hot read paths (spec.md §4.5).
package activation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/metrics"
	"github.com/titan-game/titan/internal/identity"
)

// Grain is the behavior hosted by an activation. Activate/Deactivate
// bracket the activation's lifetime; HandleMessage runs on the
// activation's single logical thread, one call at a time.
type Grain interface {
	Activate(ctx context.Context) error
	HandleMessage(ctx context.Context, method string, payload interface{}) (interface{}, error)
	Deactivate(ctx context.Context) error
}

// Factory constructs a fresh Grain for id, typically reading its state
// through the persistence provider (C3).
type Factory func(ctx context.Context, id identity.ID) (Grain, error)

// DefaultIdleTimeout is how long an activation may sit with no inbound
// messages and no active timers before idle GC destroys it.
const DefaultIdleTimeout = 10 * time.Minute

type turn struct {
	ctx     context.Context
	method  string
	payload interface{}
	reply   chan turnResult
}

type turnResult struct {
	value interface{}
	err   error
}

// activation is one identity's single-threaded worker: an inbox channel
// drained by exactly one goroutine, so turns never overlap.
type activation struct {
	id          identity.ID
	grain       Grain
	inbox       chan turn
	done        chan struct{}
	lastActive  atomic.Int64 // UnixNano, updated after every turn
	activeTimer atomic.Int32 // count of armed timers; idle GC skips while > 0
}

func (a *activation) touch() {
	a.lastActive.Store(time.Now().UnixNano())
}

// Scheduler owns every live activation on a silo plus the stateless-worker
// pools, and runs idle GC.
type Scheduler struct {
	mu          sync.Mutex
	activations map[string]*activation
	pending     map[string]*activationWait
	idleTimeout time.Duration
	logger      *logging.Logger

	workerPools map[string]*statelessPool
}

// activationWait lets concurrent Invoke calls for the same identity join a
// single in-flight Activate instead of racing the grain factory (the same
// manual-singleflight shape internal/directory uses for ring activation).
type activationWait struct {
	done chan struct{}
	act  *activation
	err  error
}

// NewScheduler constructs a Scheduler. idleTimeout of zero uses DefaultIdleTimeout.
func NewScheduler(idleTimeout time.Duration) *Scheduler {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Scheduler{
		activations: make(map[string]*activation),
		pending:     make(map[string]*activationWait),
		idleTimeout: idleTimeout,
		logger:      logging.NewFromEnv("activation"),
		workerPools: make(map[string]*statelessPool),
	}
}

// Invoke delivers a message to id's activation, lazily activating it via
// factory on first use. It returns a typed error if Activate or the turn
// itself fails; a failed turn discards the activation so the next call
// re-reads state from C3 (spec.md §4.5's turn-semantics contract).
func (s *Scheduler) Invoke(ctx context.Context, id identity.ID, factory Factory, method string, payload interface{}) (interface{}, error) {
	act, err := s.getOrActivate(ctx, id, factory)
	if err != nil {
		return nil, err
	}

	reply := make(chan turnResult, 1)
	select {
	case act.inbox <- turn{ctx: ctx, method: method, payload: payload, reply: reply}:
	case <-act.done:
		// Lost a race with idle GC or a discard; retry once with a fresh activation.
		s.mu.Lock()
		delete(s.activations, id.String())
		s.mu.Unlock()
		return s.Invoke(ctx, id, factory, method, payload)
	case <-ctx.Done():
		return nil, errors.DependencyTimeout("invoke "+id.String(), ctx.Err())
	}

	select {
	case res := <-reply:
		if res.err != nil {
			s.discard(id)
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, errors.DependencyTimeout("invoke "+id.String(), ctx.Err())
	}
}

func (s *Scheduler) getOrActivate(ctx context.Context, id identity.ID, factory Factory) (*activation, error) {
	key := id.String()

	s.mu.Lock()
	if act, ok := s.activations[key]; ok {
		s.mu.Unlock()
		return act, nil
	}
	if wait, ok := s.pending[key]; ok {
		s.mu.Unlock()
		<-wait.done
		return wait.act, wait.err
	}

	wait := &activationWait{done: make(chan struct{})}
	s.pending[key] = wait
	s.mu.Unlock()

	act, err := s.activate(ctx, id, factory)

	s.mu.Lock()
	delete(s.pending, key)
	if err == nil {
		s.activations[key] = act
	}
	s.mu.Unlock()

	wait.act, wait.err = act, err
	close(wait.done)

	if err == nil {
		go s.run(act)
		metrics.Global().SetActiveActivations(id.GrainType, s.countByType(id.GrainType))
	}
	return act, err
}

func (s *Scheduler) activate(ctx context.Context, id identity.ID, factory Factory) (*activation, error) {
	grain, err := factory(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := grain.Activate(ctx); err != nil {
		return nil, errors.Internal("activating "+id.String(), err)
	}

	act := &activation{
		id:    id,
		grain: grain,
		inbox: make(chan turn, 64),
		done:  make(chan struct{}),
	}
	act.touch()
	return act, nil
}

func (s *Scheduler) run(act *activation) {
	for t := range act.inbox {
		start := time.Now()
		value, err := act.grain.HandleMessage(t.ctx, t.method, t.payload)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.Global().RecordActivationTurn(act.id.GrainType, t.method, status, time.Since(start))
		act.touch()
		t.reply <- turnResult{value: value, err: err}
		if err != nil {
			s.discard(act.id)
			return
		}
	}
}

func (s *Scheduler) discard(id identity.ID) {
	key := id.String()
	s.mu.Lock()
	act, ok := s.activations[key]
	if ok {
		delete(s.activations, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(act.inbox)
	close(act.done)
	_ = act.grain.Deactivate(context.Background())
	metrics.Global().SetActiveActivations(id.GrainType, s.countByType(id.GrainType))
}

func (s *Scheduler) countByType(grainType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, act := range s.activations {
		if act.id.GrainType == grainType {
			count++
		}
	}
	return count
}

// RunIdleGC sweeps for idle activations on interval until ctx is done.
func (s *Scheduler) RunIdleGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle(ctx)
		}
	}
}

func (s *Scheduler) sweepIdle(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var stale []identity.ID
	for _, act := range s.activations {
		if act.activeTimer.Load() > 0 {
			continue
		}
		if now.Sub(time.Unix(0, act.lastActive.Load())) >= s.idleTimeout {
			stale = append(stale, act.id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.deactivateIdle(ctx, id)
	}
}

func (s *Scheduler) deactivateIdle(ctx context.Context, id identity.ID) {
	key := id.String()
	s.mu.Lock()
	act, ok := s.activations[key]
	if ok {
		delete(s.activations, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(act.inbox)
	close(act.done)
	if err := act.grain.Deactivate(ctx); err != nil {
		s.logger.Error(ctx, fmt.Sprintf("idle deactivation failed for %s", key), err, nil)
	}
	metrics.Global().SetActiveActivations(id.GrainType, s.countByType(id.GrainType))
}

// ArmTimer increments id's active-timer count, pinning it against idle GC
// until DisarmTimer is called (spec.md §4.5's "active timers" clause).
func (s *Scheduler) ArmTimer(id identity.ID) {
	s.mu.Lock()
	act, ok := s.activations[id.String()]
	s.mu.Unlock()
	if ok {
		act.activeTimer.Add(1)
	}
}

// DisarmTimer decrements id's active-timer count.
func (s *Scheduler) DisarmTimer(id identity.ID) {
	s.mu.Lock()
	act, ok := s.activations[id.String()]
	s.mu.Unlock()
	if ok {
		act.activeTimer.Add(-1)
	}
}
