package directory

import (
	"context"
	"sync"
	"sync/atomic"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/metrics"
	"github.com/titan-game/titan/internal/identity"
)

// Location describes where an identity is (or should be) hosted.
type Location struct {
	SiloID string
	// Local is true when this call activated (or found already activated)
	// the identity on the calling silo. When false, SiloID names the owner
	// the caller must forward to.
	Local bool
}

// ActivateFunc performs whatever work brings an identity's activation into
// memory (loading state, starting its turn queue). It is only invoked once
// per identity per silo, even under concurrent LocateOrActivate calls.
type ActivateFunc func(ctx context.Context, id identity.ID) error

// Directory is one silo's view of the grain directory: a lock-free ring
// snapshot shared across reads, plus the table of identities this silo
// currently owns.
type Directory struct {
	selfSiloID string
	ring       atomic.Pointer[Ring]
	logger     *logging.Logger

	mu      sync.Mutex
	owned   map[string]struct{}
	pending map[string]*activationWait
}

type activationWait struct {
	done chan struct{}
	err  error
}

// New constructs a Directory for the given silo, initially with an empty ring.
func New(selfSiloID string) *Directory {
	d := &Directory{
		selfSiloID: selfSiloID,
		logger:     logging.NewFromEnv("directory"),
		owned:      make(map[string]struct{}),
		pending:    make(map[string]*activationWait),
	}
	d.ring.Store(NewRing(nil))
	return d
}

// UpdateRing rebuilds the ring from the current set of active silo ids.
// Called by the membership layer whenever the roster changes. Swapping the
// pointer is the only synchronization readers need (spec.md §5: "reads are
// lock-free snapshot accesses via atomic handle swap").
func (d *Directory) UpdateRing(activeSiloIDs []string) {
	d.ring.Store(NewRing(activeSiloIDs))
}

// InvalidateSilo clears the local ownership table when siloID is this
// silo's own id, leaving its activations orphaned; for any other silo id it
// does nothing.
func (d *Directory) InvalidateSilo(siloID string) {
	if siloID != d.selfSiloID {
		return
	}
	d.mu.Lock()
	d.owned = make(map[string]struct{})
	d.mu.Unlock()
}

// Release removes a single identity from the local ownership table.
func (d *Directory) Release(id identity.ID) {
	d.mu.Lock()
	delete(d.owned, id.String())
	d.mu.Unlock()
}

// LocateOrActivate resolves id to its hosting silo. If this silo is the
// ring candidate, it activates id locally (at most once) via activate and
// returns Local: true. Otherwise it returns the candidate's silo id with
// Local: false so the caller can forward the request.
func (d *Directory) LocateOrActivate(ctx context.Context, id identity.ID, activate ActivateFunc) (Location, error) {
	ring := d.ring.Load()
	candidate := ring.Candidate(id.Hash())
	if candidate == "" {
		return Location{}, titanerrors.DependencyUnavailable("grain-directory", nil)
	}
	if candidate != d.selfSiloID {
		metrics.Global().RecordDirectoryLookup(id.GrainType, "forward")
		return Location{SiloID: candidate, Local: false}, nil
	}

	key := id.String()

	d.mu.Lock()
	if _, ok := d.owned[key]; ok {
		d.mu.Unlock()
		metrics.Global().RecordDirectoryLookup(id.GrainType, "hit")
		return Location{SiloID: d.selfSiloID, Local: true}, nil
	}
	if wait, ok := d.pending[key]; ok {
		d.mu.Unlock()
		return d.joinPendingActivation(ctx, id, wait)
	}

	wait := &activationWait{done: make(chan struct{})}
	d.pending[key] = wait
	d.mu.Unlock()

	err := activate(ctx, id)

	d.mu.Lock()
	delete(d.pending, key)
	if err == nil {
		d.owned[key] = struct{}{}
	}
	d.mu.Unlock()

	wait.err = err
	close(wait.done)

	if err != nil {
		metrics.Global().RecordDirectoryLookup(id.GrainType, "activate-failed")
		d.logger.Error(ctx, "activation failed for "+key+" (ring hash "+id.HashHex()+")", err, nil)
		return Location{}, err
	}
	metrics.Global().RecordDirectoryLookup(id.GrainType, "activate")
	d.logger.Debug(ctx, "activated "+key+" (ring hash "+id.HashHex()+")", nil)
	return Location{SiloID: d.selfSiloID, Local: true}, nil
}

func (d *Directory) joinPendingActivation(ctx context.Context, id identity.ID, wait *activationWait) (Location, error) {
	select {
	case <-wait.done:
		if wait.err != nil {
			return Location{}, wait.err
		}
		return Location{SiloID: d.selfSiloID, Local: true}, nil
	case <-ctx.Done():
		return Location{}, titanerrors.DependencyTimeout("locate-or-activate:"+id.String(), ctx.Err())
	}
}

// Owns reports whether this silo currently believes it hosts id, without
// triggering activation.
func (d *Directory) Owns(id identity.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.owned[id.String()]
	return ok
}
