package membership

import (
	"context"
	"time"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
)

// Monitor runs a silo's side of the membership protocol: it joins the
// roster, heartbeats on an interval, watches peers for missed heartbeats,
// votes them suspect, and self-terminates if its own row is ever observed
// dead (spec.md §4.1's failure model).
type Monitor struct {
	store  *Store
	self   Silo
	cfg    Config
	logger *logging.Logger

	// onEvicted is invoked once if this silo observes its own row as dead.
	onEvicted func()
}

// NewMonitor constructs a Monitor for the given silo identity.
func NewMonitor(store *Store, self Silo, cfg Config, onEvicted func()) *Monitor {
	return &Monitor{
		store:     store,
		self:      self,
		cfg:       cfg,
		logger:    logging.NewFromEnv("membership"),
		onEvicted: onEvicted,
	}
}

// Join inserts this silo's row, retrying on version conflicts from
// concurrently joining peers until it succeeds or ctx is done. The
// generation is bumped past any prior generation seen for this endpoint so
// a re-join is always distinguishable from the silo's previous lifetime.
func (m *Monitor) Join(ctx context.Context) error {
	maxGen, err := m.store.MaxGeneration(ctx, m.self.Endpoint)
	if err != nil {
		return err
	}
	if m.self.Generation <= maxGen {
		m.self.Generation = maxGen + 1
	}

	for {
		version, err := m.store.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		_, err = m.store.Insert(ctx, m.self, version)
		if err == nil {
			return nil
		}
		if !isVersionConflict(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Activate transitions this silo from joining to active, retrying on
// version conflicts the same way Join does.
func (m *Monitor) Activate(ctx context.Context) error {
	return m.transition(ctx, StatusActive)
}

// ShutdownGracefully marks this silo shutting-down, the terminal state a
// clean exit writes before closing its listener.
func (m *Monitor) ShutdownGracefully(ctx context.Context) error {
	return m.transition(ctx, StatusShuttingDown)
}

func (m *Monitor) transition(ctx context.Context, status Status) error {
	for {
		version, err := m.store.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		_, err = m.store.UpdateStatus(ctx, m.self.SiloID, status, version)
		if err == nil {
			return nil
		}
		if !isVersionConflict(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Run drives the heartbeat and failure-detection loop until ctx is
// cancelled. It is meant to be launched in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	now := time.Now().UTC()

	if err := m.store.Heartbeat(ctx, m.self.SiloID, now); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("heartbeat write failed")
	}

	self, err := m.store.Get(ctx, m.self.SiloID)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("failed to read own roster row")
		return
	}
	if self.Status == StatusDead {
		m.logger.Error(ctx, "observed own silo marked dead, self-terminating", nil, nil)
		if m.onEvicted != nil {
			m.onEvicted()
		}
		return
	}

	peers, err := m.store.List(ctx)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("failed to list membership roster")
		return
	}

	for _, peer := range peers {
		if peer.SiloID == m.self.SiloID {
			continue
		}
		if peer.Status == StatusDead || peer.Status == StatusDefunct {
			continue
		}
		if now.Sub(peer.LastHeartbeat) <= m.cfg.SuspectThreshold {
			continue
		}

		if err := m.store.AppendSuspect(ctx, peer.SiloID, m.self.SiloID, now); err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to record suspect vote")
			continue
		}

		count, err := m.store.SuspectCount(ctx, peer.SiloID)
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to count suspect votes")
			continue
		}
		if count < m.cfg.Quorum {
			continue
		}

		version, err := m.store.CurrentVersion(ctx)
		if err != nil {
			continue
		}
		if _, err := m.store.UpdateStatus(ctx, peer.SiloID, StatusDead, version); err != nil && !isVersionConflict(err) {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to mark peer dead")
			continue
		}
		_ = m.store.ClearSuspects(ctx, peer.SiloID)
	}
}

func isVersionConflict(err error) bool {
	svcErr, ok := err.(*titanerrors.ServiceError)
	return ok && svcErr.Code == titanerrors.ErrCodeVersionConflict
}
