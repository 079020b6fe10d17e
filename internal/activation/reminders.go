package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/internal/identity"
	"github.com/titan-game/titan/internal/persistence"
)

// ReminderDeliverer dispatches a fired reminder to its owning grain. The
// caller typically routes this through the directory (C2) so a reminder
// firing on a silo that no longer owns the identity forwards correctly.
type ReminderDeliverer func(ctx context.Context, id identity.ID, reminderName string) error

// ReminderSweeper periodically polls the reminder table for due rows and
// delivers each one, persisting last-fired-at so the next sweep (even
// after a restart) doesn't redeliver it before its period elapses again.
type ReminderSweeper struct {
	store     *persistence.ReminderStore
	serviceID string
	deliver   ReminderDeliverer
	logger    *logging.Logger
}

// NewReminderSweeper constructs a sweeper bound to one service partition.
func NewReminderSweeper(store *persistence.ReminderStore, serviceID string, deliver ReminderDeliverer) *ReminderSweeper {
	return &ReminderSweeper{store: store, serviceID: serviceID, deliver: deliver, logger: logging.NewFromEnv("reminders")}
}

// Run schedules a sweep every interval using robfig/cron's "@every" spec
// and blocks until ctx is done.
func (r *ReminderSweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { r.sweepOnce(ctx) }); err != nil {
		r.logger.Error(ctx, "scheduling reminder sweep cron job failed", err, nil)
		return
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
}

func (r *ReminderSweeper) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	due, err := r.store.Due(ctx, r.serviceID, now)
	if err != nil {
		r.logger.Error(ctx, "listing due reminders failed", err, nil)
		return
	}

	for _, reminder := range due {
		grainID, ok := identity.ParseString(reminder.GrainID)
		if !ok {
			r.logger.Error(ctx, "reminder row with unparsable grain id "+reminder.GrainID, nil, nil)
			continue
		}
		if err := r.deliver(ctx, grainID, reminder.Name); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("reminder delivery failed, will retry next sweep")
			continue
		}
		if err := r.store.MarkFired(ctx, r.serviceID, reminder.GrainID, reminder.Name, now); err != nil {
			r.logger.Error(ctx, "marking reminder fired failed", err, nil)
		}
	}
}
