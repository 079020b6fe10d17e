// Package txn implements the two-phase-commit transaction coordinator (C4):
// a minimal coordinator keyed by transaction id with a durable prepare/
// commit log persisted through internal/persistence's backing store
// (spec.md §9's "Cross-silo transactions" design note).
package txn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	titanerrors "github.com/titan-game/titan/infrastructure/errors"
	"github.com/titan-game/titan/infrastructure/logging"
	"github.com/titan-game/titan/infrastructure/metrics"
)

// Vote is a participant's response to Prepare.
type Vote int

const (
	VoteCommit Vote = iota
	VoteAbort
)

// Participant is a grain activation's side of the protocol. Prepare must
// durably log a pending write and vote before returning; Commit/Abort must
// be idempotent since the coordinator may redeliver either after a crash.
type Participant interface {
	GrainID() string
	ExpectedVersion() int64
	Prepare(ctx context.Context, txnID string) (Vote, error)
	Commit(ctx context.Context, txnID string) error
	Abort(ctx context.Context, txnID string) error
}

// Config holds the coordinator's phase deadlines.
type Config struct {
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
}

// DefaultConfig returns conservative phase deadlines.
func DefaultConfig() Config {
	return Config{PrepareTimeout: 5 * time.Second, CommitTimeout: 10 * time.Second}
}

// Coordinator drives prepare/commit/abort across a set of participants for
// one transaction, logging every phase transition so a crashed coordinator
// can resume from Recover.
type Coordinator struct {
	db     *sqlx.DB
	cfg    Config
	logger *logging.Logger
}

// NewCoordinator wraps an existing *sqlx.DB. Schema is created by internal/migrations.
func NewCoordinator(db *sqlx.DB, cfg Config) *Coordinator {
	return &Coordinator{db: db, cfg: cfg, logger: logging.NewFromEnv("txn")}
}

// Execute runs a full two-phase-commit round for participants. It returns a
// *titanerrors.ServiceError with Kind Transient (TransactionAborted) if any
// participant voted abort, failed to prepare, or the prepare phase timed out.
func (c *Coordinator) Execute(ctx context.Context, initiatorID string, participants []Participant) (txnID string, err error) {
	id := uuid.New()
	txnID = id.String()

	if err := c.logNewTransaction(ctx, id, initiatorID, participants); err != nil {
		return txnID, err
	}

	prepareCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	start := time.Now()
	if err := c.preparePhase(prepareCtx, id, participants); err != nil {
		c.abortPhase(ctx, id, participants)
		metrics.Global().RecordTransactionPhase("prepare", "aborted", time.Since(start))
		return txnID, err
	}
	metrics.Global().RecordTransactionPhase("prepare", "success", time.Since(start))

	if err := c.setPhase(ctx, id, "committing", nil); err != nil {
		return txnID, err
	}

	commitCtx, cancel2 := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel2()

	start = time.Now()
	if !c.commitPhase(commitCtx, id, participants) {
		// The log entry stays "committing" with no resolved_at, so
		// RecoverAndResolve redrives Commit for every participant.
		return txnID, nil
	}
	metrics.Global().RecordTransactionPhase("commit", "success", time.Since(start))

	now := time.Now().UTC()
	if err := c.setPhase(ctx, id, "committed", &now); err != nil {
		return txnID, err
	}
	return txnID, nil
}

func (c *Coordinator) preparePhase(ctx context.Context, id uuid.UUID, participants []Participant) error {
	for _, p := range participants {
		vote, err := p.Prepare(ctx, id.String())
		if err != nil {
			return titanerrors.TransactionAborted(id.String(), "prepare failed: "+p.GrainID())
		}
		if vote == VoteAbort {
			return titanerrors.TransactionAborted(id.String(), "participant voted abort: "+p.GrainID())
		}
		if err := c.recordVote(ctx, id, p.GrainID(), vote); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) commitPhase(ctx context.Context, id uuid.UUID, participants []Participant) bool {
	allCommitted := true
	for _, p := range participants {
		if err := p.Commit(ctx, id.String()); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("participant commit failed, recovery will retry")
			allCommitted = false
		}
	}
	return allCommitted
}

func (c *Coordinator) abortPhase(ctx context.Context, id uuid.UUID, participants []Participant) {
	for _, p := range participants {
		_ = p.Abort(ctx, id.String())
	}
	now := time.Now().UTC()
	_ = c.setPhase(ctx, id, "aborted", &now)
}

func (c *Coordinator) logNewTransaction(ctx context.Context, id uuid.UUID, initiatorID string, participants []Participant) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return titanerrors.DatabaseError("begin transaction log", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, initiator_id, phase) VALUES ($1, $2, 'preparing')
	`, id, initiatorID); err != nil {
		return titanerrors.DatabaseError("log transaction", err)
	}
	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_participants (transaction_id, grain_id, vote, expected_version)
			VALUES ($1, $2, 'pending', $3)
		`, id, p.GrainID(), p.ExpectedVersion()); err != nil {
			return titanerrors.DatabaseError("log transaction participant", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return titanerrors.DatabaseError("commit transaction log", err)
	}
	return nil
}

func (c *Coordinator) recordVote(ctx context.Context, id uuid.UUID, grainID string, vote Vote) error {
	voteStr := "commit"
	if vote == VoteAbort {
		voteStr = "abort"
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE transaction_participants SET vote = $1 WHERE transaction_id = $2 AND grain_id = $3
	`, voteStr, id, grainID)
	if err != nil {
		return titanerrors.DatabaseError("record participant vote", err)
	}
	return nil
}

func (c *Coordinator) setPhase(ctx context.Context, id uuid.UUID, phase string, resolvedAt *time.Time) error {
	var resolvedArg interface{}
	if resolvedAt != nil {
		resolvedArg = *resolvedAt
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE transactions SET phase = $1, resolved_at = $2 WHERE transaction_id = $3
	`, phase, resolvedArg, id)
	if err != nil {
		return titanerrors.DatabaseError("set transaction phase", err)
	}
	return nil
}

// PendingRecord describes a transaction log entry found by Recover that
// still needs resolving.
type PendingRecord struct {
	TransactionID string
	Phase         string
	GrainIDs      []string
}

// Recover lists every transaction whose log entry has no resolved_at,
// each with its phase and participant grain ids, so a restarted coordinator can replay commit for
// "committing" transactions and abort "preparing" ones (spec.md §4.4's
// recovery contract).
func (c *Coordinator) Recover(ctx context.Context) ([]PendingRecord, error) {
	var txnRows []struct {
		TransactionID string `db:"transaction_id"`
		Phase         string `db:"phase"`
	}
	err := c.db.SelectContext(ctx, &txnRows, `
		SELECT transaction_id, phase FROM transactions WHERE resolved_at IS NULL
	`)
	if err != nil {
		return nil, titanerrors.DatabaseError("list unresolved transactions", err)
	}

	records := make([]PendingRecord, 0, len(txnRows))
	for _, row := range txnRows {
		var grainIDs []string
		if err := c.db.SelectContext(ctx, &grainIDs, `
			SELECT grain_id FROM transaction_participants WHERE transaction_id = $1
		`, row.TransactionID); err != nil {
			return nil, titanerrors.DatabaseError("list transaction participants", err)
		}
		records = append(records, PendingRecord{TransactionID: row.TransactionID, Phase: row.Phase, GrainIDs: grainIDs})
	}
	return records, nil
}

// ResolveCommitted marks a recovered transaction committed after the caller
// has redriven Commit against every participant. Idempotent: a transaction
// already marked resolved is left untouched.
func (c *Coordinator) ResolveCommitted(ctx context.Context, transactionID string) error {
	now := time.Now().UTC()
	result, err := c.db.ExecContext(ctx, `
		UPDATE transactions SET phase = 'committed', resolved_at = $1 WHERE transaction_id = $2 AND resolved_at IS NULL
	`, now, transactionID)
	if err != nil {
		return titanerrors.DatabaseError("resolve committed transaction", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return titanerrors.DatabaseError("resolve committed transaction", err)
	}
	if rows == 0 {
		return nil
	}
	return nil
}

// ResolveAborted marks a recovered "preparing" transaction aborted.
func (c *Coordinator) ResolveAborted(ctx context.Context, transactionID string) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE transactions SET phase = 'aborted', resolved_at = $1 WHERE transaction_id = $2 AND resolved_at IS NULL
	`, now, transactionID)
	if err != nil {
		return titanerrors.DatabaseError("resolve aborted transaction", err)
	}
	return nil
}

// ParticipantResolver reconstructs the Participant for a grain id recorded
// against a recovered transaction, so RecoverAndResolve can redrive
// Commit/Abort without the coordinator itself knowing how any particular
// grain type rehydrates.
type ParticipantResolver func(ctx context.Context, grainID string) (Participant, error)

// RecoverAndResolve implements spec.md §4.4's crash-recovery contract: every
// transaction whose log entry has no resolved_at is replayed to a terminal
// state. A "committing" transaction already durably recorded that every
// participant prepared, so it is driven to Commit; a "preparing" one never
// reached a commit decision, so it is driven to Abort. A transaction is
// marked resolved only after every participant it logged has been
// redriven; a resolver or redrive failure for one participant is logged
// and does not block the others, the same tolerance Execute's live
// commitPhase has for an unreachable participant.
func (c *Coordinator) RecoverAndResolve(ctx context.Context, resolve ParticipantResolver) error {
	records, err := c.Recover(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		switch record.Phase {
		case "committing":
			c.redriveParticipants(ctx, record, resolve, func(p Participant) error {
				return p.Commit(ctx, record.TransactionID)
			})
			c.logger.LogTransactionPhase(ctx, record.TransactionID, "recovered-commit", nil)
			if err := c.ResolveCommitted(ctx, record.TransactionID); err != nil {
				return err
			}
		case "preparing":
			c.redriveParticipants(ctx, record, resolve, func(p Participant) error {
				return p.Abort(ctx, record.TransactionID)
			})
			c.logger.LogTransactionPhase(ctx, record.TransactionID, "recovered-abort", nil)
			if err := c.ResolveAborted(ctx, record.TransactionID); err != nil {
				return err
			}
		default:
			c.logger.Warn(ctx, "recovered transaction in unresolvable phase, leaving unresolved: "+record.TransactionID+" ("+record.Phase+")", nil)
		}
	}
	return nil
}

func (c *Coordinator) redriveParticipants(ctx context.Context, record PendingRecord, resolve ParticipantResolver, apply func(Participant) error) {
	for _, grainID := range record.GrainIDs {
		participant, err := resolve(ctx, grainID)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("resolving recovered participant " + grainID + " for transaction " + record.TransactionID)
			continue
		}
		if err := apply(participant); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("redriving recovered participant " + grainID + " for transaction " + record.TransactionID)
		}
	}
}
