// Package scheduler implements the Matching Service (§4.7): the long-lived
// process that claims pending import Jobs one at a time and hands each to a
// jobrunner.JobRunner, the way the reference service's pkg/queue.Worker
// polls for and claims pending sessions.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/empicore/empi/pkg/apperrors"
	"github.com/empicore/empi/pkg/config"
	"github.com/empicore/empi/pkg/jobrunner"
	"github.com/empicore/empi/pkg/lockmgr"
	"github.com/empicore/empi/pkg/models"
)

// ErrAnotherInstanceRunning is returned by Run when MATCHING_SERVICE is
// already held by another scheduler process, per §5's "fails fast" rule.
var ErrAnotherInstanceRunning = errors.New("scheduler: another instance holds MATCHING_SERVICE")

// Scheduler is the Matching Service loop.
type Scheduler struct {
	db     *sql.DB
	runner jobrunner.JobRunner
	cfg    config.SchedulerConfig
	logger *slog.Logger
}

// New builds a Scheduler. logger defaults to slog.Default().
func New(db *sql.DB, runner jobrunner.JobRunner, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{db: db, runner: runner, cfg: cfg, logger: logger}
}

// Run holds MATCHING_SERVICE for its entire lifetime and repeatedly claims
// and runs the oldest pending import job until ctx is cancelled, at which
// point it drains (finishes any in-flight job, then returns nil). It
// returns ErrAnotherInstanceRunning immediately, without retrying, if
// MATCHING_SERVICE is already held elsewhere.
func (s *Scheduler) Run(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	session := lockmgr.NewSession(conn)
	if err := session.TryAcquireExclusive(ctx, lockmgr.LockMatchingService); err != nil {
		if errors.Is(err, apperrors.ErrConcurrentMatchUpdates) {
			return ErrAnotherInstanceRunning
		}
		return fmt.Errorf("scheduler: acquire MATCHING_SERVICE: %w", err)
	}
	defer func() {
		if err := session.Release(context.Background(), lockmgr.LockMatchingService); err != nil {
			s.logger.Error("failed to release MATCHING_SERVICE", "error", err)
		}
	}()
	s.logger.Info("matching service started")

	b := s.newBackoff()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("matching service draining")
			return nil
		default:
		}

		jobID, found, err := s.claimNextJob(ctx)
		if err != nil {
			s.logger.Error("claim next job failed", "error", err)
			s.sleep(ctx, b.NextBackOff())
			continue
		}
		if !found {
			s.sleep(ctx, s.pollInterval())
			continue
		}
		b.Reset()

		log := s.logger.With("job_id", jobID)
		log.Info("job claimed")
		code, msg := s.runner.RunJob(context.WithoutCancel(ctx), jobID)
		switch code {
		case jobrunner.ReturnCodeSuccess:
			log.Info("job succeeded")
		default:
			log.Error("job failed", "return_code", code, "message", msg)
		}
	}
}

// claimNextJob claims the oldest new import job with SELECT ... FOR UPDATE
// NOWAIT, per §4.7. The claim transaction commits immediately afterward;
// MATCHING_JOB (acquired inside the Matcher itself) is what actually
// serializes job processing, not this row lock.
func (s *Scheduler) claimNextJob(ctx context.Context) (jobID int64, found bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND job_type = $2
		ORDER BY created ASC, id ASC
		LIMIT 1
		FOR UPDATE NOWAIT
	`, models.JobStatusNew, models.JobTypeImportPersonRecords).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim next job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit claim: %w", err)
	}
	return jobID, true, nil
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.MaxElapsedTime = 0
	return b
}

// pollInterval returns the empty-queue poll duration with jitter.
func (s *Scheduler) pollInterval() time.Duration {
	base := s.cfg.PollInterval
	jitter := s.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
