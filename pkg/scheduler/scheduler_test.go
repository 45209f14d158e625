package scheduler_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/empicore/empi/pkg/config"
	"github.com/empicore/empi/pkg/jobrunner"
	"github.com/empicore/empi/pkg/lockmgr"
	"github.com/empicore/empi/pkg/scheduler"
	"github.com/empicore/empi/test/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu      sync.Mutex
	seen    []int64
	onRun   func(jobID int64)
	code    int
	message string
}

func (r *recordingRunner) RunJob(_ context.Context, jobID int64) (int, string) {
	r.mu.Lock()
	r.seen = append(r.seen, jobID)
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun(jobID)
	}
	return r.code, r.message
}

func (r *recordingRunner) jobIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seen...)
}

func seedImportJob(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	ctx := context.Background()

	var configID int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO configs (potential_match_threshold, auto_match_threshold) VALUES (0.5, 0.9) RETURNING id`,
	).Scan(&configID))

	var jobID int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO jobs (config_ref, source_uri, job_type) VALUES ($1, 'file://seed', 'import_person_records') RETURNING id`,
		configID,
	).Scan(&jobID))
	return jobID
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		PollInterval:       20 * time.Millisecond,
		PollIntervalJitter: 5 * time.Millisecond,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
	}
}

func TestRun_ClaimsOldestJobFirstAndStopsSucceedingJobs(t *testing.T) {
	client := dbtest.NewClient(t)
	db := client.DB()

	jobA := seedImportJob(t, db)
	jobB := seedImportJob(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &recordingRunner{code: jobrunner.ReturnCodeSuccess}
	runner.onRun = func(jobID int64) {
		// The Matcher isn't invoked here; mark the job terminal directly so
		// the scheduler's next claim moves on to the other seeded job, then
		// stop the loop once both have been dispatched once.
		_, err := db.ExecContext(context.Background(), `UPDATE jobs SET status = 'succeeded' WHERE id = $1`, jobID)
		require.NoError(t, err)
		if len(runner.jobIDs()) >= 2 {
			cancel()
		}
	}

	sched := scheduler.New(db, runner, testSchedulerConfig(), nil)
	err := sched.Run(ctx)
	require.NoError(t, err)

	seen := runner.jobIDs()
	require.Len(t, seen, 2)
	assert.Equal(t, jobA, seen[0], "oldest job must be claimed first")
	assert.Equal(t, jobB, seen[1])
}

func TestRun_FailsFastWhenAnotherInstanceHoldsMatchingService(t *testing.T) {
	client := dbtest.NewClient(t)
	db := client.DB()

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, lockmgr.NewSession(conn).TryAcquireExclusive(context.Background(), lockmgr.LockMatchingService))

	runner := &recordingRunner{code: jobrunner.ReturnCodeSuccess}
	sched := scheduler.New(db, runner, testSchedulerConfig(), nil)

	err = sched.Run(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrAnotherInstanceRunning)
	assert.Empty(t, runner.jobIDs())
}
