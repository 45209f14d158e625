package matcher_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/empicore/empi/pkg/linker"
	"github.com/empicore/empi/pkg/matcher"
	"github.com/empicore/empi/pkg/models"
	"github.com/empicore/empi/test/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uuidSeq is shared by every generator so that two Matchers in one test
// never hand out the same person or group uuid.
var uuidSeq int

func sequentialUUID() func() string {
	return func() string {
		uuidSeq++
		return fmt.Sprintf("00000000-0000-0000-0000-%012d", uuidSeq)
	}
}

// fnLinker adapts a plain function to linker.Linker so tests can match
// candidate pairs by source_person_id rather than by predicting the
// database-assigned record ids the Staging Loader will hand out.
type fnLinker struct {
	predict func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair
}

func (f fnLinker) Predict(_ context.Context, records []linker.RecordFrame, constraint linker.BlockingConstraint, _ map[string]any) ([]linker.ScoredPair, error) {
	return f.predict(records, constraint), nil
}

func findRecordID(t *testing.T, frames []linker.RecordFrame, sourcePersonID string) int64 {
	t.Helper()
	for _, f := range frames {
		if f.SourcePersonID == sourcePersonID {
			return f.ID
		}
	}
	require.FailNowf(t, "record not found", "no extracted record with source_person_id %q", sourcePersonID)
	return 0
}

func seedConfig(t *testing.T, db *sql.DB, potential, auto float64) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.QueryRowContext(context.Background(),
		`INSERT INTO configs (potential_match_threshold, auto_match_threshold) VALUES ($1, $2) RETURNING id`,
		potential, auto,
	).Scan(&id))
	return id
}

func seedImportJob(t *testing.T, db *sql.DB, configID int64) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.QueryRowContext(context.Background(),
		`INSERT INTO jobs (config_ref, source_uri, job_type) VALUES ($1, 'file://seed', 'import_person_records') RETURNING id`,
		configID,
	).Scan(&id))
	return id
}

func seedStagingRow(t *testing.T, db *sql.DB, jobID int64, sourcePersonID, firstName, lastName string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO person_record_staging (job_id, data_source, source_person_id, first_name, last_name)
		VALUES ($1, 'src', $2, $3, $4)
	`, jobID, sourcePersonID, firstName, lastName)
	require.NoError(t, err)
}

func personRefOf(t *testing.T, db *sql.DB, sourcePersonID string) int64 {
	t.Helper()
	var personRef int64
	require.NoError(t, db.QueryRowContext(context.Background(),
		`SELECT person_ref FROM person_records WHERE source_person_id = $1 AND deleted IS NULL`, sourcePersonID,
	).Scan(&personRef))
	return personRef
}

// captureLinker records every call it receives, letting a test build its
// response after seeing what the Matcher actually extracted.
func captureLinker(build func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair) linker.Linker {
	return fnLinker{predict: build}
}

func TestProcessJob_NoStagingRowsIsNoop(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()
	db := client.DB()

	configID := seedConfig(t, db, 0.5, 0.9)
	jobID := seedImportJob(t, db, configID)

	l := captureLinker(func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair {
		t.Fatal("linker must not be invoked when no staging rows were loaded")
		return nil
	})

	m := matcher.New(db, l, sequentialUUID(), nil)
	require.NoError(t, m.ProcessJob(ctx, jobID))

	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status))
	assert.Equal(t, string(models.JobStatusSucceeded), status)
}

func TestProcessJob_AutoMatchMergesIntoRepresentative(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()
	db := client.DB()

	configID := seedConfig(t, db, 0.5, 0.9)
	jobID := seedImportJob(t, db, configID)
	seedStagingRow(t, db, jobID, "a1", "Jane", "Doe")
	seedStagingRow(t, db, jobID, "a2", "Jane", "Doe")

	l := captureLinker(func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair {
		lhs := findRecordID(t, records, "a1")
		rhs := findRecordID(t, records, "a2")
		return []linker.ScoredPair{{MatchProbability: 0.97, MatchWeight: 12, RecordLID: lhs, RecordRID: rhs, Data: map[string]any{"note": "auto"}}}
	})

	m := matcher.New(db, l, sequentialUUID(), nil)
	require.NoError(t, m.ProcessJob(ctx, jobID))

	var status string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status))
	assert.Equal(t, string(models.JobStatusSucceeded), status)

	p1 := personRefOf(t, db, "a1")
	p2 := personRefOf(t, db, "a2")
	assert.Equal(t, p1, p2, "both records must resolve to the same (representative) person")

	var recordCount int64
	var deleted sql.NullTime
	require.NoError(t, db.QueryRowContext(ctx, `SELECT record_count, deleted FROM persons WHERE id = $1`, p1).Scan(&recordCount, &deleted))
	assert.Equal(t, int64(2), recordCount)
	assert.False(t, deleted.Valid)

	var matchedGroups int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM match_groups WHERE matched IS NOT NULL AND deleted IS NULL`).Scan(&matchedGroups))
	assert.Equal(t, 1, matchedGroups)

	var removeCount, addCount int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT count(*) FROM person_actions pa
		JOIN match_events me ON me.id = pa.match_event_id
		WHERE me.type = 'auto-matches' AND pa.type = 'remove-record'
	`).Scan(&removeCount))
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT count(*) FROM person_actions pa
		JOIN match_events me ON me.id = pa.match_event_id
		WHERE me.type = 'auto-matches' AND pa.type = 'add-record'
	`).Scan(&addCount))
	assert.Equal(t, 1, removeCount, "only the non-representative's record should move")
	assert.Equal(t, 1, addCount)
}

func TestProcessJob_PotentialMatchOnlyDoesNotReassign(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()
	db := client.DB()

	configID := seedConfig(t, db, 0.5, 0.9)
	jobID := seedImportJob(t, db, configID)
	seedStagingRow(t, db, jobID, "b1", "John", "Roe")
	seedStagingRow(t, db, jobID, "b2", "John", "Roe")

	l := captureLinker(func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair {
		lhs := findRecordID(t, records, "b1")
		rhs := findRecordID(t, records, "b2")
		return []linker.ScoredPair{{MatchProbability: 0.7, MatchWeight: 3, RecordLID: lhs, RecordRID: rhs, Data: map[string]any{}}}
	})

	m := matcher.New(db, l, sequentialUUID(), nil)
	require.NoError(t, m.ProcessJob(ctx, jobID))

	p1 := personRefOf(t, db, "b1")
	p2 := personRefOf(t, db, "b2")
	assert.NotEqual(t, p1, p2, "a potential-only match must not reassign records")

	var matchedGroups, unmatchedGroups int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM match_groups WHERE matched IS NOT NULL`).Scan(&matchedGroups))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM match_groups WHERE matched IS NULL AND deleted IS NULL`).Scan(&unmatchedGroups))
	assert.Equal(t, 0, matchedGroups)
	assert.Equal(t, 1, unmatchedGroups)

	var autoMatchActions int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT count(*) FROM person_actions pa
		JOIN match_events me ON me.id = pa.match_event_id
		WHERE me.type = 'auto-matches'
	`).Scan(&autoMatchActions))
	assert.Zero(t, autoMatchActions)
}

func TestProcessJob_ReparentsExistingGroupAcrossRuns(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()
	db := client.DB()

	configID := seedConfig(t, db, 0.5, 0.9)

	job1 := seedImportJob(t, db, configID)
	seedStagingRow(t, db, job1, "c1", "Ann", "Lee")
	seedStagingRow(t, db, job1, "c2", "Ann", "Lee")

	job1Linker := captureLinker(func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair {
		lhs := findRecordID(t, records, "c1")
		rhs := findRecordID(t, records, "c2")
		return []linker.ScoredPair{{MatchProbability: 0.7, MatchWeight: 3, RecordLID: lhs, RecordRID: rhs, Data: map[string]any{}}}
	})
	require.NoError(t, matcher.New(db, job1Linker, sequentialUUID(), nil).ProcessJob(ctx, job1))

	var oldGroupID int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT id FROM match_groups WHERE matched IS NULL AND deleted IS NULL`).Scan(&oldGroupID))

	job2 := seedImportJob(t, db, configID)
	seedStagingRow(t, db, job2, "c3", "Ann", "Lee")

	job2Linker := captureLinker(func(records []linker.RecordFrame, constraint linker.BlockingConstraint) []linker.ScoredPair {
		rhs := findRecordID(t, records, "c2")
		newRec := findRecordID(t, records, "c3")
		return []linker.ScoredPair{{MatchProbability: 0.7, MatchWeight: 3, RecordLID: rhs, RecordRID: newRec, Data: map[string]any{}}}
	})
	require.NoError(t, matcher.New(db, job2Linker, sequentialUUID(), nil).ProcessJob(ctx, job2))

	var oldGroupDeleted sql.NullTime
	require.NoError(t, db.QueryRowContext(ctx, `SELECT deleted FROM match_groups WHERE id = $1`, oldGroupID).Scan(&oldGroupDeleted))
	assert.True(t, oldGroupDeleted.Valid, "job1's group must be superseded once job2 touches one of its records")

	var activeGroups int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM match_groups WHERE deleted IS NULL`).Scan(&activeGroups))
	assert.Equal(t, 1, activeGroups, "c1/c2/c3 must all resolve into a single active group")

	var resultsInActiveGroup int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT count(*) FROM splink_results sr
		JOIN match_groups mg ON mg.id = sr.match_group_ref
		WHERE mg.deleted IS NULL
	`).Scan(&resultsInActiveGroup))
	assert.Equal(t, 2, resultsInActiveGroup, "the carried-forward c1-c2 result plus the new c2-c3 result")

	var reparentActions int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT count(*) FROM match_group_actions mga
		JOIN match_events me ON me.id = mga.match_event_id
		WHERE mga.match_group_ref = $1 AND mga.type = 'remove-result'
	`, oldGroupID).Scan(&reparentActions))
	assert.Equal(t, 1, reparentActions)
}

func TestProcessJob_LinkerErrorFailsJobWithReasonAndRollsBack(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()
	db := client.DB()

	configID := seedConfig(t, db, 0.5, 0.9)
	jobID := seedImportJob(t, db, configID)
	seedStagingRow(t, db, jobID, "d1", "Amy", "Stone")

	m := matcher.New(db, erroringLinker{}, sequentialUUID(), nil)
	err := m.ProcessJob(ctx, jobID)
	require.Error(t, err)

	var status, reason string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status, reason FROM jobs WHERE id = $1`, jobID).Scan(&status, &reason))
	assert.Equal(t, string(models.JobStatusFailed), status)
	assert.NotEmpty(t, reason)

	// The Staging Loader's deletes were undone by the rollback, but the
	// compensating failure transaction deletes the job's staging rows
	// itself: §3 says staging rows are deleted once the job terminates,
	// failed or not.
	var stagingCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM person_record_staging WHERE job_id = $1`, jobID).Scan(&stagingCount))
	assert.Equal(t, 0, stagingCount, "a failed job's staging rows must still be cleaned up")
}

// erroringLinker always fails Predict, exercising the Matcher's fatal-error
// rollback path (§4.5.1 failure semantics).
type erroringLinker struct{}

func (erroringLinker) Predict(context.Context, []linker.RecordFrame, linker.BlockingConstraint, map[string]any) ([]linker.ScoredPair, error) {
	return nil, fmt.Errorf("linker unavailable")
}
