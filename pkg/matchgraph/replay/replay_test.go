package replay_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/empicore/empi/pkg/manualmatch"
	"github.com/empicore/empi/pkg/matchgraph/replay"
	"github.com/empicore/empi/pkg/models"
	"github.com/empicore/empi/pkg/staging"
	"github.com/empicore/empi/test/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequentialUUID yields valid uuids whose first group is prefix (8 hex
// digits), numbered from 1.
func sequentialUUID(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-0000-0000-0000-%012d", prefix, n)
	}
}

// TestReconstruct_MatchesLivePersonRecordsAfterStagingAndManualMatch
// operationalizes §8's round-trip property: it runs the real Staging Loader
// and Manual Match Service against a live schema, then checks that replaying
// every PersonAction the two produced reconstructs exactly the person_ref
// membership the person_records table itself now shows.
func TestReconstruct_MatchesLivePersonRecordsAfterStagingAndManualMatch(t *testing.T) {
	client := dbtest.NewClient(t)
	ctx := context.Background()
	db := client.DB()

	var configID int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO configs (potential_match_threshold, auto_match_threshold) VALUES (0.5, 0.9) RETURNING id`,
	).Scan(&configID))

	var jobID int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO jobs (config_ref, source_uri, job_type) VALUES ($1, 'file://seed', 'import_person_records') RETURNING id`,
		configID,
	).Scan(&jobID))

	for _, sourcePersonID := range []string{"r-a", "r-b"} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO person_record_staging (job_id, data_source, source_person_id, first_name, last_name)
			VALUES ($1, 'src', $2, 'Jane', 'Doe')
		`, jobID, sourcePersonID)
		require.NoError(t, err)
	}

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)

	loader := staging.NewLoader(sequentialUUID("aaaaaaaa"))
	loadResult, err := loader.LoadJob(ctx, conn, tx, jobID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, 2, loadResult.Loaded)

	var recordA, recordB int64
	for rowNumber, recordID := range loadResult.RecordIDByRowNumber {
		if rowNumber == 1 {
			recordA = recordID
		} else {
			recordB = recordID
		}
	}
	personAID := loadResult.PersonIDByRowNumber[1]

	var personAUUID string
	var personAVer int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT uuid, version FROM persons WHERE id = $1`, personAID).Scan(&personAUUID, &personAVer))

	var groupID int64
	var groupUUID string
	var groupVersion int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO match_groups (uuid) VALUES ('cccccccc-0000-0000-0000-000000000001') RETURNING id, uuid, version`,
	).Scan(&groupID, &groupUUID, &groupVersion))
	_, err = db.ExecContext(ctx, `
		INSERT INTO splink_results (row_number, match_group_ref, record_l_id, record_r_id, match_probability, match_weight, job_id)
		VALUES (1, $1, $2, $3, 0.97, 5.1, $4)
	`, groupID, recordA, recordB, jobID)
	require.NoError(t, err)

	// Manually merge recordB into personA, the way an operator resolving a
	// potential match would — this emits a remove-record and an add-record
	// PersonAction on top of the Staging Loader's two add-record actions.
	svc := manualmatch.New(db, sequentialUUID("bbbbbbbb"))
	_, err = svc.MatchPersonRecords(ctx, manualmatch.Request{
		MatchGroupUUID:    groupUUID,
		MatchGroupVersion: groupVersion,
		PersonUpdates: []manualmatch.PersonUpdate{
			{UUID: &personAUUID, Version: &personAVer, NewRecordIDs: []int64{recordA, recordB}},
		},
		PerformedBy: "operator-1",
	})
	require.NoError(t, err)

	rows, err := db.QueryContext(ctx, `
		SELECT id, match_event_id, match_group_ref, person_ref, person_record_ref, type, performed_by
		FROM person_actions
	`)
	require.NoError(t, err)
	var actions []models.PersonAction
	for rows.Next() {
		var a models.PersonAction
		var groupRef *int64
		var performedBy *string
		require.NoError(t, rows.Scan(&a.ID, &a.MatchEventID, &groupRef, &a.PersonRef, &a.PersonRecordRef, &a.Type, &performedBy))
		a.MatchGroupRef = groupRef
		a.PerformedBy = performedBy
		actions = append(actions, a)
	}
	require.NoError(t, rows.Err())
	rows.Close()
	require.Len(t, actions, 4, "two add-record from staging plus one remove-record and one add-record from the merge")

	reconstructed, err := replay.Reconstruct(actions)
	require.NoError(t, err)

	liveRows, err := db.QueryContext(ctx, `SELECT person_ref, id FROM person_records WHERE deleted IS NULL`)
	require.NoError(t, err)
	live := replay.Membership{}
	for liveRows.Next() {
		var personRef, recordID int64
		require.NoError(t, liveRows.Scan(&personRef, &recordID))
		if live[personRef] == nil {
			live[personRef] = map[int64]bool{}
		}
		live[personRef][recordID] = true
	}
	require.NoError(t, liveRows.Err())
	liveRows.Close()

	assert.Empty(t, replay.Diff(live, reconstructed))
}

func TestReconstruct_RemoveWithoutPriorAddIsAnError(t *testing.T) {
	_, err := replay.Reconstruct([]models.PersonAction{
		{ID: 1, PersonRef: 1, PersonRecordRef: 10, Type: models.PersonActionRemoveRecord},
	})
	assert.Error(t, err)
}

func TestReconstruct_IgnoresActionOrderInInput(t *testing.T) {
	// Reconstruct sorts by id itself, so a caller that forgot ORDER BY still
	// gets a correct replay.
	m, err := replay.Reconstruct([]models.PersonAction{
		{ID: 3, PersonRef: 1, PersonRecordRef: 10, Type: models.PersonActionRemoveRecord},
		{ID: 1, PersonRef: 1, PersonRecordRef: 10, Type: models.PersonActionAddRecord},
		{ID: 2, PersonRef: 1, PersonRecordRef: 20, Type: models.PersonActionAddRecord},
	})
	require.NoError(t, err)
	assert.Equal(t, replay.Membership{1: {20: true}}, m)
}
