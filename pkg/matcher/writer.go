package matcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/empicore/empi/pkg/apperrors"
	"github.com/empicore/empi/pkg/matchgraph"
	"github.com/empicore/empi/pkg/models"
)

// writeOutput persists one matchgraph.Output per the fixed ordering in
// §4.5.1. eventCreated is the auto-matches MatchEvent's timestamp, used for
// every derived person_updated / matched_or_reviewed / matched stamp so the
// whole write is attributable to one instant.
func writeOutput(
	ctx context.Context,
	tx *sql.Tx,
	jobID int64,
	eventID int64,
	eventCreated time.Time,
	out matchgraph.Output,
	combined []combinedResult,
) error {
	byRowNumber := make(map[int64]combinedResult, len(combined))
	for _, c := range combined {
		byRowNumber[c.rowNumber] = c
	}

	// Step 1: insert new MatchGroups.
	groupIDByUUID := make(map[string]int64, len(out.Groups))
	for _, g := range out.Groups {
		var matched any
		if g.Matched {
			matched = eventCreated
		}
		var id int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO match_groups (uuid, matched) VALUES ($1, $2) RETURNING id`,
			g.UUID, matched,
		).Scan(&id); err != nil {
			return apperrors.NewFatalJobError("writer.insert_group", fmt.Errorf("group %s: %w", g.UUID, err))
		}
		groupIDByUUID[g.UUID] = id
	}

	// Step 2: insert new SplinkResults (job-owned), emit add-result actions.
	for _, rowNumber := range sortedRowNumbers(byRowNumber) {
		c := byRowNumber[rowNumber]
		if c.current {
			continue
		}
		groupUUID := out.GroupResults[rowNumber]
		groupID, ok := groupIDByUUID[groupUUID]
		if !ok {
			return apperrors.NewFatalJobError("writer.insert_result", fmt.Errorf("result row %d: no group for uuid %s", rowNumber, groupUUID))
		}
		dataJSON, err := json.Marshal(c.data)
		if err != nil {
			return apperrors.NewFatalJobError("writer.insert_result", err)
		}
		var splinkResultID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO splink_results (row_number, match_probability, match_weight, data, record_l_id, record_r_id, match_group_ref, job_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
		`, rowNumber, c.matchProbability, c.matchWeight, dataJSON, c.recordLID, c.recordRID, groupID, jobID).Scan(&splinkResultID); err != nil {
			return apperrors.NewFatalJobError("writer.insert_result", err)
		}
		if err := insertMatchGroupAction(ctx, tx, eventID, groupID, splinkResultID, models.MatchGroupActionAddResult); err != nil {
			return err
		}
	}

	// Step 3: re-parent current SplinkResults into their new MatchGroup,
	// emitting remove-result then add-result, in that order, per result.
	for _, rowNumber := range sortedRowNumbers(byRowNumber) {
		c := byRowNumber[rowNumber]
		if !c.current {
			continue
		}
		groupUUID := out.GroupResults[rowNumber]
		newGroupID, ok := groupIDByUUID[groupUUID]
		if !ok {
			return apperrors.NewFatalJobError("writer.reparent_result", fmt.Errorf("result row %d: no group for uuid %s", rowNumber, groupUUID))
		}
		oldGroupID, err := currentMatchGroupRef(ctx, tx, c.splinkResultID)
		if err != nil {
			return apperrors.NewFatalJobError("writer.reparent_result", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE splink_results SET match_group_ref = $1 WHERE id = $2`,
			newGroupID, c.splinkResultID,
		); err != nil {
			return apperrors.NewFatalJobError("writer.reparent_result", err)
		}
		if err := insertMatchGroupAction(ctx, tx, eventID, oldGroupID, c.splinkResultID, models.MatchGroupActionRemoveResult); err != nil {
			return err
		}
		if err := insertMatchGroupAction(ctx, tx, eventID, newGroupID, c.splinkResultID, models.MatchGroupActionAddResult); err != nil {
			return err
		}
	}

	// Step 4: emit a match MatchGroupAction for every now-matched group.
	for _, g := range out.Groups {
		if !g.Matched {
			continue
		}
		if err := insertMatchGroupAction(ctx, tx, eventID, groupIDByUUID[g.UUID], 0, models.MatchGroupActionMatch); err != nil {
			return err
		}
	}

	// Step 5: apply person reassignments, then persons actions in the
	// remove-then-add order the audit contract requires.
	if err := applyPersonActions(ctx, tx, eventID, eventCreated, out.PersonActions, groupIDByUUID); err != nil {
		return err
	}

	// Step 6: every PersonRecord whose person appears in any PersonAction
	// gets matched_or_reviewed bumped, even if the record itself didn't move.
	touchedPersons := map[int64]struct{}{}
	for _, a := range out.PersonActions {
		touchedPersons[a.FromPersonID] = struct{}{}
		touchedPersons[a.ToPersonID] = struct{}{}
	}
	if len(touchedPersons) > 0 {
		ids := make([]int64, 0, len(touchedPersons))
		for id := range touchedPersons {
			ids = append(ids, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE person_records SET matched_or_reviewed = $1 WHERE person_ref = ANY($2) AND deleted IS NULL`,
			eventCreated, ids,
		); err != nil {
			return apperrors.NewFatalJobError("writer.touch_records", err)
		}
	}

	return nil
}

func sortedRowNumbers(m map[int64]combinedResult) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func currentMatchGroupRef(ctx context.Context, tx *sql.Tx, splinkResultID int64) (int64, error) {
	var groupID int64
	err := tx.QueryRowContext(ctx, `SELECT match_group_ref FROM splink_results WHERE id = $1`, splinkResultID).Scan(&groupID)
	return groupID, err
}

func insertMatchGroupAction(ctx context.Context, tx *sql.Tx, eventID, matchGroupID, splinkResultID int64, actionType models.MatchGroupActionType) error {
	var splinkResultRef any
	if splinkResultID != 0 {
		splinkResultRef = splinkResultID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO match_group_actions (match_event_id, match_group_ref, splink_result_ref, type)
		VALUES ($1, $2, $3, $4)
	`, eventID, matchGroupID, splinkResultRef, actionType); err != nil {
		return apperrors.NewFatalJobError("writer.insert_match_group_action", err)
	}
	return nil
}

// personDelta aggregates every PersonAction touching one person into a
// single version-guarded update, since the analyzer's from/to versions are
// both snapshots of the same pre-mutation crosswalk read (§4.3 step 5).
type personDelta struct {
	expectedVersion int64
	recordCountDiff int64
}

func applyPersonActions(ctx context.Context, tx *sql.Tx, eventID int64, eventCreated time.Time, actions []matchgraph.PersonAction, groupIDByUUID map[string]int64) error {
	if len(actions) == 0 {
		return nil
	}

	deltas := map[int64]*personDelta{}
	touch := func(personID, expectedVersion int64, diff int64) error {
		d, ok := deltas[personID]
		if !ok {
			deltas[personID] = &personDelta{expectedVersion: expectedVersion, recordCountDiff: diff}
			return nil
		}
		if d.expectedVersion != expectedVersion {
			return fmt.Errorf("person %d: inconsistent snapshot version (%d vs %d)", personID, d.expectedVersion, expectedVersion)
		}
		d.recordCountDiff += diff
		return nil
	}
	for _, a := range actions {
		if err := touch(a.FromPersonID, a.FromPersonVersion, -1); err != nil {
			return apperrors.NewFatalJobError("writer.aggregate_person_delta", err)
		}
		if err := touch(a.ToPersonID, a.ToPersonVersion, 1); err != nil {
			return apperrors.NewFatalJobError("writer.aggregate_person_delta", err)
		}
	}

	personIDs := make([]int64, 0, len(deltas))
	for id := range deltas {
		personIDs = append(personIDs, id)
	}
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })

	for _, personID := range personIDs {
		d := deltas[personID]
		res, err := tx.ExecContext(ctx, `
			UPDATE persons
			SET record_count = record_count + $1,
			    version = version + 1,
			    updated = $2,
			    deleted = CASE WHEN record_count + $1 = 0 THEN $2 ELSE deleted END
			WHERE id = $3 AND version = $4
		`, d.recordCountDiff, eventCreated, personID, d.expectedVersion)
		if err != nil {
			return apperrors.NewFatalJobError("writer.update_person", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperrors.NewFatalJobError("writer.update_person", err)
		}
		if n != 1 {
			return apperrors.NewFatalJobError("writer.update_person",
				&apperrors.VersionMismatchError{Entity: "Person", ID: fmt.Sprintf("%d", personID), Expected: d.expectedVersion})
		}
	}

	// Update PersonRecord ownership for every moved record.
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, `
			UPDATE person_records SET person_ref = $1, person_updated = $2, matched_or_reviewed = $2 WHERE id = $3
		`, a.ToPersonID, eventCreated, a.RecordID); err != nil {
			return apperrors.NewFatalJobError("writer.move_record", err)
		}
	}

	// Remove-record actions first, in record-id order, then add-record
	// actions in the same order — this is the id-ordering audit contract.
	ordered := append([]matchgraph.PersonAction(nil), actions...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RecordID < ordered[j].RecordID })

	for _, a := range ordered {
		groupID := groupIDByUUID[a.GroupUUID]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO person_actions (match_event_id, match_group_ref, person_ref, person_record_ref, type)
			VALUES ($1, $2, $3, $4, $5)
		`, eventID, groupID, a.FromPersonID, a.RecordID, models.PersonActionRemoveRecord); err != nil {
			return apperrors.NewFatalJobError("writer.insert_remove_action", err)
		}
	}
	for _, a := range ordered {
		groupID := groupIDByUUID[a.GroupUUID]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO person_actions (match_event_id, match_group_ref, person_ref, person_record_ref, type)
			VALUES ($1, $2, $3, $4, $5)
		`, eventID, groupID, a.ToPersonID, a.RecordID, models.PersonActionAddRecord); err != nil {
			return apperrors.NewFatalJobError("writer.insert_add_action", err)
		}
	}

	return nil
}
