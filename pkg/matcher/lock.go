package matcher

import (
	"context"
	"database/sql"
	"fmt"
)

// existingSplinkResult is one pre-existing, job-foreign SplinkResult
// carried forward into the new analyzer run.
type existingSplinkResult struct {
	id               int64
	matchProbability float64
	matchWeight      float64
	data             []byte // raw jsonb, re-inserted verbatim on re-parent (never re-scored)
	recordLID        int64
	recordRID        int64
	oldMatchGroupRef int64
}

// reparentExistingGroups implements §4.5 step 5's first half: lock and read
// every SplinkResult whose MatchGroup is active but not owned by jobID,
// then soft-delete those MatchGroups. Locking order follows §9 (MatchGroup
// before SplinkResult, ascending id).
func reparentExistingGroups(ctx context.Context, tx *sql.Tx, jobID int64) ([]existingSplinkResult, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sr.id, sr.match_probability, sr.match_weight, sr.data, sr.record_l_id, sr.record_r_id, mg.id
		FROM match_groups mg
		JOIN splink_results sr ON sr.match_group_ref = mg.id
		WHERE mg.deleted IS NULL AND mg.matched IS NULL AND sr.job_id != $1
		ORDER BY mg.id, sr.id
		FOR UPDATE OF mg, sr
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("lock existing results: %w", err)
	}
	defer rows.Close()

	var existing []existingSplinkResult
	groupIDs := map[int64]struct{}{}
	for rows.Next() {
		var e existingSplinkResult
		if err := rows.Scan(&e.id, &e.matchProbability, &e.matchWeight, &e.data, &e.recordLID, &e.recordRID, &e.oldMatchGroupRef); err != nil {
			return nil, fmt.Errorf("lock existing results: scan: %w", err)
		}
		existing = append(existing, e)
		groupIDs[e.oldMatchGroupRef] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock existing results: %w", err)
	}

	for groupID := range groupIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE match_groups SET deleted = statement_timestamp(), version = version + 1 WHERE id = $1
		`, groupID); err != nil {
			return nil, fmt.Errorf("soft-delete superseded match group %d: %w", groupID, err)
		}
	}

	return existing, nil
}

// lockCrosswalk locks and reads the person/record membership rows for
// recordIDs, in (person_id ASC, record_id ASC) order per §4.5 step 6.
func lockCrosswalk(ctx context.Context, tx *sql.Tx, recordIDs []int64) ([]crosswalkRecord, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.uuid, p.created, p.version, p.record_count, pr.id
		FROM persons p
		JOIN person_records pr ON pr.person_ref = p.id
		WHERE pr.id = ANY($1) AND pr.deleted IS NULL
		ORDER BY p.id ASC, pr.id ASC
		FOR UPDATE OF p, pr
	`, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("lock crosswalk: %w", err)
	}
	defer rows.Close()

	var crosswalk []crosswalkRecord
	seen := map[int64]struct{}{}
	for rows.Next() {
		var c crosswalkRecord
		if err := rows.Scan(&c.personID, &c.personUUID, &c.created, &c.version, &c.recordCount, &c.recordID); err != nil {
			return nil, fmt.Errorf("lock crosswalk: scan: %w", err)
		}
		crosswalk = append(crosswalk, c)
		seen[c.recordID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock crosswalk: %w", err)
	}

	for _, id := range recordIDs {
		if _, ok := seen[id]; !ok {
			return nil, fmt.Errorf("lock crosswalk: record %d has no live crosswalk entry", id)
		}
	}

	return crosswalk, nil
}
