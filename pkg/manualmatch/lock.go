package manualmatch

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/empicore/empi/pkg/apperrors"
)

// lockMatchGroup locks and validates the target MatchGroup row (§4.6 step 2).
func lockMatchGroup(ctx context.Context, tx *sql.Tx, groupUUID string, expectedVersion int64) (groupID int64, err error) {
	var version int64
	var deleted, matched sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT id, version, deleted, matched FROM match_groups WHERE uuid = $1 FOR UPDATE`, groupUUID,
	).Scan(&groupID, &version, &deleted, &matched)
	if err == sql.ErrNoRows {
		return 0, apperrors.NewMatchGroupNotFound(groupUUID)
	}
	if err != nil {
		return 0, fmt.Errorf("lock match group: %w", err)
	}
	if deleted.Valid {
		return 0, apperrors.NewInvalidPotentialMatch("match group %s has been superseded", groupUUID)
	}
	if matched.Valid {
		return 0, apperrors.NewInvalidPotentialMatch("match group %s is already matched", groupUUID)
	}
	if version != expectedVersion {
		return 0, apperrors.NewInvalidPotentialMatch("Potential match version is outdated")
	}
	return groupID, nil
}

// lockGroupCrosswalk locks and reads the person/record membership rows for
// every live record currently in groupID's SplinkResults, ordered by
// (person_id, record_id) per §4.6 step 3.
func lockGroupCrosswalk(ctx context.Context, tx *sql.Tx, groupID int64) ([]crosswalkRow, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH group_records AS (
			SELECT record_l_id AS record_id FROM splink_results WHERE match_group_ref = $1
			UNION
			SELECT record_r_id FROM splink_results WHERE match_group_ref = $1
		)
		SELECT p.id, p.uuid, p.version, pr.id
		FROM group_records gr
		JOIN person_records pr ON pr.id = gr.record_id AND pr.deleted IS NULL
		JOIN persons p ON p.id = pr.person_ref
		ORDER BY p.id, pr.id
		FOR UPDATE OF p, pr
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("lock group crosswalk: %w", err)
	}
	defer rows.Close()

	var crosswalk []crosswalkRow
	for rows.Next() {
		var c crosswalkRow
		if err := rows.Scan(&c.personID, &c.personUUID, &c.personVersion, &c.recordID); err != nil {
			return nil, fmt.Errorf("lock group crosswalk: scan: %w", err)
		}
		crosswalk = append(crosswalk, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock group crosswalk: %w", err)
	}
	return crosswalk, nil
}
