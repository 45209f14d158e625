package manualmatch

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/empicore/empi/pkg/apperrors"
	"github.com/empicore/empi/pkg/lockmgr"
	"github.com/empicore/empi/pkg/models"
	"github.com/google/uuid"
)

// Service implements match_person_records (§4.6).
type Service struct {
	db      *sql.DB
	newUUID func() string
}

// New builds a Service. newUUID defaults to uuid.NewString.
func New(db *sql.DB, newUUID func() string) *Service {
	if newUUID == nil {
		newUUID = uuid.NewString
	}
	return &Service{db: db, newUUID: newUUID}
}

// MatchPersonRecords runs the full §4.6 transactional protocol and returns
// the id of the manual-match MatchEvent it emitted.
func (s *Service) MatchPersonRecords(ctx context.Context, req Request) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Step 1: MATCH_UPDATE as shared, fail fast if the Matcher holds it.
	if err := lockmgr.New(tx).TryShared(ctx, lockmgr.LockMatchUpdate); err != nil {
		return 0, err
	}

	// Step 2: lock + validate the target MatchGroup.
	groupID, err := lockMatchGroup(ctx, tx, req.MatchGroupUUID, req.MatchGroupVersion)
	if err != nil {
		return 0, err
	}

	// Step 3: lock the group's person/record crosswalk.
	crosswalk, err := lockGroupCrosswalk(ctx, tx, groupID)
	if err != nil {
		return 0, err
	}
	if len(crosswalk) == 0 {
		return 0, apperrors.NewInvalidPotentialMatch("match group %s has no live records", req.MatchGroupUUID)
	}

	// Step 4: validate the request against the locked crosswalk.
	if err := validate(req, crosswalk); err != nil {
		return 0, err
	}

	uuidToPersonID := map[string]int64{}
	currentPersonIDByRecord := map[int64]int64{}
	currentCountByUUID := map[string]int{}
	for _, c := range crosswalk {
		uuidToPersonID[c.personUUID] = c.personID
		currentPersonIDByRecord[c.recordID] = c.personID
		currentCountByUUID[c.personUUID]++
	}
	namedUUIDs := map[string]struct{}{}
	for _, u := range req.PersonUpdates {
		if u.UUID != nil {
			namedUUIDs[*u.UUID] = struct{}{}
		}
	}

	// Step 5: emit the manual-match MatchEvent.
	var eventID int64
	var eventCreated time.Time
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO match_events (type, performed_by, comments) VALUES ($1, $2, $3) RETURNING id, created`,
		models.MatchEventManualMatch, req.PerformedBy, req.Comments,
	).Scan(&eventID, &eventCreated); err != nil {
		return 0, fmt.Errorf("insert manual-match event: %w", err)
	}

	// Step 6: apply each update's Person (create or version-guarded update),
	// and record where every mentioned record is headed.
	targetPersonIDByRecord := map[int64]int64{}
	for _, u := range req.PersonUpdates {
		var targetPersonID int64
		if u.isNew() {
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO persons (uuid, record_count) VALUES ($1, $2) RETURNING id`,
				s.newUUID(), len(u.NewRecordIDs),
			).Scan(&targetPersonID); err != nil {
				return 0, fmt.Errorf("insert new person: %w", err)
			}
		} else {
			targetPersonID = uuidToPersonID[*u.UUID]
			// record_count tracks ALL of this person's live records, not just
			// the ones visible in this match group's crosswalk, so it must be
			// adjusted by the within-group delta rather than overwritten.
			delta := len(u.NewRecordIDs) - currentCountByUUID[*u.UUID]
			res, err := tx.ExecContext(ctx, `
				UPDATE persons
				SET record_count = record_count + $1,
				    version = version + 1,
				    updated = $2,
				    deleted = CASE WHEN record_count + $1 = 0 THEN $2 ELSE deleted END
				WHERE id = $3 AND version = $4
			`, delta, eventCreated, targetPersonID, *u.Version)
			if err != nil {
				return 0, fmt.Errorf("update person %s: %w", *u.UUID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("update person %s: %w", *u.UUID, err)
			}
			if n != 1 {
				return 0, &apperrors.VersionMismatchError{Entity: "Person", ID: *u.UUID, Expected: *u.Version}
			}
		}
		for _, rid := range u.NewRecordIDs {
			targetPersonIDByRecord[rid] = targetPersonID
		}
	}

	// Step 7+8: partition every crosswalk record into review (unnamed
	// person, record not claimed by any update) or moved (claimed by an
	// update for a different person, add+remove), and apply the
	// PersonRecord-side updates.
	var reviewRecordIDs, removedRecordIDs, addedRecordIDs []int64
	removeFromPerson := map[int64]int64{}
	addToPerson := map[int64]int64{}

	for _, c := range crosswalk {
		target, mentioned := targetPersonIDByRecord[c.recordID]
		_, named := namedUUIDs[c.personUUID]
		if !named && !mentioned {
			reviewRecordIDs = append(reviewRecordIDs, c.recordID)
			if _, err := tx.ExecContext(ctx,
				`UPDATE person_records SET matched_or_reviewed = $1 WHERE id = $2`,
				eventCreated, c.recordID,
			); err != nil {
				return 0, fmt.Errorf("touch reviewed record %d: %w", c.recordID, err)
			}
			continue
		}

		if !mentioned || target == c.personID {
			continue // record stays exactly where it was; nothing to record
		}
		if !named {
			// An unnamed owner has no update of its own, so the record it
			// loses is taken off its record_count here.
			if _, err := tx.ExecContext(ctx, `
				UPDATE persons
				SET record_count = record_count - 1, version = version + 1, updated = $1,
				    deleted = CASE WHEN record_count - 1 = 0 THEN $1 ELSE deleted END
				WHERE id = $2
			`, eventCreated, c.personID); err != nil {
				return 0, fmt.Errorf("update person %s: %w", c.personUUID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE person_records SET person_ref = $1, person_updated = $2, matched_or_reviewed = $2 WHERE id = $3
		`, target, eventCreated, c.recordID); err != nil {
			return 0, fmt.Errorf("move record %d: %w", c.recordID, err)
		}
		removedRecordIDs = append(removedRecordIDs, c.recordID)
		addedRecordIDs = append(addedRecordIDs, c.recordID)
		removeFromPerson[c.recordID] = c.personID
		addToPerson[c.recordID] = target
	}

	sort.Slice(reviewRecordIDs, func(i, j int) bool { return reviewRecordIDs[i] < reviewRecordIDs[j] })
	sort.Slice(removedRecordIDs, func(i, j int) bool { return removedRecordIDs[i] < removedRecordIDs[j] })
	sort.Slice(addedRecordIDs, func(i, j int) bool { return addedRecordIDs[i] < addedRecordIDs[j] })

	// Step 9: insert PersonActions in the fixed order review, remove, add.
	for _, rid := range reviewRecordIDs {
		if err := insertPersonAction(ctx, tx, eventID, groupID, currentPersonIDByRecord[rid], rid, models.PersonActionReview); err != nil {
			return 0, err
		}
	}
	for _, rid := range removedRecordIDs {
		if err := insertPersonAction(ctx, tx, eventID, groupID, removeFromPerson[rid], rid, models.PersonActionRemoveRecord); err != nil {
			return 0, err
		}
	}
	for _, rid := range addedRecordIDs {
		if err := insertPersonAction(ctx, tx, eventID, groupID, addToPerson[rid], rid, models.PersonActionAddRecord); err != nil {
			return 0, err
		}
	}

	// Step 10: single match MatchGroupAction, flip the group to matched.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO match_group_actions (match_event_id, match_group_ref, type) VALUES ($1, $2, $3)
	`, eventID, groupID, models.MatchGroupActionMatch); err != nil {
		return 0, fmt.Errorf("insert match action: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE match_groups SET matched = $1, version = version + 1, updated = $1 WHERE id = $2
	`, eventCreated, groupID); err != nil {
		return 0, fmt.Errorf("mark match group matched: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return eventID, nil
}

func insertPersonAction(ctx context.Context, tx *sql.Tx, eventID, groupID, personID, recordID int64, actionType models.PersonActionType) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO person_actions (match_event_id, match_group_ref, person_ref, person_record_ref, type)
		VALUES ($1, $2, $3, $4, $5)
	`, eventID, groupID, personID, recordID, actionType)
	if err != nil {
		return fmt.Errorf("insert person action (%s): %w", actionType, err)
	}
	return nil
}
