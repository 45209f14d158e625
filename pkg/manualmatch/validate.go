package manualmatch

import (
	"fmt"

	"github.com/empicore/empi/pkg/apperrors"
)

// updateLabel names an update in a diagnostic: existing Persons are named by
// uuid, new ones by their position (§4.6: "the duplicate's diagnostic names
// the two updates, using 'index N' for new persons").
func updateLabel(idx int, u PersonUpdate) string {
	if u.isNew() {
		return fmt.Sprintf("index %d", idx)
	}
	return *u.UUID
}

// validate runs every §4.6 validation rule against req, given the locked
// crosswalk for its target MatchGroup.
func validate(req Request, crosswalk []crosswalkRow) error {
	if len(req.PersonUpdates) == 0 {
		return apperrors.NewInvalidPersonUpdate("person_updates must not be empty")
	}

	groupPersonUUIDs := map[string]struct{}{}
	groupRecordIDs := map[int64]struct{}{}
	currentRecordsByPersonUUID := map[string][]int64{}
	for _, c := range crosswalk {
		groupPersonUUIDs[c.personUUID] = struct{}{}
		groupRecordIDs[c.recordID] = struct{}{}
		currentRecordsByPersonUUID[c.personUUID] = append(currentRecordsByPersonUUID[c.personUUID], c.recordID)
	}

	seenUUID := map[string]int{}
	seenRecordID := map[int64]int{}
	mentionedRecordIDs := map[int64]struct{}{}
	namedPersonUUIDs := map[string]struct{}{}

	for idx, u := range req.PersonUpdates {
		isExisting := u.UUID != nil || u.Version != nil
		if isExisting && (u.UUID == nil || u.Version == nil) {
			return apperrors.NewInvalidPersonUpdate("update %s: existing-Person updates must set both uuid and version", updateLabel(idx, u))
		}
		if !isExisting && len(u.NewRecordIDs) == 0 {
			return apperrors.NewInvalidPersonUpdate("update %s: a new-Person update must include at least one record id", updateLabel(idx, u))
		}

		if isExisting {
			if prev, ok := seenUUID[*u.UUID]; ok {
				return apperrors.NewInvalidPersonUpdate("person uuid %s referenced by both update %s and update %s", *u.UUID, updateLabel(prev, req.PersonUpdates[prev]), updateLabel(idx, u))
			}
			seenUUID[*u.UUID] = idx
			namedPersonUUIDs[*u.UUID] = struct{}{}

			if _, ok := groupPersonUUIDs[*u.UUID]; !ok {
				return apperrors.NewInvalidPersonUpdate("person uuid %s is not currently associated with this match group", *u.UUID)
			}
		}

		for _, rid := range u.NewRecordIDs {
			if prev, ok := seenRecordID[rid]; ok {
				return apperrors.NewInvalidPersonUpdate("record %d referenced by both update %s and update %s", rid, updateLabel(prev, req.PersonUpdates[prev]), updateLabel(idx, u))
			}
			seenRecordID[rid] = idx
			mentionedRecordIDs[rid] = struct{}{}

			if _, ok := groupRecordIDs[rid]; !ok {
				return apperrors.NewInvalidPersonUpdate("record %d does not belong to this match group", rid)
			}
		}
	}

	newRecordsByUUID := map[string]map[int64]struct{}{}
	for _, u := range req.PersonUpdates {
		if u.UUID == nil {
			continue
		}
		set := make(map[int64]struct{}, len(u.NewRecordIDs))
		for _, rid := range u.NewRecordIDs {
			set[rid] = struct{}{}
		}
		newRecordsByUUID[*u.UUID] = set
	}

	// Conservation: every record currently owned by a named Person must
	// either stay in that Person's own update or reappear in some other
	// update — it cannot simply vanish.
	for uuid := range namedPersonUUIDs {
		for _, rid := range currentRecordsByPersonUUID[uuid] {
			if _, stays := newRecordsByUUID[uuid][rid]; stays {
				continue
			}
			if _, movedElsewhere := mentionedRecordIDs[rid]; !movedElsewhere {
				return apperrors.NewInvalidPersonUpdate("record %d is removed from person %s without appearing in any other update", rid, uuid)
			}
		}
	}

	return nil
}
