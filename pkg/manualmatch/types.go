// Package manualmatch implements the Manual Match Service (§4.6): an
// operator-driven split/merge of the Persons inside one MatchGroup, guarded
// by optimistic concurrency on both the MatchGroup and every existing
// Person it touches.
package manualmatch

// PersonUpdate is one entry of a match_person_records request. An existing
// Person is referenced by UUID+Version; a brand-new Person is created when
// both are nil.
type PersonUpdate struct {
	UUID         *string
	Version      *int64
	NewRecordIDs []int64
}

func (u PersonUpdate) isNew() bool { return u.UUID == nil && u.Version == nil }

// Request is the match_person_records(...) contract (§4.6).
type Request struct {
	MatchGroupUUID    string
	MatchGroupVersion int64
	PersonUpdates     []PersonUpdate
	PerformedBy       string
	Comments          *string
}

// crosswalkRow is one (person, record) membership row scoped to a single
// MatchGroup, locked for the duration of the operation.
type crosswalkRow struct {
	personID     int64
	personUUID   string
	personVersion int64
	recordID     int64
}
