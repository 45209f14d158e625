// Package replay operationalizes §8's round-trip property — "replaying all
// MatchEvents in id order reconstructs the current state" — as a reusable
// test helper rather than prose. It is not wired into the production
// pipeline; ProcessJob always reads and writes current state directly.
package replay

import (
	"fmt"
	"sort"

	"github.com/empicore/empi/pkg/models"
)

// Membership is the state a replay reconstructs: for each person_ref, the
// set of person_record ids currently attached to it.
type Membership map[int64]map[int64]bool

// Reconstruct replays actions in ascending id order and returns the
// resulting membership. It does not assume actions arrive pre-sorted or
// grouped by event, matching how a caller would pull rows back from
// person_actions with no ORDER BY.
//
// add-record attaches person_record_ref to person_ref; remove-record
// detaches it. review actions carry no membership change and are ignored.
// A remove-record for a record never added (or already removed) is a
// contradiction in the action log and returns an error rather than being
// silently ignored, since §3 models PersonAction as the sole source of
// truth for membership history.
func Reconstruct(actions []models.PersonAction) (Membership, error) {
	sorted := make([]models.PersonAction, len(actions))
	copy(sorted, actions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	m := Membership{}
	for _, a := range sorted {
		records := m[a.PersonRef]
		if records == nil {
			records = map[int64]bool{}
			m[a.PersonRef] = records
		}
		switch a.Type {
		case models.PersonActionAddRecord:
			records[a.PersonRecordRef] = true
		case models.PersonActionRemoveRecord:
			if !records[a.PersonRecordRef] {
				return nil, fmt.Errorf("replay: remove-record for person %d record %d with no prior add-record (action id %d)", a.PersonRef, a.PersonRecordRef, a.ID)
			}
			delete(records, a.PersonRecordRef)
			if len(records) == 0 {
				delete(m, a.PersonRef)
			}
		case models.PersonActionReview:
			// no membership effect
		default:
			return nil, fmt.Errorf("replay: unknown PersonAction type %q (action id %d)", a.Type, a.ID)
		}
	}
	return m, nil
}

// Diff reports the person_refs where got disagrees with want, for use in
// test failure messages. An empty result means got and want are identical.
func Diff(want, got Membership) []string {
	var mismatches []string
	seen := map[int64]bool{}
	for personRef := range want {
		seen[personRef] = true
	}
	for personRef := range got {
		seen[personRef] = true
	}
	refs := make([]int64, 0, len(seen))
	for personRef := range seen {
		refs = append(refs, personRef)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })

	for _, personRef := range refs {
		if !sameSet(want[personRef], got[personRef]) {
			mismatches = append(mismatches, fmt.Sprintf("person %d: want %v, got %v", personRef, sortedKeys(want[personRef]), sortedKeys(got[personRef])))
		}
	}
	return mismatches
}

func sameSet(a, b map[int64]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func sortedKeys(s map[int64]bool) []int64 {
	keys := make([]int64, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
