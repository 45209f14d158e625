package matchgraph

import (
	"fmt"
	"sort"
)

// personArenaEntry is the immutable snapshot of one PersonNode. Record
// reassignment never mutates these — representative selection (step 5) is,
// per the spec and per the testable property in §8.6, a pure function of
// the original (record_count, created, id) snapshot, not of any in-flight
// bookkeeping.
type personArenaEntry struct {
	id          int64
	created     int64 // UnixNano, for a total order independent of monotonic reading quirks
	version     int64
	recordCount int64
}

// recordArenaEntry tracks a RecordNode's current owner. currentPersonIdx is
// the only field step 5 mutates, matching §9's "graph held by reference and
// mutated in place" guidance (here: the owning arena slot, not an alias).
type recordArenaEntry struct {
	id               int64
	currentPersonIdx int
}

// NewUUID is the signature analyzer callers inject for group-uuid
// generation, so tests can substitute a deterministic sequence instead of
// github.com/google/uuid.
type NewUUID func() string

// Analyze runs the six-step algorithm in §4.3 over results and crosswalk,
// producing new match groups, the result->group mapping, and the person
// reassignments implied by auto-match clusters.
func Analyze(results []Result, crosswalk []CrosswalkRow, autoMatchThreshold float64, newUUID NewUUID) (Output, error) {
	if len(results) == 0 {
		return Output{}, fmt.Errorf("matchgraph: empty Results")
	}
	if len(crosswalk) == 0 {
		return Output{}, fmt.Errorf("matchgraph: empty PersonCrosswalk")
	}

	persons, _, records, recordIdxByID, err := buildArenas(crosswalk)
	if err != nil {
		return Output{}, err
	}

	if err := validateCoverage(results, recordIdxByID); err != nil {
		return Output{}, err
	}

	numPersons := len(persons)
	numRecords := len(records)
	total := numPersons + numRecords
	personHandle := func(idx int) int { return idx }
	recordHandle := func(idx int) int { return numPersons + idx }

	// Step 1+3: weakly connected components over the FULL graph (every
	// membership edge, every result edge, regardless of probability).
	full := newDisjointSet(total)
	for ri, rec := range records {
		full.union(personHandle(rec.currentPersonIdx), recordHandle(ri))
	}
	for _, r := range results {
		full.union(recordHandle(recordIdxByID[r.RecordLID]), recordHandle(recordIdxByID[r.RecordRID]))
	}

	groupUUIDByRoot := map[int]string{}
	recordGroup := make([]string, numRecords) // indexed by record arena idx
	for ri := range records {
		root := full.find(recordHandle(ri))
		uid, ok := groupUUIDByRoot[root]
		if !ok {
			uid = newUUID()
			groupUUIDByRoot[root] = uid
		}
		recordGroup[ri] = uid
	}

	groupResults := make(map[int64]string, len(results))
	for _, r := range results {
		root := full.find(recordHandle(recordIdxByID[r.RecordLID]))
		groupResults[r.RowNumber] = groupUUIDByRoot[root]
	}

	// Step 4: connected components over the subgraph keeping only
	// membership edges and result edges above the auto-match threshold.
	auto := newDisjointSet(total)
	for ri, rec := range records {
		auto.union(personHandle(rec.currentPersonIdx), recordHandle(ri))
	}
	for _, r := range results {
		if r.MatchProbability > autoMatchThreshold {
			auto.union(recordHandle(recordIdxByID[r.RecordLID]), recordHandle(recordIdxByID[r.RecordRID]))
		}
	}

	// Step 5: within each auto-match cluster, pick the representative
	// Person and move every other record to it.
	clusterPersonIdxs := map[int][]int{} // auto-root -> person arena idxs
	for pi := range persons {
		root := auto.find(personHandle(pi))
		clusterPersonIdxs[root] = append(clusterPersonIdxs[root], pi)
	}

	var actions []PersonAction
	for _, root := range sortedKeys(clusterPersonIdxs) {
		personIdxs := clusterPersonIdxs[root]
		if len(personIdxs) <= 1 {
			continue // single person already owns every record in the cluster
		}

		repIdx := representative(persons, personIdxs)
		rep := persons[repIdx]

		var memberRecordIdxs []int
		for ri := range records {
			if auto.find(recordHandle(ri)) == root {
				memberRecordIdxs = append(memberRecordIdxs, ri)
			}
		}
		sort.Slice(memberRecordIdxs, func(i, j int) bool {
			return records[memberRecordIdxs[i]].id < records[memberRecordIdxs[j]].id
		})

		for _, ri := range memberRecordIdxs {
			rec := &records[ri]
			if rec.currentPersonIdx == repIdx {
				continue
			}
			from := persons[rec.currentPersonIdx]
			actions = append(actions, PersonAction{
				GroupUUID:         recordGroup[ri],
				RecordID:          rec.id,
				FromPersonID:      from.id,
				FromPersonVersion: from.version,
				ToPersonID:        rep.id,
				ToPersonVersion:   rep.version,
			})
			rec.currentPersonIdx = repIdx
		}
	}

	// Step 6: a group is matched iff, after all reassignments, its records
	// resolve to exactly one distinct current person. Recomputing the set
	// directly from the (now mutated) record arena is equivalent to the
	// spec's incremental "remove the old person_id from the match group's
	// person set" bookkeeping, and is immune to action-ordering effects.
	groupPersonSet := map[string]map[int64]struct{}{}
	for ri, rec := range records {
		uid := recordGroup[ri]
		set, ok := groupPersonSet[uid]
		if !ok {
			set = map[int64]struct{}{}
			groupPersonSet[uid] = set
		}
		set[persons[rec.currentPersonIdx].id] = struct{}{}
	}

	groups := make([]Group, 0, len(groupUUIDByRoot))
	for _, root := range sortedKeys(groupUUIDByRoot) {
		uid := groupUUIDByRoot[root]
		groups = append(groups, Group{
			UUID:    uid,
			Matched: len(groupPersonSet[uid]) == 1,
		})
	}

	return Output{Groups: groups, GroupResults: groupResults, PersonActions: actions}, nil
}

// representative picks the Person index per the key
// (-record_count, created ascending, id ascending).
func representative(persons []personArenaEntry, idxs []int) int {
	best := idxs[0]
	for _, idx := range idxs[1:] {
		if personLess(persons[idx], persons[best]) {
			best = idx
		}
	}
	return best
}

func personLess(a, b personArenaEntry) bool {
	if a.recordCount != b.recordCount {
		return a.recordCount > b.recordCount // most records wins
	}
	if a.created != b.created {
		return a.created < b.created // oldest wins
	}
	return a.id < b.id // lowest id wins
}

func buildArenas(crosswalk []CrosswalkRow) ([]personArenaEntry, map[int64]int, []recordArenaEntry, map[int64]int, error) {
	personIdxByID := map[int64]int{}
	var persons []personArenaEntry

	recordIdxByID := map[int64]int{}
	var records []recordArenaEntry

	for _, row := range crosswalk {
		pIdx, ok := personIdxByID[row.PersonID]
		if !ok {
			pIdx = len(persons)
			personIdxByID[row.PersonID] = pIdx
			persons = append(persons, personArenaEntry{
				id:          row.PersonID,
				created:     row.Created.UnixNano(),
				version:     row.Version,
				recordCount: row.RecordCount,
			})
		}

		if existingIdx, ok := recordIdxByID[row.RecordID]; ok {
			existing := records[existingIdx]
			if persons[existing.currentPersonIdx].id != row.PersonID {
				return nil, nil, nil, nil, fmt.Errorf(
					"matchgraph: record %d appears twice in crosswalk with different owners (%d and %d)",
					row.RecordID, persons[existing.currentPersonIdx].id, row.PersonID)
			}
			continue
		}

		recordIdxByID[row.RecordID] = len(records)
		records = append(records, recordArenaEntry{id: row.RecordID, currentPersonIdx: pIdx})
	}

	return persons, personIdxByID, records, recordIdxByID, nil
}

// validateCoverage enforces step 2's precondition: every record referenced
// by a ResultEdge must have a crosswalk entry. The spec also requires "no
// extra PersonNodes" — trivially satisfied here since every PersonNode in
// the arena is constructed from, and therefore owns, at least one
// RecordNode.
func validateCoverage(results []Result, recordIdxByID map[int64]int) error {
	for _, r := range results {
		if _, ok := recordIdxByID[r.RecordLID]; !ok {
			return fmt.Errorf("matchgraph: result row %d references record %d with no crosswalk entry", r.RowNumber, r.RecordLID)
		}
		if _, ok := recordIdxByID[r.RecordRID]; !ok {
			return fmt.Errorf("matchgraph: result row %d references record %d with no crosswalk entry", r.RowNumber, r.RecordRID)
		}
	}
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
