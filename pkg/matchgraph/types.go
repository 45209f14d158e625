// Package matchgraph implements the Match Graph Analyzer (§4.3): a pure,
// in-memory function that turns pairwise linkage edges plus the current
// person-to-record assignment into new match groups, auto-match
// reassignments, and the resulting "fully matched" determination.
//
// Per §9's guidance, nodes live in a flat arena (persons[] / records[])
// indexed by integer handle, and both steps of the algorithm (weakly
// connected components over the full graph, then connected components over
// the auto-match subgraph) are computed by filtering which edges get
// unioned rather than by copying the graph.
package matchgraph

import "time"

// Result is one scored candidate pair (§3 SplinkResult, projected to the
// fields the analyzer needs).
type Result struct {
	RowNumber        int64
	MatchProbability float64
	RecordLID        int64
	RecordRID        int64
}

// CrosswalkRow is one (person, record) membership row. PersonCrosswalk as a
// whole must cover exactly the set of records referenced by Results.
type CrosswalkRow struct {
	PersonID    int64
	Created     time.Time
	Version     int64
	RecordCount int64
	RecordID    int64
}

// Group is a newly-identified match group (weakly connected component).
type Group struct {
	UUID    string
	Matched bool
}

// PersonAction is a record reassignment produced by auto-match resolution
// (step 5). FromPersonVersion/ToPersonVersion are the optimistic-concurrency
// tokens the writer must match against when applying the move.
type PersonAction struct {
	GroupUUID         string
	RecordID          int64
	FromPersonID      int64
	FromPersonVersion int64
	ToPersonID        int64
	ToPersonVersion   int64
}

// Output bundles the three outputs named in §4.3.
type Output struct {
	Groups        []Group
	GroupResults  map[int64]string // result row_number -> group uuid
	PersonActions []PersonAction
}
