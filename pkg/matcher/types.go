// Package matcher implements the job orchestrator (§4.5): load staging,
// call the Linker, lock existing results/persons, run the Match Graph
// Analyzer, and write groups/results/actions atomically.
package matcher

import (
	"time"

	"github.com/empicore/empi/pkg/matchgraph"
)

// combinedResult is one row of the frame fed to the analyzer: either a
// freshly-scored pair from the Linker ("new") or a pre-existing SplinkResult
// being carried forward into a re-parented group ("current").
type combinedResult struct {
	rowNumber        int64
	matchProbability float64
	matchWeight      float64
	data             map[string]any
	recordLID        int64
	recordRID        int64
	current          bool
	splinkResultID   int64 // valid when current
}

func (c combinedResult) toAnalyzerResult() matchgraph.Result {
	return matchgraph.Result{
		RowNumber:        c.rowNumber,
		MatchProbability: c.matchProbability,
		RecordLID:        c.recordLID,
		RecordRID:        c.recordRID,
	}
}

// crosswalkRecord is one row of the person/record membership snapshot
// locked in step 6, keyed by PersonRecord id.
type crosswalkRecord struct {
	personID    int64
	personUUID  string
	created     time.Time
	version     int64
	recordCount int64
	recordID    int64
}
