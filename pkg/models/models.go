// Package models holds the EMPI domain entities shared across the matching
// pipeline, the manual-match service, and the scheduler.
package models

import (
	"fmt"
	"time"
)

// JobStatus is the terminal-state machine for a Job: new -> succeeded|failed.
type JobStatus string

// Job statuses.
const (
	JobStatusNew       JobStatus = "new"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JobType distinguishes the import pipeline (built here) from the export
// pipeline, which shares the Job table but is out of scope (see DESIGN.md).
type JobType string

// Job types.
const (
	JobTypeImportPersonRecords   JobType = "import_person_records"
	JobTypeExportPotentialMatches JobType = "export_potential_matches"
)

// Config is an immutable snapshot of linkage parameters for one Job.
type Config struct {
	ID                   int64
	PotentialMatchThreshold float64
	AutoMatchThreshold      float64
	LinkerSettings          map[string]any
}

// Validate enforces the invariants from §3: thresholds in [0,1] and
// auto strictly greater than potential.
func (c Config) Validate() error {
	if c.PotentialMatchThreshold < 0 || c.PotentialMatchThreshold > 1 {
		return fmt.Errorf("potential_match_threshold must be in [0,1], got %v", c.PotentialMatchThreshold)
	}
	if c.AutoMatchThreshold < 0 || c.AutoMatchThreshold > 1 {
		return fmt.Errorf("auto_match_threshold must be in [0,1], got %v", c.AutoMatchThreshold)
	}
	if c.AutoMatchThreshold <= c.PotentialMatchThreshold {
		return fmt.Errorf("auto_match_threshold (%v) must be strictly greater than potential_match_threshold (%v)",
			c.AutoMatchThreshold, c.PotentialMatchThreshold)
	}
	return nil
}

// Job is one run of the matching pipeline.
type Job struct {
	ID        int64
	Created   time.Time
	Updated   time.Time
	ConfigRef int64
	SourceURI string
	Status    JobStatus
	Reason    *string
	JobType   JobType
}

// DemographicFields are the source-system attributes carried by both
// PersonRecordStaging and PersonRecord, in the stable column order used for
// the sha256 pre-image (§4.4). The Linker's RecordFrame (§6) carries a
// subset of them (no sex, race, death_date or county) in the same order.
type DemographicFields struct {
	DataSource            string
	SourcePersonID        string
	FirstName             string
	LastName              string
	Sex                   string
	Race                  string
	BirthDate             string
	DeathDate             string
	SocialSecurityNumber  string
	Address               string
	City                  string
	State                 string
	ZipCode               string
	County                string
	Phone                 string
}

// PersonRecordStaging is an untrusted raw row tied to a job, deleted after
// the job terminates.
type PersonRecordStaging struct {
	ID        int64
	JobID     int64
	SHA256    *string
	RowNumber *int64
	DemographicFields
}

// PersonRecord is a canonical, immutable, content-addressed row. It retains
// the demographic fields (dropped from the distilled data model but present
// in the source implementation) because the Linker must be able to
// re-extract every live record after its originating job's staging rows
// have been deleted.
type PersonRecord struct {
	ID                int64
	SHA256            string
	PersonRef         int64
	JobRef            int64
	PersonUpdated     time.Time
	MatchedOrReviewed time.Time
	Created           time.Time
	Deleted           *time.Time
	DemographicFields
}

// Person is a logical identity.
type Person struct {
	ID          int64
	UUID        string
	Created     time.Time
	Updated     time.Time
	Version     int64
	RecordCount int64
	Deleted     *time.Time
}

// IsLive reports whether the person has not been soft-deleted.
func (p Person) IsLive() bool { return p.Deleted == nil }

// MatchGroup is a proposed cluster of PersonRecords.
type MatchGroup struct {
	ID      int64
	UUID    string
	Version int64
	Created time.Time
	Updated time.Time
	Deleted *time.Time
	Matched *time.Time
}

// Active reports whether the group is neither deleted nor matched (§3).
func (g MatchGroup) Active() bool { return g.Deleted == nil && g.Matched == nil }

// SplinkResult is a pairwise linkage score between two PersonRecords.
type SplinkResult struct {
	ID               int64
	RowNumber        int64
	MatchProbability float64
	MatchWeight      float64
	Data             map[string]any
	RecordLID        int64
	RecordRID        int64
	MatchGroupRef    int64
}

// MatchEventType enumerates the atomic event kinds.
type MatchEventType string

// Match event types.
const (
	MatchEventNewIDs       MatchEventType = "new-ids"
	MatchEventAutoMatches  MatchEventType = "auto-matches"
	MatchEventManualMatch  MatchEventType = "manual-match"
	MatchEventPersonSplit  MatchEventType = "person-split"
)

// MatchEvent is the atomic unit of change, strictly ordered by ID.
type MatchEvent struct {
	ID      int64
	Type    MatchEventType
	Created time.Time
	JobID   *int64
}

// PersonActionType enumerates PersonAction kinds.
type PersonActionType string

// Person action types.
const (
	PersonActionAddRecord    PersonActionType = "add-record"
	PersonActionRemoveRecord PersonActionType = "remove-record"
	PersonActionReview       PersonActionType = "review"
)

// PersonAction is a single-row delta emitted by a MatchEvent.
type PersonAction struct {
	ID            int64
	MatchEventID  int64
	MatchGroupRef *int64
	PersonRef     int64
	PersonRecordRef int64
	Type          PersonActionType
	PerformedBy   *string
}

// MatchGroupActionType enumerates MatchGroupAction kinds.
type MatchGroupActionType string

// Match group action types.
const (
	MatchGroupActionAddResult     MatchGroupActionType = "add-result"
	MatchGroupActionRemoveResult  MatchGroupActionType = "remove-result"
	MatchGroupActionUpdatePerson  MatchGroupActionType = "update-person"
	MatchGroupActionMatch         MatchGroupActionType = "match"
)

// MatchGroupAction is a single-row delta on a MatchGroup emitted by a
// MatchEvent.
type MatchGroupAction struct {
	ID              int64
	MatchEventID    int64
	MatchGroupRef   *int64
	SplinkResultRef *int64
	Type            MatchGroupActionType
	PerformedBy     *string
}
