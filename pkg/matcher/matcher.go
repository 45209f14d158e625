package matcher

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/empicore/empi/pkg/apperrors"
	"github.com/empicore/empi/pkg/database"
	"github.com/empicore/empi/pkg/linker"
	"github.com/empicore/empi/pkg/lockmgr"
	"github.com/empicore/empi/pkg/matchgraph"
	"github.com/empicore/empi/pkg/models"
	"github.com/empicore/empi/pkg/staging"
	"github.com/google/uuid"
)

// Matcher orchestrates a single Job end to end (§4.5). It implements the
// jobrunner.JobRunner-adjacent contract `ProcessJob(job_id) -> error`; the
// in-process JobRunner wraps this to satisfy the §6 JobRunner interface.
type Matcher struct {
	db      *sql.DB
	linker  linker.Linker
	loader  *staging.Loader
	newUUID func() string
	logger  *slog.Logger
}

// New builds a Matcher. newUUID defaults to uuid.NewString; logger defaults
// to slog.Default().
func New(db *sql.DB, l linker.Linker, newUUID func() string, logger *slog.Logger) *Matcher {
	if newUUID == nil {
		newUUID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{db: db, linker: l, loader: staging.NewLoader(newUUID), newUUID: newUUID, logger: logger}
}

// ProcessJob runs the full pipeline for jobID in one durable transaction.
// On any fatal error the transaction rolls back and the Job is marked
// failed in a separate short transaction, per §4.5's failure semantics.
func (m *Matcher) ProcessJob(ctx context.Context, jobID int64) error {
	log := m.logger.With("job_id", jobID)

	err := m.runInTransaction(ctx, jobID, log)
	if err != nil {
		if markErr := m.markFailed(ctx, jobID, err); markErr != nil {
			log.Error("failed to mark job failed", "error", markErr, "original_error", err)
		}
		return err
	}
	return nil
}

func (m *Matcher) runInTransaction(ctx context.Context, jobID int64, log *slog.Logger) error {
	// The Staging Loader's bulk PersonRecord insert needs raw pgx CopyFrom
	// access to the exact connection this transaction runs on (database/sql
	// has no way to recover a *sql.Conn from an open *sql.Tx), so the
	// connection is pinned first and the transaction is started on it.
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return apperrors.NewFatalJobError("acquire_conn", err)
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewFatalJobError("begin_tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	// MATCHING_JOB serializes job processing across matcher workers (§5); it
	// is held blocking for the lifetime of this transaction.
	if err := lockmgr.New(tx).AcquireExclusive(ctx, lockmgr.LockMatchingJob, true); err != nil {
		return apperrors.NewFatalJobError("acquire_matching_job", err)
	}

	cfg, err := loadJobConfig(ctx, tx, jobID)
	if err != nil {
		return apperrors.NewFatalJobError("load_config", err)
	}
	if err := cfg.Validate(); err != nil {
		return apperrors.NewFatalJobError("validate_config", err)
	}

	// Step 1: Staging Loader.
	loadResult, err := m.loader.LoadJob(ctx, conn, tx, jobID)
	if err != nil {
		return err
	}
	log.Info("staging loaded", "loaded", loadResult.Loaded)
	if loadResult.Loaded == 0 {
		if err := markSucceeded(ctx, tx, jobID); err != nil {
			return apperrors.NewFatalJobError("mark_succeeded", err)
		}
		return tx.Commit()
	}

	// Step 2: extract all live PersonRecords, call the Linker.
	frames, err := extractLiveRecords(ctx, tx)
	if err != nil {
		return apperrors.NewFatalJobError("extract_records", err)
	}
	jobRecordIDs := map[int64]struct{}{}
	for _, id := range loadResult.RecordIDByRowNumber {
		jobRecordIDs[id] = struct{}{}
	}
	pairs, err := m.linker.Predict(ctx, frames, linker.BlockingConstraint{RequireOneSideIn: jobRecordIDs}, cfg.LinkerSettings)
	if err != nil {
		return apperrors.NewFatalJobError("linker_predict", err)
	}
	log.Info("linker invoked", "candidates", len(pairs))

	// Step 3: threshold filter.
	filtered := filterByPotentialThreshold(pairs, cfg.PotentialMatchThreshold)
	log.Info("threshold filtered", "above_potential", len(filtered))
	if len(filtered) == 0 {
		if err := markSucceeded(ctx, tx, jobID); err != nil {
			return apperrors.NewFatalJobError("mark_succeeded", err)
		}
		return tx.Commit()
	}

	// Step 4: acquire MATCH_UPDATE exclusively.
	if err := lockmgr.New(tx).AcquireExclusive(ctx, lockmgr.LockMatchUpdate, true); err != nil {
		return apperrors.NewFatalJobError("acquire_match_update", err)
	}
	log.Info("match_update lock acquired")

	// Step 5: lock+soft-delete superseded groups, concatenate frames.
	existing, err := reparentExistingGroups(ctx, tx, jobID)
	if err != nil {
		return apperrors.NewFatalJobError("reparent_existing_groups", err)
	}
	combined := buildCombinedResults(filtered, existing)

	// Step 6: lock the crosswalk for the union of referenced records.
	recordIDs := distinctRecordIDs(combined)
	crosswalk, err := lockCrosswalk(ctx, tx, recordIDs)
	if err != nil {
		return apperrors.NewFatalJobError("lock_crosswalk", err)
	}
	log.Info("crosswalk locked", "records", len(recordIDs))

	// Step 7: run the Match Graph Analyzer.
	analyzerResults := make([]matchgraph.Result, len(combined))
	for i, c := range combined {
		analyzerResults[i] = c.toAnalyzerResult()
	}
	analyzerCrosswalk := make([]matchgraph.CrosswalkRow, len(crosswalk))
	for i, c := range crosswalk {
		analyzerCrosswalk[i] = matchgraph.CrosswalkRow{
			PersonID:    c.personID,
			Created:     c.created,
			Version:     c.version,
			RecordCount: c.recordCount,
			RecordID:    c.recordID,
		}
	}
	out, err := matchgraph.Analyze(analyzerResults, analyzerCrosswalk, cfg.AutoMatchThreshold, m.newUUID)
	if err != nil {
		return apperrors.NewFatalJobError("analyze", err)
	}
	log.Info("analyzer run", "groups", len(out.Groups), "person_actions", len(out.PersonActions))

	// Step 8: emit auto-matches MatchEvent.
	var eventID int64
	var eventCreated time.Time
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO match_events (type, job_id) VALUES ($1, $2) RETURNING id, created`,
		models.MatchEventAutoMatches, jobID,
	).Scan(&eventID, &eventCreated); err != nil {
		return apperrors.NewFatalJobError("insert_event", err)
	}

	// Step 9: persist.
	if err := writeOutput(ctx, tx, jobID, eventID, eventCreated, out, combined); err != nil {
		return err
	}
	log.Info("write committed")

	if err := markSucceeded(ctx, tx, jobID); err != nil {
		return apperrors.NewFatalJobError("mark_succeeded", err)
	}

	return tx.Commit()
}

func buildCombinedResults(filtered []linker.ScoredPair, existing []existingSplinkResult) []combinedResult {
	combined := make([]combinedResult, 0, len(filtered)+len(existing))
	var rowNumber int64 = 1
	for _, p := range filtered {
		combined = append(combined, combinedResult{
			rowNumber:        rowNumber,
			matchProbability: p.MatchProbability,
			matchWeight:      p.MatchWeight,
			data:             p.Data,
			recordLID:        p.RecordLID,
			recordRID:        p.RecordRID,
		})
		rowNumber++
	}
	for _, e := range existing {
		combined = append(combined, combinedResult{
			rowNumber:        rowNumber,
			matchProbability: e.matchProbability,
			matchWeight:      e.matchWeight,
			recordLID:        e.recordLID,
			recordRID:        e.recordRID,
			current:          true,
			splinkResultID:   e.id,
		})
		rowNumber++
	}
	return combined
}

func distinctRecordIDs(combined []combinedResult) []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, c := range combined {
		for _, id := range [2]int64{c.recordLID, c.recordRID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func markSucceeded(ctx context.Context, tx *sql.Tx, jobID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = $1, updated = now() WHERE id = $2`, models.JobStatusSucceeded, jobID)
	return err
}

// markFailed re-reads the job to ensure it is still `new` before marking it
// failed, in a fresh transaction so a rollback from the main pipeline
// doesn't also discard the failure record (§4.5.1 failure semantics). It
// also deletes the job's staging rows in this same compensating
// transaction: §3 says PersonRecordStaging is "deleted after the job
// terminates", not just after it succeeds, and a terminal `failed` status
// means no later retry will ever clean them up otherwise.
func (m *Matcher) markFailed(ctx context.Context, jobID int64, cause error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status models.JobStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status); err != nil {
		return err
	}
	if status != models.JobStatusNew {
		return nil
	}

	reason := cause.Error()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, reason = $2, updated = now() WHERE id = $3`,
		models.JobStatusFailed, reason, jobID,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM person_record_staging WHERE job_id = $1`, jobID); err != nil {
		return err
	}

	return tx.Commit()
}

func loadJobConfig(ctx context.Context, tx *sql.Tx, jobID int64) (models.Config, error) {
	var cfg models.Config
	var settings database.JSONMap
	var status models.JobStatus
	err := tx.QueryRowContext(ctx, `
		SELECT c.id, c.potential_match_threshold, c.auto_match_threshold, c.linker_settings, j.status
		FROM jobs j JOIN configs c ON c.id = j.config_ref
		WHERE j.id = $1
	`, jobID).Scan(&cfg.ID, &cfg.PotentialMatchThreshold, &cfg.AutoMatchThreshold, &settings, &status)
	if err != nil {
		return models.Config{}, fmt.Errorf("load job config: %w", err)
	}
	if status != models.JobStatusNew {
		return models.Config{}, fmt.Errorf("job %d is not new (status=%s)", jobID, status)
	}
	cfg.LinkerSettings = settings
	return cfg, nil
}
