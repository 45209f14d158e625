// Package staging implements the Staging Loader (§4.4): dedup + hash + row
// number pass over freshly imported records, creating one Person per
// surviving record and emitting a new-ids MatchEvent.
package staging

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/empicore/empi/pkg/apperrors"
	"github.com/empicore/empi/pkg/database"
	"github.com/empicore/empi/pkg/models"
	"github.com/google/uuid"
)

// Result summarizes one LoadJob invocation.
type Result struct {
	Loaded  int
	EventID int64
	// RecordIDByRowNumber and PersonIDByRowNumber let the Matcher fold the
	// newly-created identities into the same crosswalk frame it builds for
	// pre-existing records, without a second round-trip to look them up.
	RecordIDByRowNumber map[int64]int64
	PersonIDByRowNumber map[int64]int64
}

// Loader runs entirely inside the caller's transaction — per §4.5 the
// Matcher's "one durable transaction" spans the Staging Loader, the Linker
// invocation, and the Result/Group/Action Writer.
type Loader struct {
	newUUID func() string
}

// NewLoader builds a Loader. newUUID defaults to uuid.NewString; tests may
// inject a deterministic generator.
func NewLoader(newUUID func() string) *Loader {
	if newUUID == nil {
		newUUID = uuid.NewString
	}
	return &Loader{newUUID: newUUID}
}

// sha256UpdateSQL digests the §4.4 step-1 delimiter-joined pre-image, computed
// in SQL via pgcrypto's digest() rather than round-tripping every field
// through Go — required database capability per §6.
const sha256UpdateSQL = `
UPDATE person_record_staging
SET sha256 = encode(
	digest(
		data_source || '|' || source_person_id || '|' || first_name || '|' || last_name || '|' ||
		sex || '|' || race || '|' || birth_date || '|' || death_date || '|' ||
		social_security_number || '|' || address || '|' || city || '|' || state || '|' ||
		zip_code || '|' || county || '|' || phone,
		'sha256'
	),
	'hex'
)
WHERE job_id = $1
`

// LoadJob runs the §4.4 algorithm for jobID against tx. conn must be the
// *sql.Conn tx was started on (see SQLHelpers.BulkLoad) — the bulk
// PersonRecord insert needs raw pgx access the same physical connection.
// Returns Result{Loaded: 0} without emitting any event when nothing
// survives dedup.
func (l *Loader) LoadJob(ctx context.Context, conn *sql.Conn, tx *sql.Tx, jobID int64) (Result, error) {
	// Step 1 (reject clause): a staging row with blank source_person_id or
	// data_source cannot be deduplicated or digested meaningfully and is
	// dropped before hashing, mirroring the dedup deletions of step 2.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM person_record_staging WHERE job_id = $1 AND (source_person_id = '' OR data_source = '')`,
		jobID,
	); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.reject_blank", err)
	}

	if _, err := tx.ExecContext(ctx, sha256UpdateSQL, jobID); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.digest", err)
	}

	// Step 2: drop rows colliding with an already-live PersonRecord.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM person_record_staging s
		USING person_records pr
		WHERE s.job_id = $1 AND pr.deleted IS NULL AND pr.sha256 = s.sha256
	`, jobID); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.dedup_live", err)
	}

	// Step 2: drop rows duplicated among the job's own staging rows,
	// keeping the lowest id.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM person_record_staging s
		USING person_record_staging keep
		WHERE s.job_id = $1 AND keep.job_id = $1
		  AND s.sha256 = keep.sha256 AND s.id > keep.id
	`, jobID); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.dedup_self", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM person_record_staging WHERE job_id = $1`, jobID).Scan(&remaining); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.count", err)
	}
	if remaining == 0 {
		return Result{Loaded: 0}, nil
	}

	// Step 4: dense row_number over surviving rows ordered by id.
	if _, err := tx.ExecContext(ctx, `
		UPDATE person_record_staging s
		SET row_number = ranked.rn
		FROM (
			SELECT id, row_number() OVER (ORDER BY id) AS rn
			FROM person_record_staging WHERE job_id = $1
		) ranked
		WHERE s.id = ranked.id
	`, jobID); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.row_number", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT row_number, sha256, data_source, source_person_id, first_name, last_name,
		       sex, race, birth_date, death_date, social_security_number,
		       address, city, state, zip_code, county, phone
		FROM person_record_staging
		WHERE job_id = $1 ORDER BY row_number
	`, jobID)
	if err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.select_surviving", err)
	}
	type survivor struct {
		rowNumber int64
		sha256    string
		fields    models.DemographicFields
	}
	var survivors []survivor
	for rows.Next() {
		var s survivor
		if err := rows.Scan(&s.rowNumber, &s.sha256,
			&s.fields.DataSource, &s.fields.SourcePersonID, &s.fields.FirstName, &s.fields.LastName,
			&s.fields.Sex, &s.fields.Race, &s.fields.BirthDate, &s.fields.DeathDate, &s.fields.SocialSecurityNumber,
			&s.fields.Address, &s.fields.City, &s.fields.State, &s.fields.ZipCode, &s.fields.County, &s.fields.Phone,
		); err != nil {
			rows.Close()
			return Result{}, apperrors.NewFatalJobError("staging.scan_surviving", err)
		}
		survivors = append(survivors, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Result{}, apperrors.NewFatalJobError("staging.scan_surviving", err)
	}
	rows.Close()

	// Each survivor gets its own Person row first — the Person's `id` is a
	// foreign key on the PersonRecord row to follow, so these stay
	// one-per-round-trip inserts.
	insertPerson, err := tx.PrepareContext(ctx, `
		INSERT INTO persons (uuid, record_count) VALUES ($1, 1) RETURNING id
	`)
	if err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.prepare_person", err)
	}
	defer insertPerson.Close()

	personIDByRow := make(map[int64]int64, len(survivors))
	personIDs := make([]int64, len(survivors))
	for i, s := range survivors {
		var personID int64
		if err := insertPerson.QueryRowContext(ctx, l.newUUID()).Scan(&personID); err != nil {
			return Result{}, apperrors.NewFatalJobError("staging.insert_person", err)
		}
		personIDs[i] = personID
		personIDByRow[s.rowNumber] = personID
	}

	// Step 6: bulk-insert the surviving PersonRecords via COPY rather than
	// one round-trip per row, per §4.4 step 6 and the SQL Helpers bulk-load
	// contract (§4.2). None of these columns are uuid-typed, so a plain
	// []any row of Go strings/ints copies cleanly.
	recordColumns := []string{
		"sha256", "person_ref", "job_ref",
		"data_source", "source_person_id", "first_name", "last_name",
		"sex", "race", "birth_date", "death_date", "social_security_number",
		"address", "city", "state", "zip_code", "county", "phone",
	}
	if err := database.NewSQLHelpers().BulkLoad(ctx, conn, "person_records", recordColumns, len(survivors), func(i int) []any {
		s := survivors[i]
		f := s.fields
		return []any{
			s.sha256, personIDs[i], jobID,
			f.DataSource, f.SourcePersonID, f.FirstName, f.LastName,
			f.Sex, f.Race, f.BirthDate, f.DeathDate, f.SocialSecurityNumber,
			f.Address, f.City, f.State, f.ZipCode, f.County, f.Phone,
		}
	}); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.bulk_load_records", err)
	}

	recordIDByRow := make(map[int64]int64, len(survivors))
	recordIDBySHA256 := make(map[string]int64, len(survivors))
	recordRows, err := tx.QueryContext(ctx, `SELECT id, sha256 FROM person_records WHERE job_ref = $1`, jobID)
	if err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.select_records", err)
	}
	for recordRows.Next() {
		var id int64
		var sha string
		if err := recordRows.Scan(&id, &sha); err != nil {
			recordRows.Close()
			return Result{}, apperrors.NewFatalJobError("staging.scan_records", err)
		}
		recordIDBySHA256[sha] = id
	}
	if err := recordRows.Err(); err != nil {
		recordRows.Close()
		return Result{}, apperrors.NewFatalJobError("staging.scan_records", err)
	}
	recordRows.Close()

	for _, s := range survivors {
		recordID, ok := recordIDBySHA256[s.sha256]
		if !ok {
			return Result{}, apperrors.NewFatalJobError("staging.missing_record", fmt.Errorf("no person_record row for sha256 %s", s.sha256))
		}
		recordIDByRow[s.rowNumber] = recordID
	}

	var eventID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO match_events (type, job_id) VALUES ($1, $2) RETURNING id`,
		models.MatchEventNewIDs, jobID,
	).Scan(&eventID); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.insert_event", err)
	}

	insertAction, err := tx.PrepareContext(ctx, `
		INSERT INTO person_actions (match_event_id, person_ref, person_record_ref, type)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.prepare_action", err)
	}
	defer insertAction.Close()

	for _, s := range survivors {
		if _, err := insertAction.ExecContext(ctx, eventID, personIDByRow[s.rowNumber], recordIDByRow[s.rowNumber], models.PersonActionAddRecord); err != nil {
			return Result{}, apperrors.NewFatalJobError("staging.insert_action", err)
		}
	}

	// The staging rows for this job are spent; §3 says they are "deleted
	// after the job terminates" and nothing downstream reads them again.
	if _, err := tx.ExecContext(ctx, `DELETE FROM person_record_staging WHERE job_id = $1`, jobID); err != nil {
		return Result{}, apperrors.NewFatalJobError("staging.cleanup", err)
	}

	return Result{
		Loaded:              len(survivors),
		EventID:             eventID,
		RecordIDByRowNumber: recordIDByRow,
		PersonIDByRowNumber: personIDByRow,
	}, nil
}
