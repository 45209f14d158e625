package matcher

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/empicore/empi/pkg/linker"
)

// extractLiveRecords pulls every live PersonRecord into the frame the
// Linker consumes (§4.5 step 2: "extract all live PersonRecords into an
// in-memory frame").
func extractLiveRecords(ctx context.Context, tx *sql.Tx) ([]linker.RecordFrame, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, data_source, source_person_id, first_name, last_name,
		       birth_date, social_security_number, address, city, state, zip_code, phone
		FROM person_records
		WHERE deleted IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("extract live records: %w", err)
	}
	defer rows.Close()

	var frames []linker.RecordFrame
	for rows.Next() {
		var f linker.RecordFrame
		if err := rows.Scan(&f.ID, &f.DataSource, &f.SourcePersonID, &f.FirstName, &f.LastName,
			&f.BirthDate, &f.SocialSecurityNumber, &f.Address, &f.City, &f.State, &f.ZipCode, &f.Phone); err != nil {
			return nil, fmt.Errorf("extract live records: scan: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("extract live records: %w", err)
	}
	return frames, nil
}

// filterByPotentialThreshold keeps only pairs whose match_probability is
// strictly above threshold (§4.5 step 3).
func filterByPotentialThreshold(pairs []linker.ScoredPair, threshold float64) []linker.ScoredPair {
	var out []linker.ScoredPair
	for _, p := range pairs {
		if p.MatchProbability > threshold {
			out = append(out, p)
		}
	}
	return out
}
