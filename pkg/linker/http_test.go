package linker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/empicore/empi/pkg/linker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLinker_Predict_SendsRecordsAndConstraintReturnsScores(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pairs": []map[string]any{
				{"match_weight": 4.2, "match_probability": 0.95, "record_l_id": 1, "record_r_id": 2, "data": map[string]any{"rule": "exact_ssn"}},
			},
		})
	}))
	defer server.Close()

	l := linker.NewHTTPLinker(server.URL, nil)
	records := []linker.RecordFrame{{ID: 1, FirstName: "Jane"}, {ID: 2, FirstName: "Jane"}}
	constraint := linker.BlockingConstraint{RequireOneSideIn: map[int64]struct{}{1: {}}}

	pairs, err := l.Predict(context.Background(), records, constraint, map[string]any{"threshold": 0.5})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, int64(1), pairs[0].RecordLID)
	assert.Equal(t, int64(2), pairs[0].RecordRID)
	assert.InDelta(t, 0.95, pairs[0].MatchProbability, 0.0001)

	require.Len(t, gotBody["records"], 2)
	require.Len(t, gotBody["require_one_side_in"], 1)
	assert.Equal(t, 0.5, gotBody["settings"].(map[string]any)["threshold"])
}

func TestHTTPLinker_Predict_NonOKStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	l := linker.NewHTTPLinker(server.URL, nil)
	_, err := l.Predict(context.Background(), nil, linker.BlockingConstraint{}, nil)
	assert.Error(t, err)
}
