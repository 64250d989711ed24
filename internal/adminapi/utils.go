package adminapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"chatgate/pkg/problems"
)

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return problems.Wrap(problems.ErrInvalidArgument, "bad json: %v", err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, problems.Wrap(problems.ErrInvalidArgument, "limit must be a non-negative integer")
	}
	return n, nil
}
