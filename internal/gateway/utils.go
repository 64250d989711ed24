package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"chatgate/pkg/problems"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return problems.Wrap(problems.ErrInvalidArgument, "bad json: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, problems.Wrap(problems.ErrInvalidArgument, "%s must be a non-negative integer", key)
	}
	return n, nil
}
