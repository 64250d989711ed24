package problems

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

// Problem is the application/problem+json body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type category struct {
	err    error
	slug   string
	title  string
	status int
}

// Order matters only for errors that wrap more than one sentinel; the first match wins.
var categories = []category{
	{ErrInsufficientCredits, "insufficient-credits", "Insufficient credits", http.StatusPaymentRequired},
	{ErrAlreadyMigrated, "already-migrated", "Account already migrated", http.StatusConflict},
	{ErrInvalidGrant, "invalid-grant", "Invalid grant", http.StatusBadRequest},
	{ErrInvalidState, "invalid-state", "Invalid state", http.StatusConflict},
	{ErrConflict, "conflict", "Concurrent write conflict", http.StatusConflict},
	{ErrUnauthorized, "unauthorized", "Unauthorized", http.StatusUnauthorized},
	{ErrForbidden, "forbidden", "Forbidden", http.StatusForbidden},
	{ErrNotFound, "not-found", "Not found", http.StatusNotFound},
	{ErrInvalidArgument, "invalid-argument", "Invalid argument", http.StatusBadRequest},
	{ErrUnavailable, "unavailable", "Temporarily unavailable", http.StatusServiceUnavailable},
}

// From converts err into a Problem. Unknown errors become a 500 without leaking detail.
func From(err error) Problem {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return Problem{Type: Type(c.slug), Title: c.title, Status: c.status, Detail: err.Error()}
		}
	}
	return Problem{Type: Type("internal"), Title: "Internal error", Status: http.StatusInternalServerError}
}

// Status returns the HTTP status code err maps to.
func Status(err error) int { return From(err).Status }

// Write renders err as application/problem+json.
func Write(w http.ResponseWriter, err error) {
	p := From(err)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
