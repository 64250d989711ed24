package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
)

func (a *App) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.store.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, acct, http.StatusOK)
}

type grantBody struct {
	Credits   int64  `json:"credits"`
	Reference string `json:"reference"`
}

func (a *App) grantCredits(w http.ResponseWriter, r *http.Request) {
	var b grantBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if b.Reference == "" {
		admin, _ := middleware.IdentityFrom(r.Context())
		b.Reference = "admin:" + admin.AccountID
	}
	bal, err := a.meter.Grant(r.Context(), id, b.Credits, b.Reference)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"account_id": id, "balance": bal}, http.StatusOK)
}

func (a *App) accountLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		problems.Write(w, err)
		return
	}
	entries, err := a.meter.Ledger(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"entries": entries}, http.StatusOK)
}

// usageSummary aggregates debits per model, for one account or all of them.
func (a *App) usageSummary(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	rows, err := a.meter.Usage(r.Context(), accountID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	var credits, tokens, requests int64
	for _, u := range rows {
		credits += u.Credits
		tokens += u.Tokens
		requests += u.Requests
	}
	writeJSON(w, map[string]any{
		"account_id": accountID,
		"models":     rows,
		"totals":     map[string]int64{"requests": requests, "tokens": tokens, "credits": credits},
	}, http.StatusOK)
}

// reap runs one reaper pass on demand.
func (a *App) reap(w http.ResponseWriter, r *http.Request) {
	res, err := a.store.Reap(r.Context(), a.now())
	if err != nil {
		problems.Write(w, err)
		return
	}
	a.metrics.Reaped(res.Codes, res.Tokens)
	writeJSON(w, res, http.StatusOK)
}
