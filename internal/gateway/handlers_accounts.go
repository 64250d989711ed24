package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
)

const appCredentialHeader = "x-app-credential"

// signUp creates the durable account of a verified identity on its first request.
func (a *App) signUp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.accounts.EnsureDurable(r.Context(), middleware.AccountFrom(r.Context())); err != nil {
			problems.Write(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) me(w http.ResponseWriter, r *http.Request) {
	acct, err := a.accounts.Get(r.Context(), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, acct, http.StatusOK)
}

func (a *App) provisionShadow(w http.ResponseWriter, r *http.Request) {
	out, err := a.accounts.ProvisionShadow(r.Context(), r.Header.Get(appCredentialHeader))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, out, http.StatusCreated)
}

type migrateBody struct {
	ShadowAccountID string `json:"shadowAccountId"`
}

func (a *App) migrate(w http.ResponseWriter, r *http.Request) {
	var b migrateBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	rep, err := a.accounts.Migrate(r.Context(), strings.TrimSpace(b.ShadowAccountID), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, rep, http.StatusOK)
}

func (a *App) generateKey(w http.ResponseWriter, r *http.Request) {
	out, err := a.keys.Generate(r.Context(), chi.URLParam(r, "resourceId"), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out, http.StatusCreated)
}

func (a *App) keyStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.keys.Status(r.Context(), chi.URLParam(r, "resourceId"), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, st, http.StatusOK)
}

func (a *App) disableKey(w http.ResponseWriter, r *http.Request) { a.toggleKey(w, r, false) }
func (a *App) enableKey(w http.ResponseWriter, r *http.Request)  { a.toggleKey(w, r, true) }

func (a *App) toggleKey(w http.ResponseWriter, r *http.Request, enable bool) {
	ctx, rid, acct := r.Context(), chi.URLParam(r, "resourceId"), middleware.AccountFrom(r.Context())
	var err error
	if enable {
		err = a.keys.Enable(ctx, rid, acct)
	} else {
		err = a.keys.Disable(ctx, rid, acct)
	}
	if err != nil {
		problems.Write(w, err)
		return
	}
	st, err := a.keys.Status(ctx, rid, acct)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, st, http.StatusOK)
}
