package adminapi

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatgate/internal/policy"
	"chatgate/pkg/problems"
)

type appBody struct {
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	Capabilities []string `json:"capabilities"`
}

func (a *App) registerApp(w http.ResponseWriter, r *http.Request) {
	var b appBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	for _, c := range b.Capabilities {
		if !slices.Contains(policy.Known, c) {
			problems.Write(w, problems.Wrap(problems.ErrInvalidArgument, "unknown capability %q", c))
			return
		}
	}
	reg, err := a.apps.Register(r.Context(), strings.TrimSpace(b.Name), b.RedirectURIs, b.Capabilities)
	if err != nil {
		problems.Write(w, err)
		return
	}
	a.log.Infow("app registered", "app_id", reg.App.ID, "name", reg.App.Name)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, reg, http.StatusCreated)
}

func (a *App) listApps(w http.ResponseWriter, r *http.Request) {
	list, err := a.apps.List(r.Context())
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"apps": list}, http.StatusOK)
}

func (a *App) deleteApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.apps.Delete(r.Context(), id); err != nil {
		problems.Write(w, err)
		return
	}
	a.log.Infow("app deleted", "app_id", id)
	w.WriteHeader(http.StatusNoContent)
}
