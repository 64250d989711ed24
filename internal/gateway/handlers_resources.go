package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatgate/internal/resources"
	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
)

type resourceBody struct {
	Title      string `json:"title"`
	Visibility string `json:"visibility"`
}

func (a *App) createResource(w http.ResponseWriter, r *http.Request) {
	var b resourceBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	vis, err := resources.ParseVisibility(b.Visibility)
	if err != nil {
		problems.Write(w, err)
		return
	}
	res, err := a.resources.Create(r.Context(), middleware.AccountFrom(r.Context()), b.Title, vis)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, res, http.StatusCreated)
}

func (a *App) listResources(w http.ResponseWriter, r *http.Request) {
	list, err := a.resources.List(r.Context(), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"resources": list}, http.StatusOK)
}

func (a *App) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := a.resources.Get(r.Context(), chi.URLParam(r, "resourceId"), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (a *App) deleteResource(w http.ResponseWriter, r *http.Request) {
	if err := a.resources.Delete(r.Context(), chi.URLParam(r, "resourceId"), middleware.AccountFrom(r.Context())); err != nil {
		problems.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) setVisibility(w http.ResponseWriter, r *http.Request) {
	var b resourceBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	if b.Visibility == "" {
		problems.Write(w, problems.Wrap(problems.ErrInvalidArgument, "visibility is required"))
		return
	}
	vis, err := resources.ParseVisibility(b.Visibility)
	if err != nil {
		problems.Write(w, err)
		return
	}
	res, err := a.resources.SetVisibility(r.Context(), chi.URLParam(r, "resourceId"), middleware.AccountFrom(r.Context()), vis)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (a *App) createOrganization(w http.ResponseWriter, r *http.Request) {
	var b struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	org, err := a.resources.CreateOrganization(r.Context(), middleware.AccountFrom(r.Context()), b.Name)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, org, http.StatusCreated)
}

func (a *App) listOrganizations(w http.ResponseWriter, r *http.Request) {
	list, err := a.resources.Organizations(r.Context(), middleware.AccountFrom(r.Context()))
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"organizations": list}, http.StatusOK)
}
