package gateway

import (
	"errors"
	"net/http"
	"strings"

	"chatgate/internal/oauth"
	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
)

type authorizeBody struct {
	EndUserID    string   `json:"end_user_id"`
	Capabilities []string `json:"capabilities"`
	RedirectURI  string   `json:"redirect_uri"`
	ResourceID   string   `json:"resource_id"`
	State        string   `json:"state"`
}

// authorize accepts JSON or a form. In a form, capabilities may be repeated or
// given space-separated in scope. A durable end user proves itself with its own
// identity-provider bearer next to the app credential.
func (a *App) authorize(w http.ResponseWriter, r *http.Request) {
	id, signedIn, err := middleware.Authenticate(r, a.idp, a.devAccounts())
	if err != nil {
		problems.Write(w, err)
		return
	}
	var verified string
	if signedIn {
		if _, err := a.accounts.EnsureDurable(r.Context(), id.AccountID); err != nil {
			problems.Write(w, err)
			return
		}
		verified = id.AccountID
	}

	var b authorizeBody
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			problems.Write(w, problems.Wrap(problems.ErrInvalidArgument, "bad form: %v", err))
			return
		}
		b = authorizeBody{
			EndUserID:    r.PostForm.Get("end_user_id"),
			Capabilities: append(r.PostForm["capabilities"], strings.Fields(r.PostForm.Get("scope"))...),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			ResourceID:   r.PostForm.Get("resource_id"),
			State:        r.PostForm.Get("state"),
		}
	} else if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	out, err := a.broker.Authorize(r.Context(), oauth.AuthorizeRequest{
		AppCredential:     r.Header.Get(appCredentialHeader),
		EndUserID:         strings.TrimSpace(b.EndUserID),
		VerifiedAccountID: verified,
		Capabilities:      b.Capabilities,
		RedirectURI:       b.RedirectURI,
		ResourceID:        b.ResourceID,
		State:             b.State,
	})
	if err != nil {
		problems.Write(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, out, http.StatusOK)
}

// token is the RFC 6749 token endpoint. Errors use the OAuth error shape
// instead of problem+json so stock OAuth clients can read them.
func (a *App) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		oauthError(w, "unsupported_grant_type", "grant_type must be authorization_code", http.StatusBadRequest)
		return
	}
	code := r.PostForm.Get("code")
	if code == "" {
		oauthError(w, "invalid_request", "code is required", http.StatusBadRequest)
		return
	}
	tok, err := a.broker.Exchange(r.Context(), code, r.PostForm.Get("redirect_uri"), r.PostForm.Get("scope"))
	if err != nil {
		errCode, status := oauthCode(err)
		desc := err.Error()
		if status == http.StatusInternalServerError {
			a.log.Errorw("token exchange failed", "err", err)
			desc = "internal error"
		}
		oauthError(w, errCode, desc, status)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, tok, http.StatusOK)
}

func oauthCode(err error) (string, int) {
	switch {
	case errors.Is(err, problems.ErrInvalidGrant):
		return "invalid_grant", http.StatusBadRequest
	case errors.Is(err, problems.ErrInvalidArgument):
		return "invalid_request", http.StatusBadRequest
	case errors.Is(err, problems.ErrUnavailable), errors.Is(err, problems.ErrConflict):
		return "temporarily_unavailable", http.StatusServiceUnavailable
	default:
		return "server_error", http.StatusInternalServerError
	}
}

func oauthError(w http.ResponseWriter, code, desc string, status int) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, map[string]string{"error": code, "error_description": desc}, status)
}

func isForm(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/x-www-form-urlencoded")
}
