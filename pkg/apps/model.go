package apps

import (
	"slices"
	"time"
)

// App is a registered caller application that may request authorization codes.
type App struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	SecretHash          string    `json:"-"`
	RedirectURIs        []string  `json:"redirect_uris"`
	AllowedCapabilities []string  `json:"allowed_capabilities"`
	CreatedAt           time.Time `json:"created_at"`
}

// AllowsRedirect compares byte-for-byte; no normalisation.
func (a App) AllowsRedirect(uri string) bool {
	return slices.Contains(a.RedirectURIs, uri)
}

// Registered is returned once by Register; Credential is never retrievable again.
type Registered struct {
	App        App    `json:"app"`
	Credential string `json:"credential"`
}
