// pkg/apps/memory.go
package apps

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

type memProvider struct {
	log  *zap.SugaredLogger
	mu   sync.RWMutex
	byID map[string]App
}

// SeedEntry is one element of APP_SEED_JSON. Secret is plaintext so dev setups
// can hand the same credential to a client.
type SeedEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Secret       string   `json:"secret"`
	RedirectURIs []string `json:"redirect_uris"`
	Capabilities []string `json:"capabilities"`
}

// ParseSeed decodes APP_SEED_JSON. An empty string yields no entries.
func ParseSeed(jsonSeed string) ([]SeedEntry, error) {
	if jsonSeed == "" {
		return nil, nil
	}
	var entries []SeedEntry
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return nil, problems.Wrap(problems.ErrInvalidArgument, "app seed: %v", err)
	}
	return entries, nil
}

func NewMemoryProvider(log *zap.SugaredLogger, seed []SeedEntry) Provider {
	p := &memProvider{log: log, byID: map[string]App{}}
	for _, e := range seed {
		p.byID[e.ID] = App{
			ID: e.ID, Name: e.Name, SecretHash: store.HashSecret(e.Secret),
			RedirectURIs: e.RedirectURIs, AllowedCapabilities: e.Capabilities,
			CreatedAt: time.Now().UTC(),
		}
	}
	log.Infow("app registry seeded", "apps", len(p.byID))
	return p
}

func (m *memProvider) ResolveCredential(ctx context.Context, credential string) (App, error) {
	id, secret, err := ParseCredential(credential)
	if err != nil {
		return App{}, err
	}
	m.mu.RLock()
	a, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok || !matches(a, secret) {
		return App{}, problems.Wrap(problems.ErrUnauthorized, "unknown app credential")
	}
	return a, nil
}

func (m *memProvider) Get(ctx context.Context, id string) (App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.byID[id]; ok {
		return a, nil
	}
	return App{}, problems.Wrap(problems.ErrNotFound, "app %s", id)
}

func (m *memProvider) List(ctx context.Context) ([]App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]App, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memProvider) Register(ctx context.Context, name string, redirectURIs, capabilities []string) (Registered, error) {
	if err := validateRegistration(name, redirectURIs, capabilities); err != nil {
		return Registered{}, err
	}
	secret, err := newSecret()
	if err != nil {
		return Registered{}, err
	}
	a := App{
		ID: newAppID(), Name: name, SecretHash: store.HashSecret(secret),
		RedirectURIs: slices.Clone(redirectURIs), AllowedCapabilities: slices.Clone(capabilities),
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.byID[a.ID] = a
	m.mu.Unlock()
	return Registered{App: a, Credential: FormatCredential(a.ID, secret)}, nil
}

func (m *memProvider) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return problems.Wrap(problems.ErrNotFound, "app %s", id)
	}
	delete(m.byID, id)
	return nil
}

func validateRegistration(name string, redirectURIs, capabilities []string) error {
	if name == "" {
		return problems.Wrap(problems.ErrInvalidArgument, "name is required")
	}
	if len(redirectURIs) == 0 {
		return problems.Wrap(problems.ErrInvalidArgument, "at least one redirect uri is required")
	}
	if len(capabilities) == 0 {
		return problems.Wrap(problems.ErrInvalidArgument, "at least one capability is required")
	}
	return nil
}
