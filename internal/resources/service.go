package resources

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// DefaultTitle names the workspace created implicitly for an account.
const DefaultTitle = "Default workspace"

// Service manages workspaces and organizations on behalf of their owners.
type Service struct {
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewService(st store.Store, log *zap.SugaredLogger) *Service {
	return &Service{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func ParseVisibility(s string) (store.Visibility, error) {
	switch v := store.Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return store.Private, nil
	case store.Private, store.Public:
		return v, nil
	default:
		return "", problems.Wrap(problems.ErrInvalidArgument, "visibility must be private or public")
	}
}

// Create adds a workspace. The account's first workspace becomes its default.
func (s *Service) Create(ctx context.Context, ownerID, title string, vis store.Visibility) (store.Resource, error) {
	var res store.Resource
	err := s.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := activeAccount(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		res = New(ownerID, title, vis, s.now())
		if err := tx.PutResource(ctx, res); err != nil {
			return err
		}
		if a.DefaultResourceID == "" {
			return tx.SetDefaultResource(ctx, ownerID, res.ID)
		}
		return nil
	})
	if err != nil {
		return store.Resource{}, err
	}
	s.log.Infow("resource created", "resource_id", res.ID, "owner_id", ownerID)
	return res, nil
}

// New builds a resource record with a fresh id.
func New(ownerID, title string, vis store.Visibility, now time.Time) store.Resource {
	if title == "" {
		title = DefaultTitle
	}
	if vis == "" {
		vis = store.Private
	}
	return store.Resource{ID: "res_" + strings.ReplaceAll(uuid.NewString(), "-", ""), OwnerID: ownerID, Title: title, Visibility: vis, CreatedAt: now}
}

// EnsureDefault returns the account's default workspace, creating it if missing.
func EnsureDefault(ctx context.Context, tx store.Tx, accountID string, now time.Time) (store.Resource, error) {
	a, err := tx.Account(ctx, accountID)
	if err != nil {
		return store.Resource{}, err
	}
	if a.DefaultResourceID != "" {
		if r, err := tx.Resource(ctx, a.DefaultResourceID); err == nil && r.OwnerID == accountID {
			return r, nil
		}
	}
	r := New(accountID, DefaultTitle, store.Private, now)
	if err := tx.PutResource(ctx, r); err != nil {
		return store.Resource{}, err
	}
	return r, tx.SetDefaultResource(ctx, accountID, r.ID)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]store.Resource, error) {
	return s.store.ResourcesByOwner(ctx, ownerID)
}

// Get returns a resource to its owner. Public resources are readable by anyone.
func (s *Service) Get(ctx context.Context, id, callerAccountID string) (store.Resource, error) {
	r, err := s.store.Resource(ctx, id)
	if err != nil {
		return store.Resource{}, err
	}
	if r.OwnerID != callerAccountID && r.Visibility != store.Public {
		return store.Resource{}, problems.Wrap(problems.ErrForbidden, "resource %s", id)
	}
	return r, nil
}

// Delete removes the resource and, with it, its API key.
func (s *Service) Delete(ctx context.Context, id, callerAccountID string) error {
	err := s.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := owned(ctx, tx, id, callerAccountID); err != nil {
			return err
		}
		return tx.DeleteResource(ctx, id)
	})
	if err == nil {
		s.log.Infow("resource deleted", "resource_id", id)
	}
	return err
}

// SetVisibility changes visibility only; key state is untouched.
func (s *Service) SetVisibility(ctx context.Context, id, callerAccountID string, vis store.Visibility) (store.Resource, error) {
	var out store.Resource
	err := s.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.Resource(ctx, id)
		if err != nil {
			return err
		}
		if r.OwnerID != callerAccountID {
			return problems.Wrap(problems.ErrForbidden, "resource %s is not owned by caller", id)
		}
		r.Visibility = vis
		out = r
		return tx.PutResource(ctx, r)
	})
	return out, err
}

func (s *Service) CreateOrganization(ctx context.Context, ownerID, name string) (store.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Organization{}, problems.Wrap(problems.ErrInvalidArgument, "organization name is required")
	}
	o := store.Organization{ID: "org_" + strings.ReplaceAll(uuid.NewString(), "-", ""), OwnerID: ownerID, Name: name, CreatedAt: s.now()}
	err := s.store.Update(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := activeAccount(ctx, tx, ownerID); err != nil {
			return err
		}
		return tx.PutOrganization(ctx, o)
	})
	if err != nil {
		return store.Organization{}, err
	}
	return o, nil
}

func (s *Service) Organizations(ctx context.Context, ownerID string) ([]store.Organization, error) {
	return s.store.Organizations(ctx, ownerID)
}

func owned(ctx context.Context, r store.Reader, id, callerAccountID string) error {
	res, err := r.Resource(ctx, id)
	if err != nil {
		return err
	}
	if res.OwnerID != callerAccountID {
		return problems.Wrap(problems.ErrForbidden, "resource %s is not owned by caller", id)
	}
	return nil
}

func activeAccount(ctx context.Context, r store.Reader, id string) (store.Account, error) {
	a, err := r.Account(ctx, id)
	if err != nil {
		return store.Account{}, err
	}
	if a.State != store.StateActive {
		return store.Account{}, problems.Wrap(problems.ErrUnauthorized, "account %s is %s", id, a.State)
	}
	return a, nil
}
