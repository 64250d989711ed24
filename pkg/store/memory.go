package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"chatgate/pkg/problems"
)

// Memory is the dev/test store. Update holds the write lock for the whole
// transaction and works on a staged copy, so a failed fn leaves no trace.
type Memory struct {
	mu   sync.RWMutex
	data *memData
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

type memData struct {
	accounts  map[string]Account
	resources map[string]Resource
	orgs      map[string]Organization
	keys      map[string]APIKey // by resource id
	keyHashes map[string]string // secret hash -> resource id
	codes     map[string]AuthCode
	tokens    map[string]TokenRecord
	ledger    []LedgerEntry
	ledgerSeq int64
}

func newMemData() *memData {
	return &memData{
		accounts:  map[string]Account{},
		resources: map[string]Resource{},
		orgs:      map[string]Organization{},
		keys:      map[string]APIKey{},
		keyHashes: map[string]string{},
		codes:     map[string]AuthCode{},
		tokens:    map[string]TokenRecord{},
	}
}

// Slices inside the records are never mutated in place, so a shallow map copy is enough.
func (d *memData) clone() *memData {
	return &memData{
		accounts:  maps.Clone(d.accounts),
		resources: maps.Clone(d.resources),
		orgs:      maps.Clone(d.orgs),
		keys:      maps.Clone(d.keys),
		keyHashes: maps.Clone(d.keyHashes),
		codes:     maps.Clone(d.codes),
		tokens:    maps.Clone(d.tokens),
		ledger:    slices.Clone(d.ledger),
		ledgerSeq: d.ledgerSeq,
	}
}

func (m *Memory) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return problems.Timeout(err)
	}
	staged := m.data.clone()
	if err := fn(ctx, staged); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return problems.Timeout(err)
	}
	m.data = staged
	return nil
}

func (m *Memory) Reap(ctx context.Context, now time.Time) (ReapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res ReapResult
	for h, c := range m.data.codes {
		if c.ExpiresAt.Before(now) {
			delete(m.data.codes, h)
			res.Codes++
		}
	}
	for id, t := range m.data.tokens {
		if t.ExpiresAt.Before(now) {
			delete(m.data.tokens, id)
			res.Tokens++
		}
	}
	return res, nil
}

func (m *Memory) Close() {}

func (m *Memory) read() *memData {
	m.mu.RLock()
	return m.data
}

func (m *Memory) Account(ctx context.Context, id string) (Account, error) {
	defer m.mu.RUnlock()
	return m.read().Account(ctx, id)
}
func (m *Memory) Resource(ctx context.Context, id string) (Resource, error) {
	defer m.mu.RUnlock()
	return m.read().Resource(ctx, id)
}
func (m *Memory) ResourcesByOwner(ctx context.Context, ownerID string) ([]Resource, error) {
	defer m.mu.RUnlock()
	return m.read().ResourcesByOwner(ctx, ownerID)
}
func (m *Memory) Organizations(ctx context.Context, ownerID string) ([]Organization, error) {
	defer m.mu.RUnlock()
	return m.read().Organizations(ctx, ownerID)
}
func (m *Memory) APIKey(ctx context.Context, resourceID string) (APIKey, error) {
	defer m.mu.RUnlock()
	return m.read().APIKey(ctx, resourceID)
}
func (m *Memory) APIKeyByHash(ctx context.Context, secretHash string) (APIKey, error) {
	defer m.mu.RUnlock()
	return m.read().APIKeyByHash(ctx, secretHash)
}
func (m *Memory) AuthCode(ctx context.Context, codeHash string) (AuthCode, error) {
	defer m.mu.RUnlock()
	return m.read().AuthCode(ctx, codeHash)
}
func (m *Memory) Token(ctx context.Context, id string) (TokenRecord, error) {
	defer m.mu.RUnlock()
	return m.read().Token(ctx, id)
}
func (m *Memory) LedgerByIdempotencyKey(ctx context.Context, accountID, key string) (LedgerEntry, error) {
	defer m.mu.RUnlock()
	return m.read().LedgerByIdempotencyKey(ctx, accountID, key)
}
func (m *Memory) Ledger(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	defer m.mu.RUnlock()
	return m.read().Ledger(ctx, accountID, limit)
}
func (m *Memory) Usage(ctx context.Context, accountID string) ([]UsageRow, error) {
	defer m.mu.RUnlock()
	return m.read().Usage(ctx, accountID)
}

// ----- memData: Reader -----

func (d *memData) Account(_ context.Context, id string) (Account, error) {
	a, ok := d.accounts[id]
	if !ok {
		return Account{}, problems.Wrap(problems.ErrNotFound, "account %s", id)
	}
	return a, nil
}

func (d *memData) Resource(_ context.Context, id string) (Resource, error) {
	r, ok := d.resources[id]
	if !ok {
		return Resource{}, problems.Wrap(problems.ErrNotFound, "resource %s", id)
	}
	return r, nil
}

func (d *memData) ResourcesByOwner(_ context.Context, ownerID string) ([]Resource, error) {
	out := []Resource{}
	for _, r := range d.resources {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *memData) Organizations(_ context.Context, ownerID string) ([]Organization, error) {
	out := []Organization{}
	for _, o := range d.orgs {
		if o.OwnerID == ownerID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memData) APIKey(_ context.Context, resourceID string) (APIKey, error) {
	k, ok := d.keys[resourceID]
	if !ok {
		return APIKey{}, problems.Wrap(problems.ErrNotFound, "api key for resource %s", resourceID)
	}
	return k, nil
}

func (d *memData) APIKeyByHash(ctx context.Context, secretHash string) (APIKey, error) {
	rid, ok := d.keyHashes[secretHash]
	if !ok {
		return APIKey{}, problems.Wrap(problems.ErrNotFound, "api key")
	}
	return d.APIKey(ctx, rid)
}

func (d *memData) AuthCode(_ context.Context, codeHash string) (AuthCode, error) {
	c, ok := d.codes[codeHash]
	if !ok {
		return AuthCode{}, problems.Wrap(problems.ErrNotFound, "authorization code")
	}
	return c, nil
}

func (d *memData) Token(_ context.Context, id string) (TokenRecord, error) {
	t, ok := d.tokens[id]
	if !ok {
		return TokenRecord{}, problems.Wrap(problems.ErrNotFound, "token %s", id)
	}
	return t, nil
}

func (d *memData) LedgerByIdempotencyKey(_ context.Context, accountID, key string) (LedgerEntry, error) {
	for _, e := range d.ledger {
		if e.AccountID == accountID && e.IdempotencyKey != "" && e.IdempotencyKey == key {
			return e, nil
		}
	}
	return LedgerEntry{}, problems.Wrap(problems.ErrNotFound, "ledger entry %s", key)
}

func (d *memData) Ledger(_ context.Context, accountID string, limit int) ([]LedgerEntry, error) {
	out := []LedgerEntry{}
	for i := len(d.ledger) - 1; i >= 0; i-- {
		if d.ledger[i].AccountID == accountID {
			out = append(out, d.ledger[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (d *memData) Usage(_ context.Context, accountID string) ([]UsageRow, error) {
	byModel := map[string]*UsageRow{}
	for _, e := range d.ledger {
		if e.Kind != LedgerDebit || (accountID != "" && e.AccountID != accountID) {
			continue
		}
		row, ok := byModel[e.ModelID]
		if !ok {
			row = &UsageRow{ModelID: e.ModelID}
			byModel[e.ModelID] = row
		}
		row.Requests++
		row.Tokens += e.TokensConsumed
		row.Credits += e.Credits
	}
	out := make([]UsageRow, 0, len(byModel))
	for _, r := range byModel {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// ----- memData: Tx -----

func (d *memData) CreateAccount(_ context.Context, a Account) error {
	if _, ok := d.accounts[a.ID]; ok {
		return problems.Wrap(problems.ErrConflict, "account %s exists", a.ID)
	}
	d.accounts[a.ID] = a
	return nil
}

func (d *memData) TransitionAccount(ctx context.Context, id string, from, to AccountState, migratedTo string) error {
	a, err := d.Account(ctx, id)
	if err != nil {
		return err
	}
	if a.State != from {
		return problems.Wrap(problems.ErrConflict, "account %s is %s, not %s", id, a.State, from)
	}
	a.State = to
	if migratedTo != "" {
		a.MigratedTo = migratedTo
	}
	a.UpdatedAt = time.Now().UTC()
	d.accounts[id] = a
	return nil
}

func (d *memData) SetDefaultResource(ctx context.Context, accountID, resourceID string) error {
	a, err := d.Account(ctx, accountID)
	if err != nil {
		return err
	}
	a.DefaultResourceID = resourceID
	a.UpdatedAt = time.Now().UTC()
	d.accounts[accountID] = a
	return nil
}

func (d *memData) AdjustBalance(ctx context.Context, accountID string, delta int64) (int64, error) {
	a, err := d.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if a.CreditBalance+delta < 0 {
		return a.CreditBalance, problems.Wrap(problems.ErrInsufficientCredits, "balance %d, requested %d", a.CreditBalance, -delta)
	}
	a.CreditBalance += delta
	a.UpdatedAt = time.Now().UTC()
	d.accounts[accountID] = a
	return a.CreditBalance, nil
}

func (d *memData) PutResource(_ context.Context, r Resource) error {
	d.resources[r.ID] = r
	return nil
}

func (d *memData) DeleteResource(ctx context.Context, id string) error {
	if _, err := d.Resource(ctx, id); err != nil {
		return err
	}
	if k, ok := d.keys[id]; ok {
		delete(d.keyHashes, k.SecretHash)
		delete(d.keys, id)
	}
	delete(d.resources, id)
	for aid, a := range d.accounts {
		if a.DefaultResourceID == id {
			a.DefaultResourceID = ""
			d.accounts[aid] = a
		}
	}
	return nil
}

func (d *memData) ReparentResources(_ context.Context, from, to string) ([]string, error) {
	var moved []string
	for id, r := range d.resources {
		if r.OwnerID == from {
			r.OwnerID = to
			d.resources[id] = r
			moved = append(moved, id)
		}
	}
	sort.Strings(moved)
	return moved, nil
}

func (d *memData) PutOrganization(_ context.Context, o Organization) error {
	d.orgs[o.ID] = o
	return nil
}

func (d *memData) ReparentOrganizations(_ context.Context, from, to string) (int, error) {
	n := 0
	for id, o := range d.orgs {
		if o.OwnerID == from {
			o.OwnerID = to
			d.orgs[id] = o
			n++
		}
	}
	return n, nil
}

func (d *memData) PutAPIKey(_ context.Context, k APIKey) error {
	if rid, ok := d.keyHashes[k.SecretHash]; ok && rid != k.ResourceID {
		return problems.Wrap(problems.ErrConflict, "secret hash already in use")
	}
	if old, ok := d.keys[k.ResourceID]; ok {
		delete(d.keyHashes, old.SecretHash)
	}
	d.keys[k.ResourceID] = k
	d.keyHashes[k.SecretHash] = k.ResourceID
	return nil
}

func (d *memData) CreateAuthCode(_ context.Context, c AuthCode) error {
	if _, ok := d.codes[c.Hash]; ok {
		return problems.Wrap(problems.ErrConflict, "authorization code exists")
	}
	d.codes[c.Hash] = c
	return nil
}

func (d *memData) TransitionAuthCode(ctx context.Context, codeHash string, from, to CodeState, tokenID string) error {
	c, err := d.AuthCode(ctx, codeHash)
	if err != nil {
		return err
	}
	if c.State != from {
		return problems.Wrap(problems.ErrConflict, "code is %s, not %s", c.State, from)
	}
	c.State = to
	if tokenID != "" {
		c.TokenID = tokenID
	}
	d.codes[codeHash] = c
	return nil
}

func (d *memData) CreateToken(_ context.Context, t TokenRecord) error {
	if _, ok := d.tokens[t.ID]; ok {
		return problems.Wrap(problems.ErrConflict, "token %s exists", t.ID)
	}
	d.tokens[t.ID] = t
	return nil
}

func (d *memData) RevokeToken(ctx context.Context, id string) error {
	t, err := d.Token(ctx, id)
	if err != nil {
		return err
	}
	t.Revoked = true
	d.tokens[id] = t
	return nil
}

func (d *memData) RevokeAccountTokens(_ context.Context, accountID string) ([]string, error) {
	var ids []string
	for id, t := range d.tokens {
		if t.AccountID == accountID && !t.Revoked {
			t.Revoked = true
			d.tokens[id] = t
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *memData) AppendLedger(ctx context.Context, e LedgerEntry) (int64, error) {
	if e.IdempotencyKey != "" {
		if _, err := d.LedgerByIdempotencyKey(ctx, e.AccountID, e.IdempotencyKey); err == nil {
			return 0, problems.Wrap(problems.ErrConflict, "idempotency key %s reused", e.IdempotencyKey)
		}
	}
	d.ledgerSeq++
	e.ID = d.ledgerSeq
	d.ledger = append(d.ledger, e)
	return e.ID, nil
}
