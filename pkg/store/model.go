package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ShadowPrefix marks system-provisioned identities that have not signed up yet.
const ShadowPrefix = "shadow_"

// IsShadowID reports whether id follows the shadow naming convention.
func IsShadowID(id string) bool {
	return strings.HasPrefix(id, ShadowPrefix) && len(id) > len(ShadowPrefix)
}

type AccountKind string

const (
	KindDurable AccountKind = "durable"
	KindShadow  AccountKind = "shadow"
)

type AccountState string

const (
	StateActive     AccountState = "active"
	StateMigrated   AccountState = "migrated"
	StateTombstoned AccountState = "tombstoned"
)

// Account owns resources, organizations and a credit balance.
type Account struct {
	ID                string       `json:"id"`
	Kind              AccountKind  `json:"kind"`
	State             AccountState `json:"state"`
	CreditBalance     int64        `json:"credit_balance"`
	DefaultResourceID string       `json:"default_resource_id,omitempty"`
	MigratedTo        string       `json:"migrated_to,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

type Visibility string

const (
	Private Visibility = "private"
	Public  Visibility = "public"
)

// Resource is a chat workspace: the unit of access control and billing.
type Resource struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Organization struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is the single key row of a resource. Only the secret hash is stored.
type APIKey struct {
	ResourceID string
	SecretHash string
	Prefix     string // non-secret display prefix, e.g. tk_lx2k1c_
	Disabled   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CodeState string

const (
	CodeIssued    CodeState = "code_issued"
	CodeExchanged CodeState = "exchanged"
	CodeExpired   CodeState = "expired"
	CodeRejected  CodeState = "rejected"
)

// AuthCode is a single-use authorization code, stored by hash.
type AuthCode struct {
	Hash         string
	AppID        string
	AccountID    string
	ResourceID   string // optional explicit target
	Capabilities []string
	RedirectURI  string
	State        CodeState
	TokenID      string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// TokenRecord backs a scoped token; the bearer string references it by ID (jti).
type TokenRecord struct {
	ID           string
	AppID        string
	AccountID    string
	ResourceID   string
	Capabilities []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
}

// Has reports whether the token grants capability c.
func (t TokenRecord) Has(c string) bool {
	for _, x := range t.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

type LedgerKind string

const (
	LedgerDebit       LedgerKind = "debit"
	LedgerGrant       LedgerKind = "grant"
	LedgerTransferIn  LedgerKind = "transfer_in"
	LedgerTransferOut LedgerKind = "transfer_out"
)

// Sign is +1 for entries that add to the balance and -1 for those that subtract.
func (k LedgerKind) Sign() int64 {
	switch k {
	case LedgerGrant, LedgerTransferIn:
		return 1
	default:
		return -1
	}
}

// LedgerEntry is append-only. Credits is always positive; Kind carries the direction.
type LedgerEntry struct {
	ID             int64      `json:"id"`
	AccountID      string     `json:"account_id"`
	Kind           LedgerKind `json:"kind"`
	TokensConsumed int64      `json:"tokens_consumed,omitempty"`
	ModelID        string     `json:"model_id,omitempty"`
	Credits        int64      `json:"credits"`
	BalanceAfter   int64      `json:"balance_after"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Reference      string     `json:"reference,omitempty"`
	Timestamp      time.Time  `json:"ts"`
}

// UsageRow aggregates debits per model.
type UsageRow struct {
	ModelID  string `json:"model_id"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
	Credits  int64  `json:"credits"`
}

// ReapResult counts rows removed by Reap.
type ReapResult struct {
	Codes  int64 `json:"codes"`
	Tokens int64 `json:"tokens"`
}

// HashSecret is the lookup key for every secret the store indexes (keys, codes, app secrets).
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
