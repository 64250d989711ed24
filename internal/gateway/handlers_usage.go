package gateway

import (
	"net/http"
	"strings"

	"chatgate/internal/metering"
	"chatgate/pkg/middleware"
	"chatgate/pkg/problems"
)

const (
	defaultLedgerLimit = 50
	idempotencyHeader  = "Idempotency-Key"
)

func (a *App) workspace(w http.ResponseWriter, r *http.Request) {
	c, _ := middleware.CallerFrom(r.Context())
	res, err := a.store.Resource(r.Context(), c.ResourceID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"resource":     res,
		"account_id":   c.AccountID,
		"app_id":       c.AppID,
		"via":          c.Via,
		"capabilities": c.Capabilities,
	}, http.StatusOK)
}

func (a *App) balance(w http.ResponseWriter, r *http.Request) {
	c, _ := middleware.CallerFrom(r.Context())
	bal, err := a.meter.Balance(r.Context(), c.AccountID)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"account_id": c.AccountID, "balance": bal}, http.StatusOK)
}

type usageBody struct {
	TokensConsumed int64  `json:"tokens_consumed"`
	ModelID        string `json:"model_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (b usageBody) validate() error {
	if b.TokensConsumed < 0 {
		return problems.Wrap(problems.ErrInvalidArgument, "tokens_consumed must not be negative")
	}
	if strings.TrimSpace(b.ModelID) == "" {
		return problems.Wrap(problems.ErrInvalidArgument, "model_id is required")
	}
	return nil
}

// checkUsage prices an upcoming call and fails with 402 if the balance cannot cover it.
func (a *App) checkUsage(w http.ResponseWriter, r *http.Request) {
	c, _ := middleware.CallerFrom(r.Context())
	var b usageBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	if err := b.validate(); err != nil {
		problems.Write(w, err)
		return
	}
	credits := a.meter.Cost(b.TokensConsumed, b.ModelID)
	if err := a.meter.Check(r.Context(), c.AccountID, credits); err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"credits":    credits,
		"model_id":   b.ModelID,
		"multiplier": a.meter.Pricing().Multiplier(b.ModelID),
	}, http.StatusOK)
}

func (a *App) recordUsage(w http.ResponseWriter, r *http.Request) {
	c, _ := middleware.CallerFrom(r.Context())
	var b usageBody
	if err := decodeJSON(r, &b); err != nil {
		problems.Write(w, err)
		return
	}
	if err := b.validate(); err != nil {
		problems.Write(w, err)
		return
	}
	if b.IdempotencyKey == "" {
		b.IdempotencyKey = r.Header.Get(idempotencyHeader)
	}
	credits := a.meter.Cost(b.TokensConsumed, b.ModelID)
	bal, err := a.meter.Debit(r.Context(), metering.DebitRequest{
		AccountID:      c.AccountID,
		Credits:        credits,
		TokensConsumed: b.TokensConsumed,
		ModelID:        b.ModelID,
		IdempotencyKey: b.IdempotencyKey,
		Reference:      c.ResourceID,
	})
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"credits": credits, "balance": bal}, http.StatusOK)
}

func (a *App) ledger(w http.ResponseWriter, r *http.Request) {
	c, _ := middleware.CallerFrom(r.Context())
	limit, err := queryInt(r, "limit", defaultLedgerLimit)
	if err != nil {
		problems.Write(w, err)
		return
	}
	entries, err := a.meter.Ledger(r.Context(), c.AccountID, limit)
	if err != nil {
		problems.Write(w, err)
		return
	}
	writeJSON(w, map[string]any{"entries": entries}, http.StatusOK)
}
