package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Capabilities understood by the resource-scoped API.
const (
	CapWorkspaceRead = "workspace:read"
	CapBalanceRead   = "balance:read"
	CapUsageWrite    = "usage:write"
	CapLedgerRead    = "ledger:read"
)

// Known lists every capability an app can be registered for.
var Known = []string{CapWorkspaceRead, CapBalanceRead, CapUsageWrite, CapLedgerRead}

//go:embed capabilities.rego
var defaultModule string

type DecisionStatus string

const (
	Allow   DecisionStatus = "ALLOW"
	Blocked DecisionStatus = "BLOCKED"
)

// Input describes one authorization request.
type Input struct {
	AppID     string   `json:"app_id"`
	Allowed   []string `json:"allowed"`
	Requested []string `json:"requested"`
	AccountID string   `json:"account_id"`
	Shadow    bool     `json:"shadow"`
}

type Decision struct {
	Status  DecisionStatus `json:"status"`
	Denied  []string       `json:"denied,omitempty"`
	Reasons []string       `json:"reasons,omitempty"`
}

// Engine evaluates the capability policy entrypoint `data.policy.decide`.
type Engine struct {
	query rego.PreparedEvalQuery
	log   *zap.SugaredLogger
}

// Load prepares the policy in path, or the built-in policy when path is empty.
func Load(ctx context.Context, path string, log *zap.SugaredLogger) (*Engine, error) {
	mod := defaultModule
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read capability policy: %w", err)
		}
		mod = string(b)
	}
	return New(ctx, mod, log)
}

func New(ctx context.Context, module string, log *zap.SugaredLogger) (*Engine, error) {
	q, err := rego.New(
		rego.Query("data.policy.decide"),
		rego.Module("capabilities.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile capability policy: %w", err)
	}
	return &Engine{query: q, log: log}, nil
}

// Evaluate fails closed: an evaluation error or an undefined result blocks.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"app_id":     in.AppID,
		"allowed":    nonNil(in.Allowed),
		"requested":  nonNil(in.Requested),
		"account_id": in.AccountID,
		"shadow":     in.Shadow,
		"known":      Known,
	}))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		e.log.Warnw("capability policy evaluation failed", "app_id", in.AppID, "err", err)
		return Decision{Status: Blocked, Reasons: []string{"policy_error"}}
	}
	out, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{Status: Blocked, Reasons: []string{"policy_error"}}
	}
	dec := Decision{Status: Blocked}
	if s, _ := out["status"].(string); s == string(Allow) {
		dec.Status = Allow
	}
	dec.Denied = toStrings(out["denied"])
	dec.Reasons = toStrings(out["reasons"])
	slices.Sort(dec.Denied)
	return dec
}

func toStrings(v any) []string {
	arr, _ := v.([]any)
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
