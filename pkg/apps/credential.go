package apps

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// CredentialPrefix starts every app credential: app_<id>.<secret>
const CredentialPrefix = "app_"

const (
	secretLen      = 40
	secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ParseCredential splits an app credential into its id and secret.
func ParseCredential(credential string) (id, secret string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(credential), CredentialPrefix)
	if !ok {
		return "", "", problems.Wrap(problems.ErrUnauthorized, "malformed app credential")
	}
	id, secret, ok = strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return "", "", problems.Wrap(problems.ErrUnauthorized, "malformed app credential")
	}
	return id, secret, nil
}

// FormatCredential is the inverse of ParseCredential.
func FormatCredential(id, secret string) string {
	return CredentialPrefix + id + "." + secret
}

func newAppID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSecret() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(secretAlphabet)))
	for range secretLen {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(secretAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// matches checks secret against the stored hash.
func matches(a App, secret string) bool {
	return a.SecretHash != "" && a.SecretHash == store.HashSecret(secret)
}
