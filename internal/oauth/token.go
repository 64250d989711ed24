package oauth

import (
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"chatgate/pkg/problems"
	"chatgate/pkg/store"
)

// Signer mints and verifies the bearer form of scoped tokens (HS256). The
// bearer only carries the record id; authority always comes from the record.
type Signer struct {
	key    []byte
	issuer string
}

func NewSigner(key []byte, issuer string) (*Signer, error) {
	if len(key) < 16 {
		return nil, problems.Wrap(problems.ErrInvalidArgument, "token signing key must be at least 16 bytes")
	}
	return &Signer{key: key, issuer: issuer}, nil
}

func (s *Signer) Sign(rec store.TokenRecord) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(rec.AccountID).
		JwtID(rec.ID).
		IssuedAt(rec.IssuedAt).
		Expiration(rec.ExpiresAt).
		Claim("rid", rec.ResourceID).
		Claim("app", rec.AppID).
		Claim("scope", strings.Join(rec.Capabilities, " ")).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Verify checks signature, issuer and expiry at now and returns the token id.
func (s *Signer) Verify(raw string, now time.Time) (string, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
	)
	if err != nil {
		return "", problems.Wrap(problems.ErrUnauthorized, "invalid scoped token")
	}
	if tok.JwtID() == "" {
		return "", problems.Wrap(problems.ErrUnauthorized, "scoped token has no id")
	}
	return tok.JwtID(), nil
}
