package access

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// DefaultGrantTTL bounds how long a verified password stays usable.
const DefaultGrantTTL = 5 * time.Minute

const grantIssuer = "pubdrive"

// Grants mints and checks download grants: HS256 tokens whose subject is
// the file id a password was verified for.
type Grants struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewGrants uses secret for signing. An empty secret is replaced by a random
// one, which invalidates grants on restart.
func NewGrants(secret []byte, ttl time.Duration) (*Grants, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, xerrors.Wrap(xerrors.KindEntropy, "access.NewGrants", "", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &Grants{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a grant for id valid for ttl, or for the configured default
// when ttl is zero.
func (g *Grants) Issue(id string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = g.ttl
	}
	now := g.now()
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    grantIssuer,
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.KindInternal, "access.Issue", id, err)
	}
	return signed, exp, nil
}

// Check accepts token only if it was issued for id and has not expired.
func (g *Grants) Check(token, id string) error {
	denied := func(err error) error {
		return xerrors.Wrap(xerrors.KindUnauthorized, "access.Check", id, err)
	}
	if token == "" {
		return denied(errors.New("missing grant"))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(grantIssuer),
		jwt.WithSubject(id),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return denied(err)
	}
	if !parsed.Valid {
		return denied(fmt.Errorf("invalid grant"))
	}
	return nil
}
