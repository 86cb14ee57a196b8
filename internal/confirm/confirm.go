// Package confirm issues short-lived tokens that confirm destructive
// operations. A token is bound to one repository, one kind of operation and
// one target.
package confirm

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onexay/modelhub/internal/apierr"
)

// Kind is the confirmed operation.
type Kind string

const (
	KindFolder     Kind = "folder"
	KindRepository Kind = "repository"
	KindSquash     Kind = "squash"
)

// DefaultTTL is how long a confirmation stays valid.
const DefaultTTL = 60 * time.Second

// ParseKind accepts the wire names of the confirmation kinds.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindFolder, KindRepository, KindSquash:
		return k, true
	}
	return "", false
}

type claims struct {
	Repo   string `json:"repo"`
	Kind   Kind   `json:"kind"`
	Target string `json:"target"`
	jwt.RegisteredClaims
}

// Issuer signs and checks confirmation tokens with HS256.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer. A zero ttl uses DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("confirmation secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for (repo, kind, target) and its expiry.
func (i *Issuer) Issue(repo string, kind Kind, target string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Repo:   repo,
		Kind:   kind,
		Target: target,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign confirmation: %w", err)
	}
	return signed, exp, nil
}

// Check fails with Forbidden unless token confirms exactly (repo, kind, target).
func (i *Issuer) Check(token, repo string, kind Kind, target string) error {
	if token == "" {
		return apierr.New(apierr.KindForbidden, "confirmation token required")
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return apierr.New(apierr.KindForbidden, "invalid or expired confirmation token").Wrap(err)
	}
	if c.Repo != repo || c.Kind != kind || c.Target != target {
		return apierr.New(apierr.KindForbidden, "confirmation token does not match this %s", kind)
	}
	return nil
}
