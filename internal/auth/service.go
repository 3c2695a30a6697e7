package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/reportsink/internal/report"
)

type secret struct {
	header string
	token  []byte
	hash   []byte
}

// Authenticator checks the shared-secret header of incoming requests. The
// secret can be swapped at runtime with Rotate; checks in flight finish with
// the secret they started with.
type Authenticator struct {
	cur atomic.Pointer[secret]
}

// New builds an Authenticator from cfg.
func New(cfg Config) (*Authenticator, error) {
	a := &Authenticator{}
	if err := a.Rotate(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Rotate replaces the active secret. An invalid cfg leaves the old one in place.
func (a *Authenticator) Rotate(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s := &secret{header: cfg.HeaderName()}
	if cfg.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.TokenHash)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		s.hash = []byte(cfg.TokenHash)
	} else {
		s.token = []byte(cfg.Token)
	}
	a.cur.Store(s)
	return nil
}

// Header returns the name of the header carrying the secret.
func (a *Authenticator) Header() string { return a.cur.Load().header }

// Check returns report.ErrUnauthorized unless h carries the secret.
// Header lookup is case-insensitive.
func (a *Authenticator) Check(h http.Header) error {
	s := a.cur.Load()
	got := h.Get(s.header)
	if got == "" {
		return report.ErrUnauthorized
	}
	if s.hash != nil {
		if bcrypt.CompareHashAndPassword(s.hash, []byte(got)) != nil {
			return report.ErrUnauthorized
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(got), s.token) != 1 {
		return report.ErrUnauthorized
	}
	return nil
}

// HashToken returns a bcrypt hash of token suitable for Config.TokenHash.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrNoSecret
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
