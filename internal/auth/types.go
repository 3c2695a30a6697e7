package auth

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultHeader carries the shared secret on every agent request.
const DefaultHeader = "X-Agent-Token"

// Config describes the shared secret. When TokenHash (a bcrypt hash) is set it
// is checked instead of Token, so the plain secret never has to sit in the
// config file.
type Config struct {
	Token     string `toml:"token" yaml:"token" json:"token" mapstructure:"token"`
	TokenHash string `toml:"token_hash" yaml:"token_hash" json:"token_hash" mapstructure:"token_hash"`
	Header    string `toml:"header" yaml:"header" json:"header" mapstructure:"header"`
}

var (
	ErrNoSecret    = errors.New("auth: token or token_hash must be set")
	ErrInvalidHash = errors.New("auth: token_hash is not a bcrypt hash")
)

// HeaderName returns the configured header, canonicalised.
func (c Config) HeaderName() string {
	h := strings.TrimSpace(c.Header)
	if h == "" {
		h = DefaultHeader
	}
	return http.CanonicalHeaderKey(h)
}

// Validate reports whether c names a usable secret.
func (c Config) Validate() error {
	if c.TokenHash == "" && c.Token == "" {
		return ErrNoSecret
	}
	if c.TokenHash != "" && !strings.HasPrefix(c.TokenHash, "$2") {
		return ErrInvalidHash
	}
	return nil
}
