package factory

import (
	"errors"
	"strings"

	"github.com/loykin/reportsink/internal/store"
	fs "github.com/loykin/reportsink/internal/store/file"
	pg "github.com/loykin/reportsink/internal/store/postgres"
	rd "github.com/loykin/reportsink/internal/store/redis"
	sq "github.com/loykin/reportsink/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - file:     "file:///<path>" or a bare path ending in ".json"
//   - sqlite:   "sqlite:///<path>" or any other bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - redis:    DSN starting with "redis://" or "rediss://"
func NewFromDSN(dsn string, retention int) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	switch {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d, retention)
	case strings.HasPrefix(ld, "redis://"), strings.HasPrefix(ld, "rediss://"):
		return rd.New(d, retention)
	case strings.HasPrefix(ld, "file://"):
		return fs.New(d[len("file://"):], retention)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):], retention)
	case strings.HasSuffix(ld, ".json"):
		return fs.New(d, retention)
	}
	if strings.Contains(d, "://") {
		return nil, errors.New("unsupported store DSN: " + d)
	}
	// default to sqlite path
	return sq.New(d, retention)
}

// New builds a store from cfg and applies pooling options where the backend
// supports them.
func New(cfg store.Config) (store.Store, error) {
	s, err := NewFromDSN(cfg.DSN, cfg.Retention)
	if err != nil {
		return nil, err
	}
	if c, ok := s.(interface{ Configure(store.Config) }); ok {
		c.Configure(cfg)
	}
	return s, nil
}
