package factory

import (
	"errors"
	"strings"

	"github.com/loykin/buildrun/internal/prefs"
	pg "github.com/loykin/buildrun/internal/prefs/postgres"
	sq "github.com/loykin/buildrun/internal/prefs/sqlite"
)

// NewFromDSN selects a settings store implementation based on DSN.
// Supported:
//   - "memory://"                               in-process only
//   - "postgres://..." or "postgresql://..."
//   - "sqlite://<path>" or a bare file path      (default)
func NewFromDSN(dsn string) (prefs.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if ld == "memory://" || ld == "memory" {
		return prefs.NewMemory(), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	return sq.New(d)
}
