package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/changecontrol/internal/kv"
	"github.com/roach88/changecontrol/internal/kv/boltkv"
	"github.com/roach88/changecontrol/internal/kv/memkv"
	"github.com/roach88/changecontrol/internal/kv/rediskv"
	"github.com/roach88/changecontrol/internal/kv/sqlitekv"
)

// OpenStore opens the backend named by dsn:
//
//	memory://                       in-process, discarded on exit
//	sqlite://<path>                 SQLite database file
//	bolt://<path>                   bbolt database file
//	redis://[user:pass@]host:port/db (or rediss:// for TLS)
func OpenStore(ctx context.Context, dsn string) (kv.Store, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("invalid store DSN %q: missing scheme", dsn)
	}
	switch scheme {
	case "memory":
		return memkv.New(), nil
	case "sqlite":
		return sqlitekv.Open(rest)
	case "bolt":
		return boltkv.Open(rest)
	case "redis", "rediss":
		return rediskv.Open(ctx, dsn)
	}
	return nil, fmt.Errorf("invalid store DSN %q: unsupported scheme %q", dsn, scheme)
}
