package store

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// OpenOptions locates the backend chosen by Open.
type OpenOptions struct {
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
}

// Open creates the store for a standalone backend. Database-pool backends are
// built by the caller with NewGorm.
func Open(ctx context.Context, backend string, o OpenOptions) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite, "":
		s, err := NewSQLite(o.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		var opts []RedisOption
		if o.RedisPrefix != "" {
			opts = append(opts, WithPrefix(o.RedisPrefix))
		}
		r, err := DialRedis(ctx, o.RedisURL, opts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}
