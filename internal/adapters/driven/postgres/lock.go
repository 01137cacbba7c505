package postgres

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/quietlist-labs/quietlist-core/internal/core/ports/driven"
)

var _ driven.DistributedLock = (*AdvisoryLock)(nil)

// AdvisoryLock implements DistributedLock on PostgreSQL advisory
// locks, for deployments without Redis. Advisory locks are
// connection-scoped rather than TTL-based: the TTL argument is
// ignored, Extend is a no-op, and a lost connection releases the lock.
type AdvisoryLock struct {
	db *DB
}

// NewAdvisoryLock creates a Postgres-backed distributed lock.
func NewAdvisoryLock(db *DB) *AdvisoryLock {
	return &AdvisoryLock{db: db}
}

// lockKey hashes a lock name into the int64 space advisory locks key
// on. FNV-1a over the same namespaced string the Redis lock uses.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("quietlist:lock:" + name))
	return int64(h.Sum64())
}

// Acquire attempts a non-blocking take of the named lock. The TTL is
// ignored; the lock is held until Release or until the session ends.
func (l *AdvisoryLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(name)).Scan(&acquired)
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release drops the named lock. Releasing a lock this session does not
// hold is a no-op, not an error.
func (l *AdvisoryLock) Release(ctx context.Context, name string) error {
	var released bool
	return l.db.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey(name)).Scan(&released)
}

// Extend is a no-op. Advisory locks have no TTL to push out.
func (l *AdvisoryLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	return nil
}

// Ping checks that the database backend is reachable.
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
