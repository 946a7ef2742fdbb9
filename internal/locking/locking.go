// Package locking provides the "forbid concurrent runs" primitive spec.md
// requires of the availability tracker and expiry sweeper (§4.3, §4.5) but
// never names an implementation for. It is a small redis SET NX PX lock,
// grounded on the teacher's use of redis as a coordination channel
// (escalation.Engine's pub/sub subscription) rather than only a cache.
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld means Release was called without (or after losing) the lock.
var ErrNotHeld = errors.New("locking: lock not held")

// TickLock prevents overlapping runs of a single named periodic job across
// replicas. A running tick blocks the next one, per spec.md's "forbid
// concurrent runs" requirement on both the availability tracker and the
// expiry sweeper.
type TickLock struct {
	rdb   *redis.Client
	name  string
	token string
}

// NewTickLock creates a lock for the given job name ("availability-tracker",
// "expiry-sweeper").
func NewTickLock(rdb *redis.Client, name string) *TickLock {
	return &TickLock{rdb: rdb, name: name}
}

func (l *TickLock) key() string {
	return "gpuctl:tick-lock:" + l.name
}

// TryAcquire attempts to take the lock for ttl. It returns false, nil if
// another replica currently holds it (not an error — the caller should
// simply skip this tick).
func (l *TickLock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key(), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring tick lock %s: %w", l.name, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release drops the lock, but only if this instance still holds it — a
// stale release (after the TTL already expired and someone else acquired
// it) must not evict the new holder.
func (l *TickLock) Release(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end`
	res, err := l.rdb.Eval(ctx, script, []string{l.key()}, l.token).Result()
	if err != nil {
		return fmt.Errorf("releasing tick lock %s: %w", l.name, err)
	}
	l.token = ""
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotHeld
	}
	return nil
}
