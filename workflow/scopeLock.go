package workflow

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/po_layers/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrLockTimeout = errors.New("timed out waiting for scope lock")

// ScopeLocker serializes work on one scope. Lock blocks until the key is
// free, the lock timeout passes, or ctx is done; the returned func releases it.
type ScopeLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// NewScopeLocker stacks the locks available in this deployment: an
// in-process lock always, a MySQL advisory lock when the database is MySQL,
// and a redislock when a Redis lock client is connected.
func NewScopeLocker(db *gorm.DB, redisLock *redislock.Client, settings config.Settings, logger *logrus.Logger) ScopeLocker {
	chain := ChainLocker{NewLocalLocker(settings.LockTimeout)}
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "mysql" {
		chain = append(chain, &MySQLLocker{db: db, timeout: settings.LockTimeout})
	}
	if redisLock != nil && config.RedisScopeLockEnabled() {
		chain = append(chain, &RedisLocker{client: redisLock, ttl: settings.LockTTL, timeout: settings.LockTimeout, logger: logger})
	}
	return chain
}

// ChainLocker acquires every locker in order and releases them in reverse.
type ChainLocker []ScopeLocker

func (c ChainLocker) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		release, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// LocalLocker is a keyed mutex for a single process.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	timeout time.Duration
}

func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}, timeout: timeout}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
}

// MySQLLocker takes a MySQL advisory lock. GET_LOCK is connection-scoped, so
// the lock pins a dedicated connection until released.
type MySQLLocker struct {
	db      *gorm.DB
	timeout time.Duration
}

func (l *MySQLLocker) Lock(ctx context.Context, key string) (func(), error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}

	name := advisoryLockName(key)
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, int(l.timeout/time.Second)).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok.Valid || ok.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			var released sql.NullInt64
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", name).Scan(&released)
			_ = conn.Close()
		})
	}, nil
}

// advisoryLockName keeps names within MySQL's 64 character limit.
func advisoryLockName(key string) string {
	name := "po_layers:" + key
	if len(name) <= 64 {
		return name
	}
	sum := sha1.Sum([]byte(key))
	return "po_layers:" + hex.EncodeToString(sum[:])
}

// RedisLocker holds a redislock for the duration of the work and refreshes
// it at half the TTL.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *logrus.Logger
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	obtainCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	lock, err := l.client.Obtain(obtainCtx, "lock:"+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(250 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		config.LogError(l.logger, "workflow", "RedisLocker.Lock", "Could not obtain lock for scope", key, err)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	} else if err != nil {
		config.LogError(l.logger, "workflow", "RedisLocker.Lock", "Error obtaining lock for scope", key, err)
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					config.LogError(l.logger, "workflow", "RedisLocker.Lock", "Error refreshing lock", key, err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			_ = lock.Release(context.Background())
		})
	}, nil
}
