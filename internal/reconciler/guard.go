package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/domain-event-pipeline/pkg/utils"
)

// Guard keeps two runs of the same reconciliation method from overlapping.
// TryAcquire never blocks: it returns a nil Lease when another run holds it.
type Guard interface {
	TryAcquire(ctx context.Context) (Lease, error)
}

// Lease is a held guard. Lost is closed once exclusivity can no longer be
// vouched for; the holder must not start new records after that.
type Lease interface {
	Lost() <-chan struct{}
	Release()
}

// LocalGuard serializes runs within this process
type LocalGuard struct {
	mu sync.Mutex
}

// NewLocalGuard creates an in-process guard
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{}
}

// TryAcquire implements Guard
func (g *LocalGuard) TryAcquire(ctx context.Context) (Lease, error) {
	if !g.mu.TryLock() {
		return nil, nil
	}
	return &localLease{unlock: g.mu.Unlock}, nil
}

type localLease struct {
	once   sync.Once
	unlock func()
}

// Lost never fires for an in-process lock
func (l *localLease) Lost() <-chan struct{} { return nil }

func (l *localLease) Release() { l.once.Do(l.unlock) }

// lockClient is the subset of the redis client the guard uses
type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the lock only when it still holds our token, so an
// expired lock taken over by another replica is left alone
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript pushes the expiry out while the lock still holds our token
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisGuard serializes runs across replicas sharing one database. The
// key is renewed every ttl/3 while held, so a batch may outlive ttl.
type RedisGuard struct {
	client lockClient
	key    string
	ttl    time.Duration
	logger *logrus.Entry
}

// NewRedisGuard creates a guard on key. ttl bounds how long a crashed
// holder blocks other replicas.
func NewRedisGuard(client lockClient, key string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: utils.ComponentLogger("reconciler.lock").WithField("key", key),
	}
}

// TryAcquire implements Guard
func (g *RedisGuard) TryAcquire(ctx context.Context) (Lease, error) {
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx %s failed: %w", g.key, err)
	}
	if !ok {
		return nil, nil
	}

	l := &redisLease{
		guard: g,
		token: token,
		lost:  make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

func (g *RedisGuard) renewInterval() time.Duration {
	if d := g.ttl / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

type redisLease struct {
	guard *RedisGuard
	token string

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	release  sync.Once
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// keepAlive renews the key until Release. A renewal finding another token,
// or failures past the expiry, mark the lease lost.
func (l *redisLease) keepAlive() {
	defer close(l.done)
	g := l.guard

	ticker := time.NewTicker(g.renewInterval())
	defer ticker.Stop()

	deadline := time.Now().Add(g.ttl)
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.renewInterval())
		renewed, err := g.client.Eval(ctx, renewScript, []string{g.key}, l.token, g.ttl.Milliseconds()).Int64()
		cancel()

		switch {
		case err != nil:
			g.logger.WithError(err).Warn("Failed to renew reconciliation lock")
			if time.Now().Before(deadline) {
				continue
			}
			g.logger.Error("Reconciliation lock expired while renewals failed")
		case renewed == 0:
			g.logger.Error("Reconciliation lock lost to another holder")
		default:
			deadline = time.Now().Add(g.ttl)
			continue
		}
		l.markLost()
		return
	}
}

// Release stops renewal and deletes the key if it is still ours
func (l *redisLease) Release() {
	l.release.Do(func() {
		close(l.stop)
		<-l.done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.guard.client.Eval(ctx, releaseScript, []string{l.guard.key}, l.token).Err(); err != nil {
			l.guard.logger.WithError(err).Warn("Failed to release reconciliation lock")
		}
	})
}

// NewRedisClient parses url and connects, following the usual redis:// form
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}
