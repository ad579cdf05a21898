// Package single_flight guarantees that at most one download runs at a time.
//
// MemoryGuard covers a single process. RedisGuard holds a lease in Redis so that
// several processes sharing one tile store also exclude each other.
package single_flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Guard hands out a single exclusive slot. When ok is false the slot is taken
// and the lease is nil.
type Guard interface {
	TryAcquire(ctx context.Context) (lease *Lease, ok bool, err error)
}

// Lease is a held slot. Lost is closed when exclusivity can no longer be
// guaranteed; the holder must stop its work.
type Lease struct {
	releaseOnce sync.Once
	release     func()
	lostOnce    sync.Once
	lost        chan struct{}
}

// NewLease wraps a release function for Guard implementations.
func NewLease(release func()) *Lease {
	return &Lease{release: release, lost: make(chan struct{})}
}

// Release gives the slot back. Calling it again is a no-op.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Lose marks the lease as lost.
func (l *Lease) Lose() {
	l.lostOnce.Do(func() { close(l.lost) })
}

type MemoryGuard struct {
	mu sync.Mutex
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{}
}

func (g *MemoryGuard) TryAcquire(ctx context.Context) (*Lease, bool, error) {
	if !g.mu.TryLock() {
		return nil, false, nil
	}
	return NewLease(g.mu.Unlock), true, nil
}

const DefaultLeaseTTL = 30 * time.Second

// The lease is only extended or deleted by the holder of the token.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type RedisGuard struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisGuard(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisGuard{client: client, key: key, ttl: ttl, logger: logger}
}

func (g *RedisGuard) TryAcquire(ctx context.Context) (*Lease, bool, error) {
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", g.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	lease := NewLease(func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, g.client, []string{g.key}, token).Err(); err != nil {
			g.logger.Warn("Failed to release lease", zap.String("key", g.key), zap.Error(err))
		}
	})
	go g.refresh(token, lease, stop, done)

	return lease, true, nil
}

// refresh extends the lease every ttl/3. The lease is lost when another token
// owns the key or when no refresh has succeeded for a whole ttl.
func (g *RedisGuard) refresh(token string, lease *Lease, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	lastRefresh := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.ttl/3)
			n, err := refreshScript.Run(ctx, g.client, []string{g.key}, token, g.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				g.logger.Warn("Failed to refresh lease", zap.String("key", g.key), zap.Error(err))
				if time.Since(lastRefresh) >= g.ttl {
					g.logger.Error("Lease expired without refresh", zap.String("key", g.key))
					lease.Lose()
					return
				}
				continue
			}
			if n == 0 {
				g.logger.Error("Lease lost", zap.String("key", g.key))
				lease.Lose()
				return
			}
			lastRefresh = time.Now()
		}
	}
}

// OpenRedis returns nil when addr is empty so callers can fall back to a MemoryGuard.
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}
