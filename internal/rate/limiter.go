// Package rate limita intentos por clave con ventana fija. authmock lo usa
// para frenar fuerza bruta en /login; el cliente ve un 429 como error
// transitorio.
package rate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dropDatabas3/campusauth/internal/clock"
	gocache "github.com/patrickmn/go-cache"
	rdb "github.com/redis/go-redis/v9"
)

type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

func windowKey(prefix, key string, start time.Time) string {
	return fmt.Sprintf("%s%s:%d", prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())
}

func result(hits, max int64, retry time.Duration) Result {
	res := Result{Allowed: hits <= max, Remaining: max - hits, CurrentHits: hits}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = retry
	}
	return res
}

// MemoryLimiter: fixed window en proceso sobre go-cache. Cada ventana es una
// entrada que expira sola.
type MemoryLimiter struct {
	max    int64
	window time.Duration
	now    clock.Clock
	c      *gocache.Cache
}

func NewMemoryLimiter(max int, window time.Duration, now clock.Clock) *MemoryLimiter {
	if now == nil {
		now = clock.System
	}
	return &MemoryLimiter{
		max:    int64(max),
		window: window,
		now:    now,
		c:      gocache.New(window, 2*window),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	winStart := now.Truncate(l.window)
	k := windowKey("", key, winStart)

	// Add falla si ya existe; en ese caso solo incrementamos.
	_ = l.c.Add(k, int64(0), l.window)
	hits, err := l.c.IncrementInt64(k, 1)
	if err != nil {
		return Result{}, err
	}
	return result(hits, l.max, winStart.Add(l.window).Sub(now)), nil
}

// RedisLimiter: fixed window sencillo (INCR + EXPIRE), compartido entre
// réplicas del backend.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Max    int64
	Window time.Duration
}

func NewRedisLimiter(client *rdb.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{
		Client: client,
		Prefix: prefix,
		Max:    int64(max),
		Window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now().UTC()
	redisKey := windowKey(l.Prefix, key, now.Truncate(l.Window))

	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	// set expiry on first hit
	if incr.Val() == 1 {
		_ = l.Client.Expire(ctx, redisKey, l.Window).Err()
		ttl = l.Client.TTL(ctx, redisKey)
	}

	retry := ttl.Val()
	if retry < 0 {
		retry = time.Duration(math.Ceil(l.Window.Seconds())) * time.Second
	}
	return result(incr.Val(), l.Max, retry), nil
}
