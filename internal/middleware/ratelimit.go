package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/sikesa/sikesa-backend/internal/config"
)

// Limiter decides whether one more request for key fits in the budget
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
	Limit() int
	Stop()
}

// NewLimiter builds the limiter selected by cfg. rdb is only used by the
// redis backend and may be nil otherwise.
func NewLimiter(cfg config.RateLimitingConfig, rdb redis.UniversalClient) Limiter {
	if cfg.Backend == "redis" && rdb != nil {
		return NewRedisLimiter(rdb, cfg.RequestsPerMinute, cfg.Burst)
	}
	return NewMemoryLimiter(cfg.RequestsPerMinute, cfg.Burst, 5*time.Minute)
}

// ---- in-process token bucket ------------------------------------------------

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory
type MemoryLimiter struct {
	rpm   int
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryLimiter allows rpm requests per minute per key with bursts of up
// to burst requests. Idle buckets are dropped every cleanup interval.
func NewMemoryLimiter(rpm, burst int, cleanup time.Duration) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &MemoryLimiter{
		rpm:     rpm,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go l.cleanup(cleanup)
	return l
}

func (l *MemoryLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key, b := range l.buckets {
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Limit returns the configured requests per minute
func (l *MemoryLimiter) Limit() int { return l.rpm }

// Allow takes one token from key's bucket
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.burst) - 1, lastUpdate: now}
		return true, l.burst - 1, nil
	}

	perSecond := float64(l.rpm) / 60.0
	b.tokens = math.Min(float64(l.burst), b.tokens+now.Sub(b.lastUpdate).Seconds()*perSecond)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), nil
	}
	return false, 0, nil
}

// ---- shared limiter backed by Redis -----------------------------------------

// RedisLimiter shares the budget across replicas using the GCRA script of
// redis_rate
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter allows rpm requests per minute per key across all replicas
func NewRedisLimiter(rdb redis.UniversalClient, rpm, burst int) *RedisLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: rpm, Burst: burst, Period: time.Minute},
	}
}

// Allow consumes one request from key's budget
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	res, err := l.limiter.Allow(ctx, "ratelimit:"+key, l.limit)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.Remaining, nil
}

// Limit returns the configured requests per minute
func (l *RedisLimiter) Limit() int { return l.limit.Rate }

// Stop is a no-op; the Redis client is owned by the caller
func (l *RedisLimiter) Stop() {}

// ---- middleware -------------------------------------------------------------

// RateLimitMiddleware rejects requests over budget with 429. When the limiter
// itself fails the request is let through and the error logged.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c)

		allowed, remaining, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"message": "Too many requests, please retry later.",
			})
			return
		}
		c.Next()
	}
}

// rateLimitKey buckets authenticated callers by subject and everyone else by IP
func rateLimitKey(c *gin.Context) string {
	if sub := c.GetString(AuthSubjectKey); sub != "" {
		return "sub:" + sub
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
