// Package ratelimit throttles operator console clients with a token bucket
// per client IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
	// ExemptPrefixes are path prefixes that are never limited, normally
	// the health endpoints.
	ExemptPrefixes []string
}

// DefaultConfig suits a console polled by a dashboard every few seconds.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health"},
	}
}

func (c Config) perSecond() float64 { return float64(c.RequestsPerMinute) / 60 }

// bucket holds the tokens left to one client as of seen.
type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills b for the time since it was last seen and spends one token.
// When the bucket is empty it returns how long until the next token.
func (b *bucket) take(now time.Time, cfg Config) (bool, time.Duration) {
	refill := now.Sub(b.seen).Seconds() * cfg.perSecond()
	b.tokens = math.Min(b.tokens+refill, float64(cfg.BurstSize))
	b.seen = now

	if b.tokens < 1 {
		rate := cfg.perSecond()
		if rate <= 0 {
			return false, cfg.CleanupInterval
		}
		return false, time.Duration((1 - b.tokens) / rate * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// Limiter keeps one bucket per client key.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts the goroutine that forgets idle clients.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *Limiter) sweepLoop() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.forgetIdle()
		}
	}
}

// forgetIdle drops clients not seen for two cleanup intervals. Their
// buckets would be full again by now.
func (l *Limiter) forgetIdle() {
	cutoff := l.now().Add(-2 * l.cfg.CleanupInterval)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the idle sweep. Calling it again is a no-op.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.reserve(key)
	return ok
}

func (l *Limiter) reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: float64(l.cfg.BurstSize), seen: now}
		l.buckets[key] = b
	}
	return b.take(now, l.cfg)
}

func (l *Limiter) exempt(path string) bool {
	for _, p := range l.cfg.ExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware limits console requests by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		if ok, wait := l.reserve(c.ClientIP()); !ok {
			tooManyRequests(c, wait)
			return
		}
		c.Next()
	}
}

// tooManyRequests aborts c with a 429 whose Retry-After is wait rounded up
// to whole seconds.
func tooManyRequests(c *gin.Context, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limited",
		"retry_after": secs,
	})
}
