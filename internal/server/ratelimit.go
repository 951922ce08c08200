package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/logging"
)

// Rate limit classes. Each class has its own budget per client IP.
const (
	classCreate = "create"
	classQuery  = "query"
)

// allower decides whether one more request from key fits the budget.
// retryAfter is meaningful only when ok is false.
type allower interface {
	allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// ipLimiter holds a token-bucket rate limiter and the last time it was seen,
// used to evict stale entries from the limiter map.
type ipLimiter struct {
	// limiter is the per-IP token bucket.
	limiter *rate.Limiter
	// lastSeen is updated on every request from this IP for LRU eviction.
	lastSeen time.Time
}

// tokenBuckets is an in-process allower with one token bucket per IP.
// Stale IP entries are evicted periodically to bound memory usage.
type tokenBuckets struct {
	// mu protects the limiters map.
	mu sync.Mutex
	// limiters maps remote IP to its per-IP state.
	limiters map[string]*ipLimiter
	// rps is the sustained request rate allowed per IP (requests/second).
	rps rate.Limit
	// burst is the maximum instantaneous burst per IP.
	burst int
	// idle is how long an unseen IP is kept before eviction.
	idle time.Duration
}

// newTokenBuckets constructs tokenBuckets and starts the background eviction
// goroutine. The goroutine exits when the returned stop function is called.
func newTokenBuckets(rps float64, burst int, idle time.Duration) (*tokenBuckets, func()) {
	tb := &tokenBuckets{
		limiters: make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     max(idle, 5*time.Minute),
	}

	stopCh := make(chan struct{})
	go tb.evictLoop(stopCh)

	var once sync.Once
	return tb, func() { once.Do(func() { close(stopCh) }) }
}

// getLimiter returns the per-IP limiter for the given IP, creating one if
// it does not already exist.
func (tb *tokenBuckets) getLimiter(ip string) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	entry, ok := tb.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(tb.rps, tb.burst)}
		tb.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (tb *tokenBuckets) allow(_ context.Context, ip string) (bool, time.Duration, error) {
	now := time.Now()
	res := tb.getLimiter(ip).ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute, nil
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

// evictLoop removes idle IP entries. It exits when stopCh is closed.
func (tb *tokenBuckets) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			tb.evict(time.Now())
		}
	}
}

// evict removes IP entries not seen since now minus the idle period.
func (tb *tokenBuckets) evict(now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	cutoff := now.Add(-tb.idle)
	for ip, entry := range tb.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(tb.limiters, ip)
		}
	}
}

// redisWindow is a fixed-window counter shared by every server instance
// that uses the same Redis. Keys expire with their window.
type redisWindow struct {
	client *redis.Client
	class  string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func (rw *redisWindow) allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	now := rw.now()
	// Windows are keyed in whole milliseconds; config rejects shorter ones.
	windowMS := max(rw.window.Milliseconds(), 1)
	slot := now.UnixMilli() / windowMS
	key := fmt.Sprintf("firestarter:ratelimit:%s:%s:%d", rw.class, ip, slot)

	var incr *redis.IntCmd
	if _, err := rw.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, rw.window)
		return nil
	}); err != nil {
		return false, 0, fmt.Errorf("rate limit: %w", err)
	}
	if incr.Val() <= rw.limit {
		return true, 0, nil
	}
	end := time.UnixMilli((slot + 1) * windowMS)
	return false, end.Sub(now), nil
}

// rateLimiter is an HTTP middleware that enforces one limit class per
// client IP. Backend errors fail open.
type rateLimiter struct {
	class   string
	backend allower
	// onLimit is called for every rejected request.
	onLimit func(class string)
}

// newLimiter wraps backend as the middleware for class. A nil onLimit
// is a no-op.
func newLimiter(class string, backend allower, onLimit func(class string)) *rateLimiter {
	if onLimit == nil {
		onLimit = func(string) {}
	}
	return &rateLimiter{class: class, backend: backend, onLimit: onLimit}
}

// rateLimiters builds the create and query middlewares from the limits.
// When limits are lifted both are pass-through.
func (s *Server) rateLimiters(deps Deps) (create, query func(http.Handler) http.Handler) {
	pass := func(next http.Handler) http.Handler { return next }
	if s.limits.Unlimited {
		s.log.Info("rate limiting disabled")
		return pass, pass
	}

	var stops []func()
	build := func(class string, n int, window time.Duration) func(http.Handler) http.Handler {
		if n <= 0 {
			return pass
		}
		if window < config.MinRateWindow {
			s.log.Warn("rate limit window too short, limiting disabled",
				slog.String("class", class), slog.Duration("window", window))
			return pass
		}
		var backend allower
		if deps.Redis != nil {
			backend = &redisWindow{client: deps.Redis, class: class, limit: int64(n), window: window, now: time.Now}
		} else {
			tb, stop := newTokenBuckets(float64(n)/window.Seconds(), n, window)
			backend = tb
			stops = append(stops, stop)
		}
		return newLimiter(class, backend, func(c string) { s.metrics.rateLimitedTotal.WithLabelValues(c).Inc() }).middleware
	}
	create = build(classCreate, s.limits.CreateRequests, s.limits.CreateWindow)
	query = build(classQuery, s.limits.QueryRequests, s.limits.QueryWindow)
	s.stopRL = func() {
		for _, stop := range stops {
			stop()
		}
	}
	return create, query
}

// middleware returns an http.Handler that enforces the rate limit before
// delegating to next. Requests that exceed the limit receive 429 Too Many
// Requests with a Retry-After header and a structured WARN log entry.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		log := logging.FromContext(r.Context())

		ok, retryAfter, err := rl.backend.allow(r.Context(), ip)
		if err != nil {
			log.Warn("rate limiter unavailable, allowing request",
				slog.String("class", rl.class), slog.Any("error", err))
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			log.Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.String("class", rl.class),
				slog.String("path", r.URL.Path),
			)
			rl.onLimit(rl.class)
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
			const msg = "rate limit exceeded"
			if isOpenAIPath(r) {
				writeOpenAIError(r.Context(), w, http.StatusTooManyRequests, msg, "rate_limit_error", "rate_limit_exceeded")
				return
			}
			writeError(r.Context(), w, http.StatusTooManyRequests, msg)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retrySeconds rounds d up to whole seconds, at least one.
func retrySeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// isOpenAIPath reports whether r targets the OpenAI-compatible API, whose
// clients expect the OpenAI error envelope.
func isOpenAIPath(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/v1/")
}

// clientIP extracts the remote IP from the request, stripping the port.
// It does not trust X-Forwarded-For.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	addr := r.RemoteAddr
	// Fall back to stripping the last ":port" for non-standard forms.
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
