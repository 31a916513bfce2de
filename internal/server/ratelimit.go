package server

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for Config.RateLimit and Config.RateBurst
// (DOCPIPE_RATE_LIMIT, DOCPIPE_RATE_BURST).
const (
	defaultRateLimit = 10
	defaultRateBurst = 20
)

// clientIdleTTL is how long an idle client's bucket is kept.
const clientIdleTTL = 5 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP for the routes that embed
// text (ingest, parse, search). Idle buckets are evicted every minute.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

// newRateLimiter starts the eviction goroutine; call the returned func to
// stop it.
func newRateLimiter(rps float64, burst int) (*rateLimiter, func()) {
	rl := &rateLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	var once sync.Once
	return rl, func() { once.Do(func() { close(stopCh) }) }
}

// wait takes a token for ip. It returns zero when the request may proceed,
// otherwise how long the client has to wait for the next token; no token is
// consumed in that case.
func (rl *rateLimiter) wait(ip string) time.Duration {
	now := time.Now()

	rl.mu.Lock()
	b, ok := rl.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	d := res.DelayFrom(now)
	if d > 0 {
		res.CancelAt(now)
	}
	return d
}

// size reports the number of tracked clients.
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-clientIdleTTL))
		}
	}
}

// evict drops buckets last used before cutoff.
func (rl *rateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// rateLimited rejects requests over the client's budget with 429, a
// Retry-After header in whole seconds and the usual errorResponse body.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if d := s.limiter.wait(ip); d > 0 {
			secs := int(math.Ceil(d.Seconds()))
			annotate(r, slog.String("client_ip", ip))
			s.metrics.httpRejectedTotal.WithLabelValues(rejectRateLimited).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, r, fmt.Errorf("%w: retry in %ds", errRateLimited, secs))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored;
// put a proxy in front only together with its own limits.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
