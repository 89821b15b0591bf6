package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-client bucket cache; the least recently
// seen client is evicted first.
const maxTrackedClients = 16384

// RateLimit configures one token bucket per client for a route group.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (l RateLimit) limiter() *rate.Limiter {
	perSecond := l.RequestsPerMinute / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// RateLimiter applies per-client token buckets to named route groups. The
// client is the request's remote host, so it should run after chi's RealIP.
type RateLimiter struct {
	limits     map[string]RateLimit
	onThrottle func(group string)

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

func NewRateLimiter(limits map[string]RateLimit, onThrottle func(group string)) *RateLimiter {
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &RateLimiter{limits: limits, onThrottle: onThrottle, buckets: buckets}
}

// Middleware limits the route group named group. Groups without a configured
// limit pass through.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limit, ok := r.limits[group]
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			reservation := r.bucket(group, remoteHost(req), limit).Reserve()
			if delay := reservation.Delay(); !reservation.OK() || delay > 0 {
				reservation.Cancel()
				if r.onThrottle != nil {
					r.onThrottle(group)
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) bucket(group, client string, limit RateLimit) *rate.Limiter {
	key := group + "|" + client
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.buckets.Get(key); ok {
		return limiter
	}
	limiter := limit.limiter()
	r.buckets.Add(key, limiter)
	return limiter
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
