package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/service"
	"chatsync/internal/tracing"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter gives every client IP its own token bucket refilled at
// perMinute tokens a minute. Buckets idle longer than RateLimiterIdleTTL are
// dropped.
type IPRateLimiter struct {
	perMinute int
	now       func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func NewIPRateLimiter(perMinute int) *IPRateLimiter {
	return &IPRateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
	}
}

// Allow spends one token for ip
func (l *IPRateLimiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= constants.RateLimiterIdleTTL {
		for key, v := range l.visitors {
			if now.Sub(v.lastSeen) >= constants.RateLimiterIdleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Tracked returns the number of IPs holding a bucket
func (l *IPRateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// RateLimit rejects requests over the per-IP budget with 429. Paths in
// exempt bypass the limiter.
func RateLimit(limiter *IPRateLimiter, logger *logrus.Logger, exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			if limiter.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := tracing.GetRequestID(r.Context())
			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: requestID,
				service.LogFieldRemoteIP:  ip,
				service.LogFieldRoute:     routeTemplate(r),
			}).Warn("Rate limit exceeded")

			err := apperrors.NewRateLimitError(limiter.perMinute, "1m")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int((time.Minute/time.Duration(limiter.perMinute)).Seconds())+1))
			w.WriteHeader(http.StatusTooManyRequests)
			if encErr := json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err, requestID)); encErr != nil {
				logger.WithError(encErr).Error("Failed to encode rate limit response")
			}
		})
	}
}
