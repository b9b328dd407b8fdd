package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// csrfGuard issues stateless tokens: an HMAC over the current hour bucket.
// A token stays valid through the following hour.
type csrfGuard struct {
	secret []byte
}

func (g csrfGuard) tokenAt(hour int64) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(strconv.FormatInt(hour, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func currentHour() int64 {
	return time.Now().UTC().Truncate(time.Hour).Unix()
}

func (g csrfGuard) token() string {
	return g.tokenAt(currentHour())
}

func (g csrfGuard) valid(token string) bool {
	if token == "" {
		return false
	}
	hour := currentHour()
	for _, bucket := range [...]int64{hour, hour - 3600} {
		if hmac.Equal([]byte(token), []byte(g.tokenAt(bucket))) {
			return true
		}
	}
	return false
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// requireCSRF checks X-CSRF-Token on every mutating request except login,
// which has to work before a token can be fetched.
func (a *API) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r.Method) && r.URL.Path != "/api/v1/auth/login" &&
			!a.csrf.valid(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
			writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMutating(r.Method) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		}
		next.ServeHTTP(w, r)
	})
}

var defaultHeaders = map[string]string{
	"X-Content-Type-Options":       "nosniff",
	"X-Frame-Options":              "DENY",
	"Referrer-Policy":              "strict-origin-when-cross-origin",
	"Cross-Origin-Opener-Policy":   "same-origin",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, X-CSRF-Token",
	"Access-Control-Allow-Methods": "GET,POST,PATCH,DELETE,OPTIONS",
	"Vary":                         "Origin",
}

// securityHeaders also answers CORS preflights.
func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range defaultHeaders {
			h.Set(k, v)
		}
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		entry := a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Info("request")
	})
}

// attemptLimiter keeps a token bucket per client key and forgets keys that
// have been idle for a whole window. A nil limiter allows everything.
type attemptLimiter struct {
	limit  rate.Limit
	burst  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

func newAttemptLimiter(attempts int, window time.Duration) *attemptLimiter {
	attempts = max(attempts, 1)
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{
		limit:   rate.Every(window / time.Duration(attempts)),
		burst:   attempts,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.window {
			delete(l.buckets, k)
		}
	}
	b := l.buckets[key]
	if b == nil {
		b = &bucket{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.AllowN(now, 1)
}

// clientKey is the remote IP without port.
func clientKey(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().String()
	}
	if host, _, ok := strings.Cut(remote, ":"); ok && host != "" {
		return host
	}
	if remote == "" {
		return "unknown"
	}
	return remote
}
