package api

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			b := make([]byte, 8)
			rand.Read(b)
			id = hex.EncodeToString(b)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(log)
		accessLog := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration_ms", dur).
				Msg("request")
		})
		return h(accessLog(next))
	}
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				log := hlog.FromRequest(r)
				log.Error().Interface("panic", rv).Msg("recovered from panic")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"success":false,"error":"internal server error"}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers",
			"Authorization, Content-Type, X-Auth-Token, X-Device-Id, X-Request-Nonce, X-Request-Timestamp")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header or the
// X-Auth-Token fallback.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

// TokenAuth enforces the control-API token on every request. An empty
// configured token disables the check.
func TokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimit rejects request bodies larger than max with 413 and caps reads on
// chunked bodies.
func BodyLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", "payload_too_large")
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestIdentity keys the rate limiter and replay guard: hashed bearer token
// first, then the device header, then the client IP.
func requestIdentity(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "tok:" + hex.EncodeToString(sum[:])[:16]
	}
	if dev := strings.TrimSpace(r.Header.Get("X-Device-Id")); dev != "" {
		return "dev:" + dev
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// maxTrackedIdentities caps the limiter and replay maps; a sweep runs when
// the cap is exceeded.
const maxTrackedIdentities = 4096

// RateLimiter is a sliding-window counter per identity.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]int64
	now    func() time.Time
}

func NewRateLimiter(rpm, burst int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:  rpm + burst,
		window: window,
		hits:   make(map[string][]int64),
		now:    time.Now,
	}
}

// Allow records one hit for the identity and reports whether it is within
// the window limit.
func (l *RateLimiter) Allow(identity string) bool {
	now := l.now().UnixMilli()
	cutoff := now - l.window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.hits[identity][:0]
	for _, ts := range l.hits[identity] {
		if ts > cutoff {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= l.limit {
		l.hits[identity] = recent
		return false
	}
	l.hits[identity] = append(recent, now)
	if len(l.hits) > maxTrackedIdentities {
		l.sweepLocked(cutoff)
	}
	return true
}

func (l *RateLimiter) sweepLocked(cutoff int64) {
	for id, stamps := range l.hits {
		live := false
		for _, ts := range stamps {
			if ts > cutoff {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, id)
		}
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(requestIdentity(r)) {
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ReplayGuard rejects repeated (identity, nonce) tuples on mutating requests.
type ReplayGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]int64
	now    func() time.Time
}

func NewReplayGuard(window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ReplayGuard{
		window: window,
		seen:   make(map[string]int64),
		now:    time.Now,
	}
}

// Check validates the nonce and timestamp for one request. A non-empty code
// names the rejection.
func (g *ReplayGuard) Check(identity, nonce, timestamp string) (code, msg string) {
	if nonce == "" || timestamp == "" {
		return "bad_request", "X-Request-Nonce and X-Request-Timestamp are required"
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return "bad_request", "invalid X-Request-Timestamp"
	}
	// Seconds-resolution timestamps are promoted to milliseconds.
	if ts < 1_000_000_000_000 {
		ts *= 1000
	}
	now := g.now().UnixMilli()
	windowMs := g.window.Milliseconds()
	if ts < now-windowMs || ts > now+windowMs {
		return "stale_timestamp", "request timestamp outside the accepted window"
	}

	key := identity + "\x00" + nonce
	g.mu.Lock()
	defer g.mu.Unlock()
	if seenAt, ok := g.seen[key]; ok && seenAt > now-windowMs {
		return "replayed_nonce", "nonce already used"
	}
	g.seen[key] = now
	if len(g.seen) > maxTrackedIdentities {
		cutoff := now - windowMs
		for k, at := range g.seen {
			if at <= cutoff {
				delete(g.seen, k)
			}
		}
	}
	return "", ""
}

func (g *ReplayGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		code, msg := g.Check(requestIdentity(r),
			r.Header.Get("X-Request-Nonce"), r.Header.Get("X-Request-Timestamp"))
		if code != "" {
			WriteError(w, statusForCode(code), msg, code)
			return
		}
		next.ServeHTTP(w, r)
	})
}
