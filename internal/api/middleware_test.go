package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// okHandler is a trivial handler that writes 200 OK.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRequestID(t *testing.T) {
	t.Run("generates_id_when_missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		RequestID(okHandler).ServeHTTP(rec, req)
		id := rec.Header().Get("X-Request-ID")
		if len(id) != 16 {
			t.Errorf("expected 16-char hex ID, got %q (len %d)", id, len(id))
		}
	})

	t.Run("preserves_provided_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		RequestID(okHandler).ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "my-custom-id" {
			t.Errorf("expected preserved ID, got %q", id)
		}
	})
}

func TestRecoverer(t *testing.T) {
	panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	Recoverer(panicker).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["success"] != false || body["error"] != "internal server error" {
		t.Errorf("body = %v", body)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Run("empty_token_passes_all", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		TokenAuth("")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("valid_bearer_header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer secret123")
		TokenAuth("secret123")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("valid_auth_token_header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Auth-Token", "secret123")
		TokenAuth("secret123")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("invalid_token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		TokenAuth("secret123")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Success || body.ErrorCode != "unauthorized" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("missing_auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		TokenAuth("secret123")(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}

func TestRequestIdentity(t *testing.T) {
	t.Run("bearer_token_wins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer tok-a")
		req.Header.Set("X-Device-Id", "cane-01")
		id := requestIdentity(req)
		if !strings.HasPrefix(id, "tok:") {
			t.Errorf("identity = %q", id)
		}
	})

	t.Run("device_header_next", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Device-Id", "cane-01")
		if id := requestIdentity(req); id != "dev:cane-01" {
			t.Errorf("identity = %q", id)
		}
	})

	t.Run("ip_fallback", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "10.0.0.9:4455"
		if id := requestIdentity(req); id != "ip:10.0.0.9" {
			t.Errorf("identity = %q", id)
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("blocks_over_the_window_limit", func(t *testing.T) {
		l := NewRateLimiter(2, 1, time.Minute)
		handler := l.Middleware(okHandler)
		for i := 0; i < 3; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "5.6.7.8:1234"
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
			}
		}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("expected 429, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.ErrorCode != "rate_limited" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("identities_are_independent", func(t *testing.T) {
		l := NewRateLimiter(1, 0, time.Minute)
		if !l.Allow("dev:a") {
			t.Fatal("first hit should pass")
		}
		if l.Allow("dev:a") {
			t.Error("second hit for the same identity should be blocked")
		}
		if !l.Allow("dev:b") {
			t.Error("other identity should still pass")
		}
	})

	t.Run("window_slides", func(t *testing.T) {
		l := NewRateLimiter(1, 0, time.Minute)
		now := time.Unix(1_000_000, 0)
		l.now = func() time.Time { return now }
		if !l.Allow("dev:a") {
			t.Fatal("first hit should pass")
		}
		if l.Allow("dev:a") {
			t.Fatal("second hit inside the window should be blocked")
		}
		now = now.Add(61 * time.Second)
		if !l.Allow("dev:a") {
			t.Error("hit after the window should pass again")
		}
	})
}

func TestReplayGuard(t *testing.T) {
	post := func(nonce, ts string) *http.Request {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "10.0.0.1:9000"
		if nonce != "" {
			req.Header.Set("X-Request-Nonce", nonce)
		}
		if ts != "" {
			req.Header.Set("X-Request-Timestamp", ts)
		}
		return req
	}
	nowMs := func() string {
		return strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	t.Run("nonce_accepted_then_replayed", func(t *testing.T) {
		handler := NewReplayGuard(5 * time.Minute).Middleware(okHandler)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, post("nonce-1", nowMs()))
		if rec.Code != http.StatusOK {
			t.Fatalf("first use: expected 200, got %d", rec.Code)
		}

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, post("nonce-1", nowMs()))
		if rec.Code != http.StatusConflict {
			t.Fatalf("replay: expected 409, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.ErrorCode != "replayed_nonce" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("stale_timestamp", func(t *testing.T) {
		handler := NewReplayGuard(5 * time.Minute).Middleware(okHandler)
		old := strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, post("nonce-2", old))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		var body ErrorResponse
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body.ErrorCode != "stale_timestamp" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("missing_headers", func(t *testing.T) {
		handler := NewReplayGuard(5 * time.Minute).Middleware(okHandler)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, post("", ""))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("seconds_resolution_timestamp", func(t *testing.T) {
		handler := NewReplayGuard(5 * time.Minute).Middleware(okHandler)
		secs := strconv.FormatInt(time.Now().Unix(), 10)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, post("nonce-3", secs))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("get_requests_skip_the_guard", func(t *testing.T) {
		handler := NewReplayGuard(5 * time.Minute).Middleware(okHandler)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestBodyLimit(t *testing.T) {
	handler := BodyLimit(16)(okHandler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", strings.NewReader("small"))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("small body: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body: expected 413, got %d", rec.Code)
	}
	var body ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.ErrorCode != "payload_too_large" {
		t.Errorf("body = %+v", body)
	}
}
