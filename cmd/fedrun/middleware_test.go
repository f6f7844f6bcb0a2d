package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/metrics"
	"github.com/BaSui01/fedrun/types"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	SecurityHeaders()(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestRequestID_KeepsClientValue(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r.Header.Set("X-Request-ID", "req-client")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "req-client", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-client", seen)
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrInternalError))
}

func TestAuthenticate(t *testing.T) {
	issuer := auth.NewIssuer("secret", "fedrun", time.Hour)
	verifier := auth.NewVerifier("secret", "fedrun")

	type seen struct {
		user    string
		central bool
		roles   []string
		called  bool
	}
	var got seen
	handler := Authenticate(verifier, zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.called = true
		got.user, _ = types.UserID(r.Context())
		got.roles, _ = types.Roles(r.Context())
		got.central = types.Central(r.Context())
	}))
	call := func(path, header, token string) *httptest.ResponseRecorder {
		got = seen{}
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			r.Header.Set(header, token)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	session, err := issuer.IssueSession("alice", []string{"member"})
	require.NoError(t, err)
	w := call("/api/v1/runs/r1", "Authorization", "Bearer "+session)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, seen{user: "alice", roles: []string{"member"}, called: true}, got)

	central, err := issuer.IssueCentral()
	require.NoError(t, err)
	call("/api/v1/runs/r1", "x-access-token", central)
	assert.True(t, got.central)
	assert.Equal(t, auth.CentralUserID, got.user)

	// no credential: the handler decides
	call("/api/v1/runs/r1", "", "")
	assert.True(t, got.called)
	assert.Empty(t, got.user)

	w = call("/api/v1/runs/r1", "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, got.called)

	download, err := issuer.IssueDownload("alice", "c1", "r1", time.Minute)
	require.NoError(t, err)
	w = call("/api/v1/runs/r1", "Authorization", "Bearer "+download)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, got.called)

	// file routes verify their own credentials
	w = call("/download/c1/r1/alice", "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got.called)
	assert.Empty(t, got.user)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimiter(ctx, 1, 2, zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// another client has its own bucket
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	r.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_DisabledAtZero(t *testing.T) {
	handler := RateLimiter(context.Background(), 0, 0, zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestCORS(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	handler := CORS([]string{"https://console.example"})(inner)
	r := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	r.Header.Set("Origin", "https://console.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	r.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/events", "/events"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/3f2a9c1e-0000-4000-8000-000000000001/ready", "/api/v1/runs/:id/ready"},
		{"/api/v1/consortia/c1/latest-run", "/api/v1/consortia/:id/latest-run"},
		{"/download/c1/r1/alice", "/download/:id/:id/:id"},
		{"/upload_results/c1/r1", "/upload_results/:id/:id"},
		{"/something/12345", "/something/:id"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zaptest.NewLogger(t))
	handler := MetricsMiddleware(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/runs/r-1/ready", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/runs/r-2/ready", nil))

	n, err := testutil.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "both run ids share one series")
}
