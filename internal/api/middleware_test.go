package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxlab/detonate/internal/config"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
)

func TestAuthRequiredWhenKeySet(t *testing.T) {
	srv, eng := newTestServer(t, func(cfg *config.Config) {
		cfg.APIKey = "secret"
	})
	eng.On("ListJobs", 0).Return([]*store.Job{}, nil)

	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrCodeUnauthorized, decodeAPIError(t, rec).Code)

	req = httptest.NewRequest("GET", "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzOpenWithoutAuth(t *testing.T) {
	srv, eng := newTestServer(t, func(cfg *config.Config) {
		cfg.APIKey = "secret"
	})
	eng.On("Available").Return(true, "")
	eng.On("VMStatus").Return(vm.Status{State: vm.StateReady, AnalysisAvailable: true})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"analysis_available":true`)
}

func TestNoAuthWhenKeyUnset(t *testing.T) {
	srv, eng := newTestServer(t, nil)
	eng.On("ListJobs", 0).Return([]*store.Job{}, nil)

	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	srv, eng := newTestServer(t, nil)
	eng.On("ListJobs", 0).Return([]*store.Job{}, nil)

	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest("GET", "/v1/jobs", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "trace-me", rec.Header().Get("X-Request-ID"))
}
