package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		versionErr error
		wantStatus int
		wantBody   []string
	}{
		{"healthy", nil, nil, http.StatusOK,
			[]string{`"status":"healthy"`, `"schema_version":3`}},
		{"migrations table missing", nil, errors.New(`relation "schema_migrations" does not exist`), http.StatusOK,
			[]string{`"status":"healthy"`, `"schema_version":null`}},
		{"unhealthy", errors.New("connection refused"), nil, http.StatusServiceUnavailable,
			[]string{`"status":"unhealthy"`, `"error":"connection refused"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
			rec := httptest.NewRecorder()

			h := healthHandler(dbCheck{
				ping:          func(context.Context) error { return tt.pingErr },
				schemaVersion: func(context.Context) (int, error) { return 3, tt.versionErr },
				stats:         func() *PoolStats { return &PoolStats{MaxConns: 10} },
			})
			if err := h(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			for _, want := range append(tt.wantBody, `"max_conns":10`) {
				if !strings.Contains(rec.Body.String(), want) {
					t.Errorf("expected %s in body, got %s", want, rec.Body.String())
				}
			}
		})
	}
}
