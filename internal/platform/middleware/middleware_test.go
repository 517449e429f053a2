package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsgw/internal/platform/auth"
	"github.com/ehr/claimsgw/internal/platform/telemetry"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if RequestIDFrom(c) == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := RequestIDFrom(c); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	RequestID()(handler)(c)

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

func TestLogger_LogsStatusAndRoute(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/abc", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/submissions/:id")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "submission not found")
	}

	err := Logger(logger)(handler)(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"status":404`, `"route":"/api/v1/submissions/:id"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in log line, got %s", want, out)
		}
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("expected panic value in log, got %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetrics_CountsByRoute(t *testing.T) {
	m := telemetry.New(prometheus.NewRegistry())
	e := echo.New()

	for _, code := range []int{http.StatusOK, http.StatusOK, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/1/retry", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath("/api/v1/submissions/:id/retry")

		code := code
		handler := func(c echo.Context) error {
			if code != http.StatusOK {
				return echo.NewHTTPError(code, "conflict")
			}
			return c.String(code, "ok")
		}
		Metrics(m)(handler)(c)
	}

	ok := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodPost, "/api/v1/submissions/:id/retry", "200"))
	if ok != 2 {
		t.Errorf("expected 2 successful requests, got %v", ok)
	}
	conflict := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodPost, "/api/v1/submissions/:id/retry", "409"))
	if conflict != 1 {
		t.Errorf("expected 1 conflict, got %v", conflict)
	}
	if inflight := testutil.ToFloat64(m.HTTPInflight); inflight != 0 {
		t.Errorf("expected 0 in-flight, got %v", inflight)
	}
}

func TestMetrics_NilIsPassThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := Metrics(nil)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAudit_RecordsOperatorAction(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims/9f1c/correct", nil)
	req = req.WithContext(auth.WithUser(req.Context(), "op-7", "claims"))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/claims/:id/correct")
	c.SetParamNames("id")
	c.SetParamValues("9f1c")
	c.Set("request_id", "req-123")

	var got []AuditEntry
	rec := AuditRecorderFunc(func(e AuditEntry) error {
		got = append(got, e)
		return nil
	})

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(got))
	}
	entry := got[0]
	if entry.UserID != "op-7" || entry.Resource != "claims" || entry.Action != "correct" || entry.ResourceID != "9f1c" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.RequestID != "req-123" || entry.StatusCode != http.StatusOK {
		t.Errorf("unexpected request id/status: %+v", entry)
	}
}

func TestAudit_SkipsReads(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil), httptest.NewRecorder())

	called := false
	rec := AuditRecorderFunc(func(AuditEntry) error {
		called = true
		return errors.New("should not be called")
	})
	Audit(zerolog.Nop(), rec)(okHandler)(c)
	if called {
		t.Error("expected GET not to be audited")
	}
}

func TestResourceAction(t *testing.T) {
	tests := []struct {
		route, method    string
		resource, action string
	}{
		{"/api/v1/submissions", http.MethodPost, "submissions", "create"},
		{"/api/v1/submissions/:id/retry", http.MethodPost, "submissions", "retry"},
		{"/api/v1/claims/export", http.MethodPost, "claims", "export"},
		{"/api/v1/claims/:id", http.MethodPut, "claims", "update"},
		{"/api/v1/reconciliations/pull/:txid", http.MethodPost, "reconciliations", "pull"},
		{"/api/v1/", http.MethodDelete, "unknown", "delete"},
	}
	for _, tt := range tests {
		resource, action := resourceAction(tt.route, tt.method)
		if resource != tt.resource || action != tt.action {
			t.Errorf("resourceAction(%s %s) = %s, %s; want %s, %s",
				tt.method, tt.route, resource, action, tt.resource, tt.action)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		name    string
		route   string
		size    int
		wantErr bool
	}{
		{"small body", "/api/v1/claims", 512, false},
		{"over default", "/api/v1/claims", 2048, true},
		{"large route allows more", "/api/v1/reconciliations/import", 2048, false},
		{"over large limit", "/api/v1/reconciliations/import", 5000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			body := strings.Repeat("x", tt.size)
			req := httptest.NewRequest(http.MethodPost, tt.route, strings.NewReader(body))
			req.ContentLength = -1
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetPath(tt.route)

			handler := func(c echo.Context) error {
				_, err := io.ReadAll(c.Request().Body)
				return err
			}

			err := BodyLimit("1K", "4K", "/api/v1/reconciliations/import")(handler)(c)
			if tt.wantErr {
				var he *echo.HTTPError
				if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
					t.Fatalf("expected 413, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 1 << 20},
		{"512K", 512 << 10},
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"1G", 1 << 30},
		{"2048", 2048},
		{"bogus", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
