package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsgw/internal/platform/auth"
)

// AuditEntry records one operator action against the pipeline: a manual
// submit, retry, correction, export or reconciliation import.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAction(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAction(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every state-changing request under /api/v1. Reads are not
// audited. Entries go to the structured log and to each recorder.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				ResourceID: c.Param("id"),
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				RequestID:  RequestIDFrom(c),
				StatusCode: responseStatus(c, err),
				Timestamp:  time.Now().UTC(),
			}
			entry.Resource, entry.Action = resourceAction(c.Path(), req.Method)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAction(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "operator_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("operator action")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/")
}

// resourceAction derives the resource and action from a route pattern:
//
//	POST /api/v1/submissions            -> submissions, create
//	POST /api/v1/submissions/:id/retry  -> submissions, retry
//	POST /api/v1/claims/export          -> claims, export
//	POST /api/v1/reconciliations/pull/:txid -> reconciliations, pull
//	PUT  /api/v1/claims/:id             -> claims, update
func resourceAction(route, method string) (string, string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(route, "/api/v1/"), "/"), "/")
	resource := "unknown"
	if len(segments) > 0 && segments[0] != "" {
		resource = segments[0]
	}

	for i := len(segments) - 1; i > 0; i-- {
		if !strings.HasPrefix(segments[i], ":") {
			return resource, segments[i]
		}
	}

	switch method {
	case http.MethodPost:
		return resource, "create"
	case http.MethodPut, http.MethodPatch:
		return resource, "update"
	case http.MethodDelete:
		return resource, "delete"
	default:
		return resource, strings.ToLower(method)
	}
}
