package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/claimsgw/internal/platform/telemetry"
)

// Metrics records request count, latency and in-flight requests per route.
// Unmatched routes share one label so scanners cannot inflate cardinality.
func Metrics(m *telemetry.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil || c.Path() == "/metrics" {
				return next(c)
			}

			m.HTTPInflight.Inc()
			defer m.HTTPInflight.Dec()

			start := time.Now()
			err := next(c)

			status := responseStatus(c, err)
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.HTTPLatency.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
