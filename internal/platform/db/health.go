package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireWait   string `json:"acquire_wait"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// dbCheck is what the health handler needs from the database.
type dbCheck struct {
	ping          func(context.Context) error
	schemaVersion func(context.Context) (int, error)
	stats         func() *PoolStats
}

// HealthHandler reports connectivity, pool usage and the highest applied
// migration version. A schema behind the binary is still healthy; the version
// is informational.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(dbCheck{
		ping: pool.Ping,
		schemaVersion: func(ctx context.Context) (int, error) {
			var v int
			err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
			return v, err
		},
		stats: func() *PoolStats { return poolStats(pool) },
	})
}

func healthHandler(p dbCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{"pool": p.stats()}
		if err := p.ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		body["status"] = "healthy"
		if v, err := p.schemaVersion(ctx); err == nil {
			body["schema_version"] = v
		} else {
			body["schema_version"] = nil
		}
		return c.JSON(http.StatusOK, body)
	}
}
