package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pgx pool state reported by the health endpoint.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named dependency probe.
type Check func(ctx context.Context) error

// CheckReport is the outcome of running every probe.
type CheckReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// RunChecks runs each probe under a shared timeout. Any failure marks the
// report unhealthy.
func RunChecks(ctx context.Context, checks map[string]Check) CheckReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := CheckReport{Status: "healthy", Checks: make(map[string]string, len(checks))}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			report.Status = "unhealthy"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// HealthHandler pings the database plus any extra dependencies and answers
// 200 or 503.
func HealthHandler(pool *pgxpool.Pool, extra map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		checks := map[string]Check{"postgres": pool.Ping}
		for name, chk := range extra {
			checks[name] = chk
		}
		report := RunChecks(c.Request().Context(), checks)
		report.Pool = GetPoolStats(pool)
		code := http.StatusOK
		if report.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, report)
	}
}
