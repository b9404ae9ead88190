package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const probeTimeout = 3 * time.Second

// Prober is what the health endpoint needs from a pool. *pgxpool.Pool
// satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// Health is the body of GET /health/db.
type Health struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Acquired  int32  `json:"acquired_conns"`
	Idle      int32  `json:"idle_conns"`
	Max       int32  `json:"max_conns"`
	// Waits counts acquisitions that had to wait for a free connection.
	Waits int64 `json:"empty_acquire_count"`
}

const (
	StatusHealthy   = "healthy"
	StatusSaturated = "saturated"
	StatusDown      = "unhealthy"
)

// Check pings the database and classifies the pool. A pool with every
// connection checked out is reported as saturated: call-next and check-in
// will queue behind it even though the database answers.
func Check(ctx context.Context, p Prober) Health {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	h := Health{LatencyMS: time.Since(start).Milliseconds()}
	if st := p.Stat(); st != nil {
		h.Acquired, h.Idle, h.Max = st.AcquiredConns(), st.IdleConns(), st.MaxConns()
		h.Waits = st.EmptyAcquireCount()
	}
	h.Status = classify(err, h.Acquired, h.Max)
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

func classify(pingErr error, acquired, maxConns int32) string {
	switch {
	case pingErr != nil:
		return StatusDown
	case maxConns > 0 && acquired >= maxConns:
		return StatusSaturated
	default:
		return StatusHealthy
	}
}

// HealthHandler serves Check. Only a failed ping is a 503; saturation is
// reported but the instance stays in rotation.
func HealthHandler(p Prober) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := Check(c.Request().Context(), p)
		code := http.StatusOK
		if h.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	}
}
