package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type stubProber struct{ err error }

func (s stubProber) Ping(ctx context.Context) error { return s.err }
func (s stubProber) Stat() *pgxpool.Stat            { return nil }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"healthy", nil, http.StatusOK, StatusHealthy},
		{"unhealthy", errors.New("connection refused"), http.StatusServiceUnavailable, StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := HealthHandler(stubProber{err: tt.err})(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body Health
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("expected status %q, got %q", tt.wantBody, body.Status)
			}
			if (tt.err != nil) != (body.Error != "") {
				t.Errorf("unexpected error field %q", body.Error)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name               string
		err                error
		acquired, maxConns int32
		want               string
	}{
		{"idle pool", nil, 0, 10, StatusHealthy},
		{"busy pool", nil, 9, 10, StatusHealthy},
		{"all checked out", nil, 10, 10, StatusSaturated},
		{"ping failed wins", errors.New("down"), 10, 10, StatusDown},
		{"no stats", nil, 0, 0, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err, tt.acquired, tt.maxConns); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheck_HonoursCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := ctxProber{}
	if h := Check(ctx, p); h.Status != StatusDown {
		t.Errorf("expected a cancelled probe to report down, got %q", h.Status)
	}
}

type ctxProber struct{}

func (ctxProber) Ping(ctx context.Context) error { return ctx.Err() }
func (ctxProber) Stat() *pgxpool.Stat            { return nil }
