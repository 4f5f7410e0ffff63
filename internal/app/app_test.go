package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-wms/internal/observability"
	"github.com/odyssey-erp/odyssey-wms/internal/stock"
	"github.com/odyssey-erp/odyssey-wms/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://u:p@db:5432/wms")
	t.Setenv("FEFO_TIE_BREAK", "balance_id")
	t.Setenv("STOCK_LOCK_TIMEOUT", "750ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@db:5432/wms", cfg.PGDSN)
	require.Equal(t, 750*time.Millisecond, cfg.StockLockTimeout)
	require.Equal(t, stock.TieBreakBalanceID, cfg.TieBreak())
	require.Equal(t, 2, cfg.PickMaxReplans)
	require.Equal(t, int32(20), cfg.PGMaxConns)
	require.False(t, cfg.StockAllowNegative)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("FEFO_TIE_BREAK", "random")
	_, err := LoadConfig()
	require.Error(t, err)

	cfg := Config{PGDSN: "x", StockLockTimeout: 0, FEFOTieBreak: "batch_code"}
	require.Error(t, cfg.Validate())
	cfg.StockLockTimeout = time.Second
	cfg.PickMaxReplans = -1
	require.Error(t, cfg.Validate())
	cfg.PickMaxReplans = 0
	require.NoError(t, cfg.Validate())
	require.False(t, cfg.IsProduction())
}

func testRouter(cfg *Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(RouterParams{
		Logger:     logger,
		Config:     cfg,
		JobHandler: jobs.NewHandler(nil, logger),
		Metrics:    observability.NewMetrics(),
	})
}

func TestRouterHealthAndMetrics(t *testing.T) {
	router := testRouter(&Config{AppEnv: "production", RateLimitPerMinute: 100, CORSAllowedOrigins: []string{"http://localhost:3000"}})

	for _, path := range []string{"/healthz", "/jobs/health", "/metrics"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, path)
		require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"), path)
	}
}

func TestRouterRateLimit(t *testing.T) {
	router := testRouter(&Config{RateLimitPerMinute: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRouterCORSPreflight(t *testing.T) {
	router := testRouter(&Config{RateLimitPerMinute: 100, CORSAllowedOrigins: []string{"http://localhost:3000"}})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/stock/adjustments", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(rr, req)
	require.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/stock/adjustments", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(rr, req)
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestInTestModeRefresh(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn", AppEnv: "staging"}, buf)

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("kept", "key", "NEAR")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "kept", record["msg"])
	require.Equal(t, "odyssey-wms", record["service"])
	require.Equal(t, "staging", record["env"])

	require.Equal(t, slog.LevelInfo, parseLevel(&Config{LogLevel: "loud"}))
	require.Equal(t, slog.LevelDebug, parseLevel(&Config{LogLevel: "DEBUG"}))
}
