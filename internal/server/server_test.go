package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joshp123/gohome-fusionsolar/internal/core"
	"github.com/joshp123/gohome-fusionsolar/internal/log"
)

type diagPlugin struct {
	id   string
	diag any
	err  error
}

func (p diagPlugin) ID() string                         { return p.id }
func (p diagPlugin) Manifest() core.Manifest            { return core.Manifest{PluginID: p.id} }
func (p diagPlugin) AgentsMD() string                   { return "" }
func (p diagPlugin) Dashboards() []core.Dashboard       { return nil }
func (p diagPlugin) RegisterGRPC(*grpc.Server) error    { return nil }
func (p diagPlugin) Collectors() []prometheus.Collector { return nil }
func (p diagPlugin) Health() core.HealthStatus          { return core.HealthHealthy }
func (p diagPlugin) HealthMessage() string              { return "" }
func (p diagPlugin) Start(context.Context) error        { return nil }

func (p diagPlugin) Diagnostics(context.Context) (any, error) {
	return p.diag, p.err
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestDashboardsHandler(t *testing.T) {
	handler := DashboardsHandler(map[string][]byte{"/dashboards/demo/overview.json": []byte(`{"title":"x"}`)})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboards/demo/overview.json", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"title":"x"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboards/demo/missing.json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnosticsHandler(t *testing.T) {
	handler := DiagnosticsHandler([]core.Plugin{
		diagPlugin{id: "demo", diag: map[string]any{"password": "**REDACTED**"}},
		diagPlugin{id: "broken", err: errors.New("boom")},
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/demo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "**REDACTED**", body["password"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/broken", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPServerCompressesResponses(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	srv := NewHTTPServer(":0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(payload)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Server.Handler.ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLogUnaryScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Ctx(context.Background())
	log.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { log.SetDefault(prev) })

	info := &grpc.UnaryServerInfo{FullMethod: "/fusionsolar.v1.FusionSolarService/Refresh"}
	_, err := logUnary(context.Background(), nil, info, func(ctx context.Context, _ any) (any, error) {
		log.Ctx(ctx).Info("handling")
		return nil, status.Error(codes.Unavailable, "cannot_connect")
	})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		assert.Equal(t, info.FullMethod, entry["rpcMethod"])
	}
	assert.Contains(t, string(lines[1]), `"code":"Unavailable"`)
}
