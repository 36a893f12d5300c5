package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcraft-io/sheetgate/pkg/auth"
	"github.com/adcraft-io/sheetgate/pkg/batch"
	"github.com/adcraft-io/sheetgate/pkg/cache"
	"github.com/adcraft-io/sheetgate/pkg/config"
	"github.com/adcraft-io/sheetgate/pkg/events"
	"github.com/adcraft-io/sheetgate/pkg/observability"
	"github.com/adcraft-io/sheetgate/pkg/pool"
	"github.com/adcraft-io/sheetgate/pkg/registry"
	"github.com/adcraft-io/sheetgate/pkg/sheets"
)

type testServer struct {
	server *Server
	signer *auth.Signer
	cache  *cache.Cache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := sheets.NewFakeClient()
	bus := events.NewBus(observability.NewNoopLogger())
	reg, err := registry.New(config.RegistryConfig{
		Tenants: map[string]string{"t1": "ref-t1"},
	}, bus, observability.NewNoopLogger())
	require.NoError(t, err)

	poolCfg := pool.DefaultConfig()
	poolCfg.PerTenantMaxRequests = 100
	poolCfg.PerTenantWindow = time.Second
	p := pool.New(poolCfg, reg, fake, observability.NewNoopLogger(), nil)

	coord := batch.New(batch.DefaultConfig(), p, fake, bus, observability.NewNoopLogger(), nil)
	tenantCache := cache.New(cache.DefaultConfig(), observability.NewNoopLogger(), nil)
	tenantCache.Bind(bus)

	signer := auth.NewSigner("test-secret", observability.NewNoopLogger())
	metrics := observability.NewPrometheusMetricsClient("sheetgate")
	srv := New(config.APIConfig{ListenAddress: ":0"}, reg, p, coord, tenantCache, signer, observability.NewNoopLogger(), metrics)

	t.Cleanup(func() {
		_ = coord.Stop(context.Background())
		_ = p.Stop(context.Background())
	})
	return &testServer{server: srv, signer: signer, cache: tenantCache}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) sign(req *http.Request, tenantID, action, nonce string) {
	req.Header.Set(auth.HeaderTenant, tenantID)
	req.Header.Set(auth.HeaderAction, action)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, ts.signer.Sign(req.Method, tenantID, action, nonce))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["tenants"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestPoolStats(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/admin/pool/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "stats")
}

func TestRateLimitEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/admin/pool/rate-limit/t1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(100), body["capacity"])

	w = ts.do(httptest.NewRequest(http.MethodGet, "/admin/pool/rate-limit/ghost", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "tenant-unknown", body["code"])
}

func TestBatchFlushRequiresSignature(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(httptest.NewRequest(http.MethodPost, "/admin/batch/flush", nil))
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "auth-failure", decode(t, w)["code"])

	req := httptest.NewRequest(http.MethodPost, "/admin/batch/flush", nil)
	ts.sign(req, "t1", ActionBatchFlush, "nonce-1")
	w = ts.do(req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestBatchFlushScopedToTenant(t *testing.T) {
	ts := newTestServer(t)

	payload := bytes.NewBufferString(`{"tenant_id":"t1"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/batch/flush", payload)
	req.Header.Set("Content-Type", "application/json")
	ts.sign(req, "t1", ActionBatchFlush, "nonce-scoped")
	w := ts.do(req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCacheStatsEndpoints(t *testing.T) {
	ts := newTestServer(t)
	key := cache.NewKey(cache.CategorySummary, nil)
	require.NoError(t, ts.cache.Put("t1", key, "v", nil, 0))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/admin/cache/tenant/t1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/admin/cache/tenant/ghost", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheInvalidateTenant(t *testing.T) {
	ts := newTestServer(t)
	key := cache.NewKey(cache.CategorySummary, nil)
	require.NoError(t, ts.cache.Put("t1", key, "v", nil, 0))

	// Unsigned delete is rejected.
	w := ts.do(httptest.NewRequest(http.MethodDelete, "/admin/cache/tenant/t1", nil))
	require.Equal(t, http.StatusForbidden, w.Code)

	// Signed tenant must match the path.
	req := httptest.NewRequest(http.MethodDelete, "/admin/cache/tenant/t1", nil)
	ts.sign(req, "other", ActionCacheInvalidate, "nonce-mismatch")
	w = ts.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/cache/tenant/t1", nil)
	ts.sign(req, "t1", ActionCacheInvalidate, "nonce-del")
	w = ts.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), ts.cache.TenantStats("t1").Entries)
}

func TestMetricsExposition(t *testing.T) {
	ts := newTestServer(t)
	// Touch a counter so the exposition is non-trivial.
	_ = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	w := ts.do(httptest.NewRequest(http.MethodGet, "/admin/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
