package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/gateway"
	manifest "github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/logger"
	hmetrics "github.com/joeydtaylor/steeze-gateway/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	Register("test.echo", func(_ context.Context, in []byte) ([]byte, int, error) {
		return in, http.StatusOK, nil
	})
	Register("test.fail", func(context.Context, []byte) ([]byte, int, error) {
		return nil, http.StatusConflict, errors.New("conflict")
	})
}

func noProgress(string) {}

func parse(t *testing.T, doc string) manifest.Config {
	t.Helper()
	cfg, err := manifest.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func serve(h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const inprocDoc = `
[[app]]
name = "main"
  [[app.route]]
  path = "/echo"
  method = "post"
  handler = "test.echo"
  [[app.route]]
  path = "/fail"
  handler = "test.fail"
  [[app.route]]
  path = "/admin"
  handler = "test.echo"
  guard = { roles = ["ops"] }
`

func TestCatalog_Inproc(t *testing.T) {
	a, err := auth.New(auth.Config{DevBypass: true}, nil)
	require.NoError(t, err)
	c := NewCatalog(parse(t, inprocDoc), a, nil)

	inst, err := c.Boot(context.Background(), "main", noProgress)
	require.NoError(t, err)
	h := a.Middleware()(inst)

	rec := serve(h, http.MethodPost, "/api/echo", `{"x":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"x":1}`, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/fail", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "HANDLER_ERROR")

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/api/nope", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/admin", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodGet, "/api/admin", "", "X-Dev-User", "bob", "X-Dev-Role", "dev").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/admin", "", "X-Dev-User", "ann", "X-Dev-Role", "ops").Code)
}

func TestCatalog_UnknownDisabledAndMissingHandler(t *testing.T) {
	c := NewCatalog(parse(t, `
[[app]]
name = "off"
type = "static"
dir = "."
disabled = true

[[app]]
name = "broken"
  [[app.route]]
  path = "/x"
  handler = "never.registered"
`), nil, nil)

	_, err := c.Boot(context.Background(), "ghost", noProgress)
	assert.ErrorIs(t, err, registry.ErrAppNotFound)

	_, err = c.Boot(context.Background(), "off", noProgress)
	var be *registry.BootError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "APP_DISABLED", be.Code)

	reg := registry.New(c)
	_, err = reg.EnsureBooted(context.Background(), "broken")
	require.Error(t, err)
	rec, _ := reg.Get("broken")
	assert.Equal(t, "APP_MISCONFIGURED", rec.LastError.Code)
}

func TestCatalog_ProxyWaitsForHealth(t *testing.T) {
	var healthy atomic.Bool
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			if !healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			return
		}
		_, _ = io.WriteString(w, "upstream "+r.URL.Path)
	}))
	defer up.Close()

	c := NewCatalog(parse(t, `
[[app]]
name = "billing"
type = "proxy"
upstream = "`+up.URL+`"
health = "/healthz"
`), nil, nil)

	var msgs []string
	go func() {
		time.Sleep(250 * time.Millisecond)
		healthy.Store(true)
	}()
	inst, err := c.Boot(context.Background(), "billing", func(m string) { msgs = append(msgs, m) })
	require.NoError(t, err)
	defer inst.Close(context.Background())

	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[0], "waiting for upstream")

	rec := serve(inst, http.MethodGet, "/api/invoices", "")
	assert.Equal(t, "upstream /api/invoices", rec.Body.String())
}

func TestCatalog_ProxyBootTimeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer up.Close()

	c := NewCatalog(parse(t, `
[[app]]
name = "slow"
type = "proxy"
upstream = "`+up.URL+`"
health = "/healthz"
boot_timeout_ms = 300
`), nil, nil)

	_, err := c.Boot(context.Background(), "slow", noProgress)
	var be *registry.BootError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "APP_UPSTREAM_UNAVAILABLE", be.Code)
}

func TestCatalog_Static(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o600))
	c := NewCatalog(parse(t, `
[[app]]
name = "docs"
type = "static"
dir = "`+filepath.ToSlash(dir)+`"
`), nil, nil)

	inst, err := c.Boot(context.Background(), "docs", noProgress)
	require.NoError(t, err)
	assert.Equal(t, "hi", serve(inst, http.MethodGet, "/api/hello.txt", "").Body.String())
}

func TestBuildRouter_EndToEnd(t *testing.T) {
	cfg := parse(t, inprocDoc)
	c := NewCatalog(cfg, nil, nil)
	reg := registry.New(c)
	gw := gateway.New(reg, zap.NewNop())
	m := hmetrics.New()
	reg.Subscribe(m.ObserveApp)

	h := BuildRouter(cfg, BuildDeps{
		LogMW:   logger.NewMiddleware(logger.Access{Logger: zap.NewNop()}),
		Metrics: m,
		Gateway: gw,
	})

	rec := serve(h, http.MethodPost, "/api/echo", `{"a":2}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "APP_NOT_FOUND")

	require.Eventually(t, func() bool { return reg.Status("main", registry.NotFound) == registry.Running },
		2*time.Second, 5*time.Millisecond)

	rec = serve(h, http.MethodPost, "/api/echo", `{"a":2}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"a":2}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/ping", "").Code)

	// app events reach the metrics subscriber asynchronously
	require.Eventually(t, func() bool {
		return strings.Contains(serve(h, http.MethodGet, "/metrics", "").Body.String(),
			`gateway_app_status{app="main",status="running"} 1`)
	}, 2*time.Second, 5*time.Millisecond)
	rec = serve(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `total_http_requests{app="main",code="200",method="POST"} 1`)
}

func TestWrapRoute_Timeout(t *testing.T) {
	slow := InprocHandler(func(ctx context.Context, _ []byte) ([]byte, int, error) {
		<-ctx.Done()
		return []byte(`{"late":true}`), http.StatusOK, nil
	})
	h := wrapRoute(withTimeout(slow, 20*time.Millisecond))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "ROUTE_TIMEOUT")

	fast := wrapRoute(withTimeout(func(context.Context, []byte) ([]byte, int, error) {
		return []byte(`{"ok":true}`), 0, nil
	}, time.Second))
	rec = httptest.NewRecorder()
	fast(rec, httptest.NewRequest(http.MethodGet, "/api/fast", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
