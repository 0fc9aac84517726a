package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInstance struct{ name string }

func (e *echoInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Served-By", e.name)
	w.WriteHeader(http.StatusTeapot)
	_, _ = w.Write([]byte(e.name + " " + r.URL.Path))
}

func (e *echoInstance) Close(context.Context) error { return nil }

type countingBooter struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (b *countingBooter) Boot(_ context.Context, key string, p registry.Progress) (registry.Instance, error) {
	b.calls.Add(1)
	p("warming " + key)
	<-b.release
	if b.err != nil {
		return nil, b.err
	}
	return &echoInstance{name: key}, nil
}

type body struct {
	Error AppError `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) AppError {
	t.Helper()
	var b body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b), rec.Body.String())
	return b.Error
}

func do(g http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestDispatch_NotFoundIgnoresSlowSubscribers(t *testing.T) {
	b := &countingBooter{release: make(chan struct{})}
	defer close(b.release)
	reg := registry.New(b)
	release := make(chan struct{})
	defer close(release)
	reg.Subscribe(func(registry.Event) { <-release })
	g := New(reg, nil)

	start := time.Now()
	rec := do(g, "/api/x?__appName=acme")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeAppNotFound, decodeError(t, rec).Code)
	assert.Equal(t, registry.Initializing, reg.Status("acme", registry.NotFound))
}

func TestDispatch_NotFoundThenInitializingThenRunning(t *testing.T) {
	b := &countingBooter{release: make(chan struct{})}
	reg := registry.New(b)
	g := New(reg, nil)

	rec := do(g, "/api/users?__appName=acme")
	require.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, CodeAppNotFound, e.Code)
	assert.Equal(t, "acme", e.AppName)

	require.Eventually(t, func() bool {
		r, ok := reg.Get("acme")
		return ok && r.Status == registry.Initializing && r.WorkingMessage != ""
	}, time.Second, time.Millisecond)

	rec = do(g, "/api/users?__appName=acme")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	e = decodeError(t, rec)
	assert.Equal(t, CodeAppInitializing, e.Code)
	assert.True(t, e.Maintaining)
	assert.Equal(t, "warming acme", e.WorkingMessage)

	close(b.release)
	require.Eventually(t, func() bool { return reg.Status("acme", registry.NotFound) == registry.Running },
		time.Second, time.Millisecond)

	rec = do(g, "/api/users?__appName=acme")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "acme /api/users", rec.Body.String())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestDispatch_ConcurrentFirstRequestsBootOnce(t *testing.T) {
	b := &countingBooter{release: make(chan struct{})}
	reg := registry.New(b)
	g := New(reg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			do(g, "/api/x", AppHeader, "same")
		}()
	}
	wg.Wait()
	close(b.release)
	require.Eventually(t, func() bool { return reg.Status("same", registry.NotFound) == registry.Running },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(1), b.calls.Load())
}

type codedErr struct{ code string }

func (c codedErr) Error() string { return "boom" }
func (c codedErr) Code() string  { return c.code }

func TestDispatch_ErrorReturnsStoredCode(t *testing.T) {
	b := &countingBooter{release: make(chan struct{}), err: codedErr{"DB_UNREACHABLE"}}
	close(b.release)
	reg := registry.New(b)
	g := New(reg, nil)

	_, err := reg.EnsureBooted(context.Background(), "main")
	require.Error(t, err)

	rec := do(g, "/api/ping")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "DB_UNREACHABLE", e.Code)
	assert.Equal(t, "main", e.AppName)
	assert.True(t, e.Maintaining)
}

func TestDispatch_StoppedRetriggersBoot(t *testing.T) {
	b := &countingBooter{release: make(chan struct{})}
	close(b.release)
	reg := registry.New(b)
	g := New(reg, nil)

	_, err := reg.EnsureBooted(context.Background(), "main")
	require.NoError(t, err)
	require.NoError(t, reg.Shutdown(context.Background(), "main"))

	rec := do(g, "/api/ping")
	assert.Equal(t, CodeAppNotFound, decodeError(t, rec).Code)
	require.Eventually(t, func() bool { return reg.Status("main", registry.NotFound) == registry.Running },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestDispatch_BootWaitServesOnceReady(t *testing.T) {
	b := &countingBooter{release: make(chan struct{})}
	reg := registry.New(b)
	g := New(reg, nil, WithBootWait(2*time.Second))

	require.True(t, reg.Trigger("main"))
	require.Eventually(t, func() bool { return reg.Status("main", registry.NotFound) == registry.Initializing },
		time.Second, time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(b.release)
	}()
	rec := do(g, "/api/ping")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDispatch_BootWaitTimesOut(t *testing.T) {
	b := &countingBooter{release: make(chan struct{})}
	defer close(b.release)
	reg := registry.New(b)
	g := New(reg, nil, WithBootWait(20*time.Millisecond))

	require.True(t, reg.Trigger("main"))
	require.Eventually(t, func() bool { return reg.Status("main", registry.NotFound) == registry.Initializing },
		time.Second, time.Millisecond)

	rec := do(g, "/api/ping")
	assert.Equal(t, CodeAppInitializing, decodeError(t, rec).Code)
}

func TestHealth_RequiresListener(t *testing.T) {
	g := New(registry.New(&countingBooter{release: make(chan struct{})}), nil)

	rec := do(g, "/api/__health_check")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	addr, err := g.Start(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	resp, err := http.Get("http://" + addr.String() + "/api/__health_check")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))
}

func TestStart_PortZeroAndRestart(t *testing.T) {
	g := New(registry.New(&countingBooter{release: make(chan struct{})}), nil)
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	a1, err := g.Start(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	assert.NotZero(t, a1.(*net.TCPAddr).Port)
	assert.True(t, g.Listening())

	a2, err := g.Start(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, a2.String(), g.Addr().String())

	require.NoError(t, g.Close(context.Background()))
	assert.False(t, g.Listening())
	assert.Nil(t, g.Addr())
}

func TestStatic_DefaultsToNotFound(t *testing.T) {
	g := New(registry.New(&countingBooter{release: make(chan struct{})}), nil)
	rec := do(g, "/index.html")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rec).Code)

	g = New(registry.New(&countingBooter{release: make(chan struct{})}), nil,
		WithStatic(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("static")) })))
	rec = do(g, "/index.html")
	assert.Equal(t, "static", rec.Body.String())
}

func TestSelector_SwapIsVisibleToLaterRequestsOnly(t *testing.T) {
	g := New(registry.New(&countingBooter{release: make(chan struct{})}), nil)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	g.SetSelector(func(context.Context, IncomingRequest) (string, error) {
		close(entered)
		<-proceed
		return "old", nil
	})

	var changed atomic.Int32
	unsub := g.OnSelectorChanged(func() { changed.Add(1) })
	defer unsub()

	got := make(chan string, 1)
	go func() { got <- g.ResolveApp(context.Background(), IncomingRequest{URL: "/api"}) }()
	<-entered

	g.SetSelector(func(context.Context, IncomingRequest) (string, error) { return "new", nil })
	assert.Equal(t, "new", g.ResolveApp(context.Background(), IncomingRequest{URL: "/api"}))

	close(proceed)
	assert.Equal(t, "old", <-got)
	assert.Equal(t, int32(1), changed.Load())
}

func TestSelector_FailureFallsBackToDefault(t *testing.T) {
	g := New(registry.New(&countingBooter{release: make(chan struct{})}), nil, WithDefaultApp("fallback"))
	g.SetSelector(func(context.Context, IncomingRequest) (string, error) { return "x", errors.New("bad") })
	assert.Equal(t, "fallback", g.ResolveApp(context.Background(), IncomingRequest{}))
	assert.Equal(t, []string{"app:fallback"}, g.ConnectionTags(context.Background(), IncomingRequest{}))

	g.Reset()
	assert.Equal(t, "t1", g.ResolveApp(context.Background(), IncomingRequest{URL: "/api?__appName=t1"}))
}

func TestUpgrade_OtherPathsAreClosed(t *testing.T) {
	g := New(registry.New(&countingBooter{release: make(chan struct{})}), nil)
	var hubHits atomic.Int32
	g.SetUpgradeHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hubHits.Add(1)
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))
	srv := httptest.NewServer(g)
	defer srv.Close()

	upgrade := func(path, proto string) (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", proto)
		return http.DefaultTransport.RoundTrip(req)
	}

	_, err := upgrade("/api/socket", "websocket")
	require.Error(t, err)
	assert.Equal(t, int32(0), hubHits.Load())

	resp, err := upgrade("/ws", "websocket")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), hubHits.Load())
}

func TestUpgrade_NonWebSocketProtocolsAreClosed(t *testing.T) {
	booter := &countingBooter{release: make(chan struct{})}
	close(booter.release)
	g := New(registry.New(booter), nil)
	var hubHits atomic.Int32
	g.SetUpgradeHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hubHits.Add(1)
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))
	srv := httptest.NewServer(g)
	defer srv.Close()

	for _, path := range []string{"/api/items", "/ws", "/"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		req.Header.Set("Connection", "Upgrade, HTTP2-Settings")
		req.Header.Set("Upgrade", "h2c")
		req.Header.Set("HTTP2-Settings", "AAMAAABkAARAAAAAAAIAAAAA")
		_, err := http.DefaultTransport.RoundTrip(req)
		assert.Error(t, err, path)
	}

	// an Upgrade header without a Connection token is still a switch attempt
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	_, err := http.DefaultTransport.RoundTrip(req)
	assert.Error(t, err)

	assert.Equal(t, int32(0), hubHits.Load())
	assert.Equal(t, int32(0), booter.calls.Load(), "no app was booted")
}

func TestErrorWithCode_UnknownCodeIsMaintaining(t *testing.T) {
	e := ErrorWithCode("CUSTOM", "acme")
	assert.Equal(t, http.StatusServiceUnavailable, e.Status)
	assert.True(t, e.Maintaining)
	assert.Equal(t, "CUSTOM", e.Code)

	e = ErrorWithCode(CodeAppNotFound, "acme")
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, "application acme not found", e.Message)
}
