package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	manifest "github.com/joeydtaylor/steeze-gateway/pkg/manifest"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
	"go.uber.org/zap"
)

type missingHandlerError struct{ app, handler string }

func (e *missingHandlerError) Error() string {
	return fmt.Sprintf("app %s: handler %q not registered", e.app, e.handler)
}

func (e *missingHandlerError) Code() string { return "APP_MISCONFIGURED" }

// Catalog boots the tenants declared in the manifest. It is the registry's
// application factory.
type Catalog struct {
	prefix string
	auth   *auth.Middleware
	log    *zap.Logger
	client *http.Client

	mu   sync.RWMutex
	apps map[string]manifest.App
}

func NewCatalog(cfg manifest.Config, a *auth.Middleware, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Catalog{
		prefix: cfg.Gateway.APIPrefix,
		auth:   a,
		log:    log,
		client: &http.Client{Timeout: 5 * time.Second},
	}
	c.SetApps(cfg.Apps)
	return c
}

// SetApps replaces the declared apps. Running instances are untouched; the
// change applies to the next boot.
func (c *Catalog) SetApps(apps []manifest.App) {
	m := make(map[string]manifest.App, len(apps))
	for _, a := range apps {
		m[a.Name] = a
	}
	c.mu.Lock()
	c.apps = m
	c.mu.Unlock()
}

func (c *Catalog) lookup(key string) (manifest.App, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.apps[key]
	return a, ok
}

func (c *Catalog) Boot(ctx context.Context, key string, progress registry.Progress) (registry.Instance, error) {
	app, ok := c.lookup(key)
	if !ok {
		return nil, registry.ErrAppNotFound
	}
	if app.Disabled {
		return nil, &registry.BootError{Code: "APP_DISABLED", Message: "application " + key + " is disabled"}
	}
	if app.BootTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(app.BootTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	switch app.Type {
	case manifest.AppInproc:
		progress("mounting routes")
		h, err := buildInproc(app, c.prefix, c.auth)
		if err != nil {
			return nil, err
		}
		return &appInstance{Handler: h}, nil

	case manifest.AppProxy:
		return c.bootProxy(ctx, app, progress)

	case manifest.AppStatic:
		progress("opening " + app.Dir)
		st, err := os.Stat(app.Dir)
		if err != nil {
			return nil, fmt.Errorf("static dir: %w", err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("static dir %s is not a directory", app.Dir)
		}
		return &appInstance{Handler: http.StripPrefix(c.prefix, http.FileServer(http.Dir(app.Dir)))}, nil
	}
	return nil, fmt.Errorf("unknown app type %q", app.Type)
}

func (c *Catalog) bootProxy(ctx context.Context, app manifest.App, progress registry.Progress) (registry.Instance, error) {
	target, err := url.Parse(app.Upstream)
	if err != nil {
		return nil, err
	}
	if hu := app.HealthURL(); hu != "" {
		progress("waiting for upstream " + target.Host)
		if err := c.probe(ctx, hu, progress); err != nil {
			return nil, &registry.BootError{Code: "APP_UPSTREAM_UNAVAILABLE", Message: err.Error(), Err: err}
		}
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = tr
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		c.log.Warn("upstream request failed", zap.String("app", app.Name), zap.String("uri", r.URL.Path), zap.Error(err))
		writeFailure(w, http.StatusBadGateway, "UPSTREAM_ERROR", "upstream for "+app.Name+" failed")
	}
	return &appInstance{Handler: rp, close: tr.CloseIdleConnections}, nil
}

// probe polls the health URL with exponential backoff until it answers 2xx
// or ctx ends.
func (c *Catalog) probe(ctx context.Context, healthURL string, progress registry.Progress) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := c.client.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode/100 != 2 {
			return fmt.Errorf("health status %d", res.StatusCode)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		progress(fmt.Sprintf("upstream not ready (attempt %d): %v", attempt, err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

type appInstance struct {
	http.Handler
	close func()
}

func (a *appInstance) Close(context.Context) error {
	if a.close != nil {
		a.close()
	}
	return nil
}
