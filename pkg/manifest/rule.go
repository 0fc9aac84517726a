package manifest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/joeydtaylor/steeze-gateway/pkg/gateway"
)

// Rule maps matching requests to App. Every non-empty matcher must match;
// rules are tried in declaration order.
type Rule struct {
	App        string `toml:"app"`
	Host       string `toml:"host"`        // exact, or "*.example.com"
	Header     string `toml:"header"`      // header name; with Value, must equal it
	Value      string `toml:"value"`       // when empty with Header set, the header value is the app
	PathPrefix string `toml:"path_prefix"` // matched against the request path
}

// ValidateRules checks every rule names its target and at least one matcher.
func ValidateRules(rules []Rule) error {
	for i, r := range rules {
		if strings.TrimSpace(r.Header) == "" && r.Value != "" {
			return fmt.Errorf("rule %d: value without header", i)
		}
		if r.Host == "" && r.Header == "" && r.PathPrefix == "" {
			return fmt.Errorf("rule %d: needs host, header or path_prefix", i)
		}
		if r.App == "" && (r.Header == "" || r.Value != "") {
			return fmt.Errorf("rule %d: app is required", i)
		}
	}
	return nil
}

var errNoRuleMatched = errors.New("manifest: no rule matched")

// RuleSelector builds a selector from rules. Requests no rule claims fall
// through to next (the default selector when nil).
func RuleSelector(rules []Rule, next gateway.Selector) gateway.Selector {
	if next == nil {
		next = gateway.DefaultSelector
	}
	rs := append([]Rule(nil), rules...)
	ruleSel := func(_ context.Context, req gateway.IncomingRequest) (string, error) {
		u, err := url.Parse(req.URL)
		if err != nil {
			return "", err
		}
		for _, r := range rs {
			if app, ok := r.match(u, req); ok {
				return app, nil
			}
		}
		return "", errNoRuleMatched
	}
	return func(ctx context.Context, req gateway.IncomingRequest) (string, error) {
		if key, err := ruleSel(ctx, req); err == nil && key != "" {
			return key, nil
		}
		return next(ctx, req)
	}
}

func (r Rule) match(u *url.URL, req gateway.IncomingRequest) (string, bool) {
	if r.PathPrefix != "" && !strings.HasPrefix(u.Path, r.PathPrefix) {
		return "", false
	}
	if r.Host != "" && !hostMatches(r.Host, requestHost(u, req)) {
		return "", false
	}
	app := r.App
	if r.Header != "" {
		v := strings.TrimSpace(req.Headers.Get(r.Header))
		switch {
		case v == "":
			return "", false
		case r.Value == "":
			app = v
		case !strings.EqualFold(v, r.Value):
			return "", false
		}
	}
	return app, app != ""
}

func requestHost(u *url.URL, req gateway.IncomingRequest) string {
	h := u.Host
	if req.Host != "" {
		h = req.Host
	}
	if req.Headers != nil {
		if fh := req.Headers.Get("X-Forwarded-Host"); fh != "" {
			h = fh
		} else if h == "" {
			h = req.Headers.Get("Host")
		}
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	return strings.ToLower(h)
}

func hostMatches(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return host == pattern
}
