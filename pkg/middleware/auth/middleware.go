package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Config mirrors the [auth] manifest table.
type Config struct {
	AssertionCookie string
	AssertionHeader string
	PublicKeyFile   string
	Issuer          string
	Audience        string
	Leeway          time.Duration
	AdminRole       string
	DevBypass       bool
}

type Middleware struct {
	cfg Config
	key *rsa.PublicKey
	log *zap.Logger
}

// New builds the identity middleware. A configured but unreadable key file is
// an error; no key file means assertions are ignored.
func New(cfg Config, log *zap.Logger) (*Middleware, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AssertionCookie == "" {
		cfg.AssertionCookie = "assert"
	}
	if cfg.AssertionHeader == "" {
		cfg.AssertionHeader = "X-Assertion"
	}
	m := &Middleware{cfg: cfg, log: log}
	if cfg.PublicKeyFile != "" {
		key, err := LoadPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		m.key = key
	}
	if cfg.DevBypass {
		log.Warn("auth dev bypass enabled; X-Dev-* headers are trusted")
	}
	return m, nil
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("auth: parse key %s: %w", path, err)
	}
	return key, nil
}

// Middleware attaches the caller identity when one can be established and
// otherwise lets the request through anonymously.
func (m *Middleware) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u, ok := m.identify(r); ok {
				r = r.WithContext(withUser(r.Context(), u))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) identify(r *http.Request) (User, bool) {
	// Dev bypass for local testing (NEVER enable in prod)
	if m.cfg.DevBypass {
		if u := devUserFromHeaders(r); u.Username != "" {
			return u, true
		}
	}
	if m.key == nil {
		return User{}, false
	}
	raw := strings.TrimSpace(r.Header.Get(m.cfg.AssertionHeader))
	if raw == "" {
		if c, _ := r.Cookie(m.cfg.AssertionCookie); c != nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return User{}, false
	}
	u, err := m.validateAssertion(raw)
	if err != nil {
		m.log.Debug("assertion rejected", zap.Error(err))
		return User{}, false
	}
	return u, true
}
