package logger

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	chimd "github.com/go-chi/chi/v5/middleware"
	"github.com/joeydtaylor/steeze-gateway/pkg/middleware/auth"
	"github.com/joeydtaylor/steeze-gateway/pkg/transport/httpx"
	"go.uber.org/zap"
)

// Middleware writes one access log line per request, including the tenant
// the gateway resolved.
type Middleware struct {
	access    *zap.Logger
	bodyPaths []string
}

func NewMiddleware(access Access, bodyPaths ...string) *Middleware {
	l := access.Logger
	if l == nil {
		l = zap.NewNop()
	}
	var paths []string
	for _, p := range bodyPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return &Middleware{access: l, bodyPaths: paths}
}

func (m *Middleware) Middleware(ca *auth.Middleware) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = httpx.WithTenantSlot(r)
			ww := chimd.NewWrapResponseWriter(w, r.ProtoMajor)

			// only buffer what may be logged; restore it for downstream
			var body []byte
			if len(m.bodyPaths) > 0 && r.Body != nil && r.ContentLength <= maxLoggedBody {
				if b, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1)); err == nil {
					body = b
				}
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
			}

			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}

			start := time.Now()
			defer func() {
				var u auth.User
				isAuth := false
				if ca != nil {
					isAuth = ca.IsAuthenticated(r.Context())
					u = ca.GetUser(r.Context())
				}

				fields := []zap.Field{
					zap.String("requestId", chimd.GetReqID(r.Context())),
					zap.String("app", httpx.Tenant(r.Context())),
					zap.String("httpScheme", scheme),
					zap.Bool("isAuthenticated", isAuth),
					zap.String("username", u.Username),
					zap.String("role", u.Role),
					zap.String("authenticationProvider", u.Provider),
					zap.String("httpProto", r.Proto),
					zap.String("httpMethod", r.Method),
					zap.String("remoteAddr", r.RemoteAddr),
					zap.String("uri", r.URL.Path),
					zap.Duration("lat", time.Since(start)),
					zap.Int("responseSize", ww.BytesWritten()),
					zap.Int("status", statusOf(ww)),
				}
				if m.shouldLogBody(r, body) {
					fields = append(fields, zap.ByteString("requestData", body))
				}
				m.access.Info("http request", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func statusOf(ww chimd.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
