package scrapbookd

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the gin engine with the process's HTTP listener lifecycle.
type Server struct {
	cfg     Config
	httpSrv *http.Server
}

// NewServer builds the gin engine (via NewRouter) and wraps it with timeouts
// derived from cfg.
func NewServer(cfg Config, env *Env) *Server {
	router := NewRouter(env)
	router.GET("/metrics", ginPromHandler())
	router.HEAD("/metrics", ginPromHandler())

	return &Server{
		cfg: cfg,
		httpSrv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: cfg.HTTPReadHeaderTimeout,
			ReadTimeout:       cfg.HTTPReadTimeout,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
			MaxHeaderBytes:    cfg.HTTPMaxHeaderBytes,
		},
	}
}

// ListenAndServe binds addr and serves until the listener is closed.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv.Addr = addr
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func ginPromHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

// requestLoggingMiddleware logs non-2xx responses always, and 2xx responses
// only when the logger is at debug level, mirroring a verbose-mode switch.
func requestLoggingMiddleware(env *Env) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if env.Logger == nil {
			return
		}

		status := c.Writer.Status()
		shouldLog := status < 200 || status >= 300 || env.Logger.Enabled(c.Request.Context(), -4) // slog.LevelDebug

		if !shouldLog {
			return
		}

		attrs := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if fwdHost := c.Request.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			attrs = append(attrs, "x_forwarded_host", fwdHost)
		}

		switch {
		case status >= 500:
			env.Logger.Error("http request", attrs...)
		case status >= 400:
			env.Logger.Warn("http request", attrs...)
		default:
			env.Logger.Info("http request", attrs...)
		}
	}
}

// trustedRequestBase derives the externally-visible scheme+host for a
// request, honoring X-Forwarded-Proto/Host only when the source IP matches a
// configured trusted prefix.
func trustedRequestBase(cfg Config, r *http.Request) string {
	sourceIPStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		sourceIPStr = r.RemoteAddr
	}
	sourceIP, err := netip.ParseAddr(sourceIPStr)
	if err != nil {
		sourceIP = netip.Addr{}
	}

	trusted := false
	for _, prefix := range cfg.HTTPTrustedSources {
		if prefix.Contains(sourceIP) {
			trusted = true
			break
		}
	}

	host := r.Host
	if trusted {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = firstNonEmptyTrimmed(strings.Split(fwd, ","))
		}
	}

	scheme := "http"
	if trusted {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = strings.ToLower(firstNonEmptyTrimmed(strings.Split(fwd, ",")))
		}
	}

	return scheme + "://" + host
}

func firstNonEmptyTrimmed(elems []string) string {
	for _, e := range elems {
		if t := strings.TrimSpace(e); t != "" {
			return t
		}
	}
	return ""
}
