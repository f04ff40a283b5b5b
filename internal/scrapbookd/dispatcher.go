package scrapbookd

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Env bundles every collaborator an action handler needs, built once per
// process and shared read-only across requests.
type Env struct {
	Config       Config
	Resolver     *Resolver
	Locks        *LockRegistry
	Tokens       *TokenStore
	Perms        *PermissionGate
	Metrics      *Metrics
	ZipReader    *ZipReader
	ArchiveCache *ArchiveHandleCache
	EntryCache   *EntryContentCache
	Listing      *ListingFormatter
	Logger       *slog.Logger
}

// reqContext is the per-request immutable context threaded through a
// handler's pre-contract middleware and body.
type reqContext struct {
	urlPath    string
	verb       string
	format     string
	permission Permission
	query      url.Values
	target     Target
}

// handlerFunc is the shape every action handler and middleware decorator
// conforms to.
type handlerFunc func(env *Env, c *gin.Context, rc *reqContext) error

// verbTable is the static mapping from verb string to handler, built once at
// package init. Unknown verbs fall through to unknownHandler.
var verbTable = map[string]handlerFunc{
	"view":   viewHandler,
	"source": sourceHandler,
	"list":   listHandler,
	"static": staticHandler,
	"edit":   editHandler,
	"editx":  editxHandler,
	"exec":   execHandler,
	"browse": browseHandler,
	"config": configHandler,
	"token":  tokenHandler,
	"lock":   advanced(lockHandler),
	"unlock": advanced(unlockHandler),
	"mkdir":  advanced(writing(mkdirHandler)),
	"save":   advanced(writing(saveHandler)),
	"delete": advanced(writing(deleteHandler)),
	"move":   advanced(writing(renaming(moveHandler))),
	"copy":   advanced(writing(renaming(copyHandler))),
}

// NewRouter builds the gin engine that serves every virtual-filesystem
// request through a single catch-all route, per the static verb mapping.
func NewRouter(env *Env) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLoggingMiddleware(env))

	r.NoRoute(func(c *gin.Context) { dispatch(env, c) })
	return r
}

func dispatch(env *Env, c *gin.Context) {
	start := time.Now()
	rc := buildContext(env, c)
	defer func() {
		if env.Metrics != nil {
			env.Metrics.ObserveRequest(rc.verb, time.Since(start))
		}
	}()

	rc.permission = evaluatePermission(env, c)
	if !rc.permission.Allows(rc.verb) {
		if env.Metrics != nil {
			env.Metrics.IncPermissionDenied(rc.verb)
		}
		challengeAndDeny(c, env, rc)
		return
	}

	handler, ok := verbTable[rc.verb]
	if !ok {
		writeError(c, rc, errBadRequest("Action not supported"))
		return
	}

	if err := handler(env, c, rc); err != nil {
		writeError(c, rc, err)
	}
}

// buildContext parses the verb/format/query parameters, applying the short
// and long aliases (a/action, f/format), and resolves the request path.
func buildContext(env *Env, c *gin.Context) *reqContext {
	q := c.Request.URL.Query()

	verb := firstNonEmpty(q.Get("a"), q.Get("action"))
	if verb == "" {
		verb = "view"
	}
	format := firstNonEmpty(q.Get("f"), q.Get("format"))

	urlPath := strings.TrimPrefix(c.Request.URL.Path, env.Config.AppBase)

	rc := &reqContext{
		urlPath: urlPath,
		verb:    verb,
		format:  format,
		query:   q,
	}
	if env.Resolver != nil {
		rc.target = env.Resolver.Resolve(urlPath)
	}
	return rc
}

func firstNonEmpty(a, b string) string {
	if b != "" {
		return b
	}
	return a
}

// evaluatePermission runs the Permission Gate over Basic-auth credentials,
// if any were presented.
func evaluatePermission(env *Env, c *gin.Context) Permission {
	if env.Perms == nil {
		return PermissionAll
	}
	user, pass, _ := c.Request.BasicAuth()
	return env.Perms.Evaluate(user, pass)
}

func challengeAndDeny(c *gin.Context, env *Env, rc *reqContext) {
	c.Header("WWW-Authenticate", `Basic realm="Authentication required."`)
	writeError(c, rc, errUnauthenticated("Authentication required."))
}

// advanced enforces POST + a valid, unconsumed token, consuming the token
// before the wrapped handler runs.
func advanced(next handlerFunc) handlerFunc {
	return func(env *Env, c *gin.Context, rc *reqContext) error {
		if c.Request.Method != http.MethodPost {
			c.Header("Allow", http.MethodPost)
			return newError(http.StatusMethodNotAllowed, "Method not allowed")
		}
		token := rc.query.Get("token")
		if token == "" || env.Tokens == nil || !env.Tokens.Validate(token) {
			return errBadRequest("Missing or invalid token")
		}
		env.Tokens.Consume(token)
		return next(env, c, rc)
	}
}

// writing refuses to operate on the virtual-namespace root.
func writing(next handlerFunc) handlerFunc {
	return func(env *Env, c *gin.Context, rc *reqContext) error {
		if rc.target.Kind == TargetPhysical && cleanEqual(rc.target.Physical, env.Config.PhysicalRoot()) {
			return errForbidden("Cannot modify the namespace root")
		}
		return next(env, c, rc)
	}
}

// renaming validates the `target` query parameter for move/copy.
func renaming(next handlerFunc) handlerFunc {
	return func(env *Env, c *gin.Context, rc *reqContext) error {
		target := rc.query.Get("target")
		if target == "" {
			return errBadRequest("Missing target parameter")
		}

		destTarget := env.Resolver.Resolve(target)
		if destTarget.Kind != TargetPhysical {
			return errForbidden("Target must be a physical path")
		}
		if rc.target.Kind != TargetPhysical {
			return errForbidden("Source must be a physical path")
		}
		if _, err := statPath(destTarget.Physical); err == nil {
			return errBadRequest("Target already exists")
		}

		c.Set("destPhysical", destTarget.Physical)
		return next(env, c, rc)
	}
}

// isLocalPeer reports whether the request originates from the same host the
// server runs on, or from a loopback address, per the exec/browse
// local-access restriction.
func isLocalPeer(c *gin.Context) bool {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return true
	}

	localHost, _, err := net.SplitHostPort(c.Request.Host)
	if err != nil {
		localHost = c.Request.Host
	}
	return host == localHost
}

func cleanEqual(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

func queryBool(q url.Values, key string) bool {
	v := strings.ToLower(q.Get(key))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func queryIntDefault(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
