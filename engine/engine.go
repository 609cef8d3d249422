package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	set "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/slugid-go/slugid"
	"github.com/taskcluster/wsbridge/handler"
)

// Token identifies one registered UpgradeConfig.
type Token string

// UpgradeConfig describes how connections to one path are set up.
type UpgradeConfig struct {
	Path string
	Kind handler.Kind

	// BoundID is the handler registration serving this path. Connection
	// proxies resolve the handler instance from it when the connection opens.
	BoundID handler.ID

	Subprotocols []string

	// UserProperties are copied into each connection's EndpointConfig.
	UserProperties map[string]any
}

// Status is the outcome of a negotiation.
type Status int

const (
	StatusFailed Status = iota
	StatusNotApplicable
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusNotApplicable:
		return "not-applicable"
	case StatusSuccess:
		return "success"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is returned by Negotiate.
type Result struct {
	Status Status

	// Code is the HTTP status to answer with: 101 on success, an error
	// status on failure, 0 when not applicable.
	Code int

	// Header holds the response headers chosen by the engine. On failure
	// and not-applicable outcomes only tracing headers are set.
	Header http.Header

	// Config, Subprotocol and PathParams are set on success.
	Config      *UpgradeConfig
	Subprotocol string
	PathParams  map[string]string

	// Err wraps ErrHandshakeFailed on failure.
	Err error
}

// Config contains the run time parameters of an Engine.
type Config struct {
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// or containing "*" allows any origin. Requests without an Origin header
	// are always allowed.
	AllowedOrigins []string

	Tracing TracingMode

	// Logger is used to log negotiation events. Defaults to a null logger.
	Logger *logrus.Logger
}

type registration struct {
	token    Token
	config   UpgradeConfig
	template *pathTemplate
	// seq orders registrations with equal specificity
	seq uint64
}

// Engine holds the registered upgrade configurations. It is safe for
// concurrent use.
type Engine struct {
	mu        sync.RWMutex
	byToken   map[Token]*registration
	byKey     map[string]*registration
	exact     map[string]*registration
	templates []*registration
	seq       uint64

	// allowedOrigins holds lower-cased origins; nil allows any
	allowedOrigins set.Set
	tracing        TracingMode
	logger         *logrus.Logger
}

// New creates an Engine without any registered configuration.
func New(conf Config) *Engine {
	e := &Engine{
		byToken: make(map[Token]*registration),
		byKey:   make(map[string]*registration),
		exact:   make(map[string]*registration),
		tracing: conf.Tracing,
		logger:  conf.Logger,
	}
	if e.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		e.logger = logger
	}
	if len(conf.AllowedOrigins) > 0 {
		e.allowedOrigins = set.NewSet()
		for _, o := range conf.AllowedOrigins {
			if o == "*" {
				e.allowedOrigins = nil
				break
			}
			e.allowedOrigins.Add(strings.ToLower(o))
		}
	}
	return e
}

// RegisterUpgradeConfig makes cfg.Path reachable. The returned token is
// needed to unregister it.
func (e *Engine) RegisterUpgradeConfig(cfg UpgradeConfig) (Token, error) {
	tmpl, err := parseTemplate(cfg.Path)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := tmpl.key()
	if existing, ok := e.byKey[key]; ok {
		return "", fmt.Errorf("%w: %s conflicts with %s", ErrPathInUse, cfg.Path, existing.config.Path)
	}

	e.seq++
	reg := &registration{
		token:    Token(slugid.Nice()),
		config:   cfg,
		template: tmpl,
		seq:      e.seq,
	}
	e.byToken[reg.token] = reg
	e.byKey[key] = reg
	if tmpl.isLiteral() {
		e.exact[cfg.Path] = reg
	} else {
		e.templates = append(e.templates, reg)
		sortTemplates(e.templates)
	}

	e.logger.WithFields(logrus.Fields{
		"path":       cfg.Path,
		"handler-id": cfg.BoundID,
		"token":      reg.token,
	}).Debug("registered upgrade configuration")
	return reg.token, nil
}

// UnregisterUpgradeConfig removes the configuration registered under token.
// Connections already established are not affected.
func (e *Engine) UnregisterUpgradeConfig(token Token) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.byToken[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	delete(e.byToken, token)
	delete(e.byKey, reg.template.key())
	if reg.template.isLiteral() {
		delete(e.exact, reg.config.Path)
	} else {
		for i, r := range e.templates {
			if r == reg {
				e.templates = append(e.templates[:i], e.templates[i+1:]...)
				break
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"path":  reg.config.Path,
		"token": token,
	}).Debug("unregistered upgrade configuration")
	return nil
}

// Configs returns a snapshot of the registered configurations, sorted by
// path.
func (e *Engine) Configs() []UpgradeConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rv := make([]UpgradeConfig, 0, len(e.byToken))
	for _, reg := range e.byToken {
		rv = append(rv, reg.config)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Path < rv[j].Path })
	return rv
}

// sortTemplates puts templates with more literal segments first, then
// earlier registrations first.
func sortTemplates(regs []*registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].template.literals != regs[j].template.literals {
			return regs[i].template.literals > regs[j].template.literals
		}
		return regs[i].seq < regs[j].seq
	})
}

func (e *Engine) lookup(path string) (*registration, map[string]string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if reg, ok := e.exact[path]; ok {
		return reg, nil
	}
	for _, reg := range e.templates {
		if params, ok := reg.template.match(path); ok {
			return reg, params
		}
	}
	return nil, nil
}

// Negotiate validates the handshake carried by req and selects the
// configuration it is addressed to.
func (e *Engine) Negotiate(ctx context.Context, req *RequestContext) Result {
	tr := newTracer(e.tracing, req)
	path := req.Path()
	tr.tracef("negotiating %s %s", req.Method, path)

	if !req.hasToken("Upgrade", "websocket") {
		tr.tracef("upgrade header %q does not request websocket", req.Get("Upgrade"))
		return e.notApplicable(tr)
	}
	if req.Method != http.MethodGet {
		tr.tracef("method %s not allowed", req.Method)
		return e.failed(tr, http.StatusMethodNotAllowed, "method %s not allowed", req.Method)
	}
	if !req.hasToken("Connection", "upgrade") {
		tr.tracef("connection header does not contain upgrade")
		return e.failed(tr, http.StatusBadRequest, "missing connection upgrade")
	}
	if v := req.Get("Sec-WebSocket-Version"); v != "13" {
		tr.tracef("unsupported version %q", v)
		res := e.failed(tr, http.StatusUpgradeRequired, "unsupported version %q", v)
		res.Header.Set("Sec-WebSocket-Version", "13")
		return res
	}
	if !validKey(req.Get("Sec-WebSocket-Key")) {
		tr.tracef("malformed key")
		return e.failed(tr, http.StatusBadRequest, "malformed Sec-WebSocket-Key")
	}

	reg, params := e.lookup(path)
	if reg == nil {
		tr.tracef("no endpoint registered for %s", path)
		return e.failed(tr, http.StatusNotFound, "no endpoint for %s", path)
	}
	tr.tracef("matched %s", reg.config.Path)

	if origin := req.Get("Origin"); origin != "" && !e.originAllowed(origin) {
		tr.tracef("origin %s rejected", origin)
		return e.failed(tr, http.StatusForbidden, "origin %s not allowed", origin)
	}

	if err := ctx.Err(); err != nil {
		tr.tracef("negotiation abandoned: %v", err)
		return e.failed(tr, http.StatusServiceUnavailable, "negotiation abandoned: %v", err)
	}

	cfg := reg.config
	res := Result{
		Status:     StatusSuccess,
		Code:       http.StatusSwitchingProtocols,
		Header:     make(http.Header),
		Config:     &cfg,
		PathParams: params,
	}
	if sp := selectSubprotocol(req.Values("Sec-WebSocket-Protocol"), cfg.Subprotocols); sp != "" {
		tr.tracef("selected subprotocol %s", sp)
		res.Subprotocol = sp
		res.Header.Set("Sec-WebSocket-Protocol", sp)
	}
	tr.tracef("handshake accepted for handler %d", cfg.BoundID)
	tr.writeTo(res.Header)

	e.logger.WithFields(logrus.Fields{
		"path":       path,
		"handler-id": cfg.BoundID,
	}).Debug("handshake negotiated")
	return res
}

func (e *Engine) notApplicable(tr *tracer) Result {
	res := Result{Status: StatusNotApplicable, Header: make(http.Header)}
	tr.writeTo(res.Header)
	return res
}

func (e *Engine) failed(tr *tracer, code int, format string, a ...any) Result {
	res := Result{
		Status: StatusFailed,
		Code:   code,
		Header: make(http.Header),
		Err:    fmt.Errorf("%w: %s", ErrHandshakeFailed, fmt.Sprintf(format, a...)),
	}
	tr.writeTo(res.Header)
	return res
}

func (e *Engine) originAllowed(origin string) bool {
	if e.allowedOrigins == nil {
		return true
	}
	return e.allowedOrigins.Contains(strings.ToLower(origin))
}

// selectSubprotocol returns the first protocol offered by the client that
// the server supports.
func selectSubprotocol(offered, supported []string) string {
	for _, o := range offered {
		for _, s := range supported {
			if o == s {
				return s
			}
		}
	}
	return ""
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}
