package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/endpoint"
	"github.com/taskcluster/wsbridge/handler"
	"github.com/taskcluster/wsbridge/internal/httputil"
	"github.com/taskcluster/wsbridge/servicereg"
)

// Bindings is the read side of the endpoint registry.
type Bindings interface {
	Bindings() []*endpoint.Binding
	Binding(id handler.ID) (*endpoint.Binding, bool)
}

// Services is the service registry as seen by operators.
type Services interface {
	Services() []servicereg.Info
	Unregister(id handler.ID) bool
}

// Sessions ends HTTP sessions, closing the connection opened from them.
type Sessions interface {
	Invalidate(id string) bool
}

// Connections reports the live connection count and the sessions holding
// one.
type Connections interface {
	Connections() int
	SessionIDs() []string
}

// Config contains the collaborators and secrets of an API.
type Config struct {
	Bindings    Bindings
	Services    Services
	Sessions    Sessions
	Connections Connections

	// SecretA and SecretB verify bearer tokens. Both are required so
	// that one can be rotated while the other is in use.
	SecretA []byte
	SecretB []byte
	// Audience, when set, must appear in the token's aud claim.
	Audience string

	Logger *logrus.Logger
}

// API serves the admin routes. It implements httputil.ServiceProvider.
type API struct {
	bindings    Bindings
	services    Services
	sessions    Sessions
	connections Connections
	secretA     []byte
	secretB     []byte
	audience    string
	logger      *logrus.Logger
	now         func() time.Time
}

// New creates an API. It panics if a collaborator or either secret is
// missing.
func New(conf Config) *API {
	if conf.Bindings == nil || conf.Services == nil || conf.Sessions == nil || conf.Connections == nil {
		panic("adminapi: missing collaborator")
	}
	if len(conf.SecretA) == 0 || len(conf.SecretB) == 0 {
		panic("adminapi: missing secrets")
	}
	a := &API{
		bindings:    conf.Bindings,
		services:    conf.Services,
		sessions:    conf.Sessions,
		connections: conf.Connections,
		secretA:     conf.SecretA,
		secretB:     conf.SecretB,
		audience:    conf.Audience,
		logger:      conf.Logger,
		now:         time.Now,
	}
	if a.logger == nil {
		a.logger, _ = nullLog.NewNullLogger()
	}
	return a
}

func (a *API) logf(r *http.Request, format string, v ...any) {
	a.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
	}).Infof(format, v...)
}

func (a *API) logerrorf(r *http.Request, err error, format string, v ...any) {
	a.logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
		"error":       err.Error(),
	}).Errorf(format, v...)
}

// RegisterService adds the admin routes to r.
func (a *API) RegisterService(r *mux.Router) {
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.authenticate)
	v1.HandleFunc("/bindings", a.listBindings).Methods(http.MethodGet)
	v1.HandleFunc("/bindings/{id}", a.getBinding).Methods(http.MethodGet)
	v1.HandleFunc("/services", a.listServices).Methods(http.MethodGet)
	v1.HandleFunc("/services/{id}", a.unregisterService).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions", a.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/expire", a.expireSession).Methods(http.MethodPost)
}

type BindingResponse struct {
	ID           int64    `json:"id"`
	Path         string   `json:"path"`
	Kind         string   `json:"kind"`
	Subprotocols []string `json:"subprotocols"`
	Capabilities []string `json:"capabilities"`
}

type ServiceResponse struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Scope string `json:"scope"`
	Refs  int    `json:"refs"`
}

type SessionsResponse struct {
	Connections int      `json:"connections"`
	Sessions    []string `json:"sessions"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Bindings int    `json:"bindings"`
}

func bindingResponse(b *endpoint.Binding) BindingResponse {
	subprotocols := b.Subprotocols
	if subprotocols == nil {
		subprotocols = []string{}
	}
	return BindingResponse{
		ID:           int64(b.ID),
		Path:         b.Path,
		Kind:         b.Kind.String(),
		Subprotocols: subprotocols,
		Capabilities: b.Capabilities(),
	}
}

func handlerID(r *http.Request) (handler.ID, error) {
	vars, err := httputil.Vars(r)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, httputil.Errorf(http.StatusBadRequest, "invalid handler id %q", vars["id"])
	}
	return handler.ID(id), nil
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, HealthResponse{Status: "ok", Bindings: len(a.bindings.Bindings())}, nil)
}

func (a *API) listBindings(w http.ResponseWriter, r *http.Request) {
	bindings := a.bindings.Bindings()
	resp := make([]BindingResponse, 0, len(bindings))
	for _, b := range bindings {
		resp = append(resp, bindingResponse(b))
	}
	httputil.JSON(w, resp, nil)
}

func (a *API) getBinding(w http.ResponseWriter, r *http.Request) {
	id, err := handlerID(r)
	if err != nil {
		httputil.ReportError(w, err)
		return
	}
	b, ok := a.bindings.Binding(id)
	if !ok {
		httputil.ReportError(w, httputil.Errorf(http.StatusNotFound, "no binding for handler %d", id))
		return
	}
	httputil.JSON(w, bindingResponse(b), nil)
}

func (a *API) listServices(w http.ResponseWriter, r *http.Request) {
	infos := a.services.Services()
	resp := make([]ServiceResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, ServiceResponse{
			ID:    int64(info.ID),
			Name:  info.Props.Name,
			Path:  info.Props.Path,
			Kind:  info.Props.Kind.String(),
			Scope: info.Scope.String(),
			Refs:  info.Refs,
		})
	}
	httputil.JSON(w, resp, nil)
}

func (a *API) unregisterService(w http.ResponseWriter, r *http.Request) {
	id, err := handlerID(r)
	if err != nil {
		httputil.ReportError(w, err)
		return
	}
	if !a.services.Unregister(id) {
		httputil.ReportError(w, httputil.Errorf(http.StatusNotFound, "no service %d", id))
		return
	}
	a.logf(r, "unregistered service %d", id)
	httputil.NoBody(w, nil)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.connections.SessionIDs()
	if sessions == nil {
		sessions = []string{}
	}
	httputil.JSON(w, SessionsResponse{
		Connections: a.connections.Connections(),
		Sessions:    sessions,
	}, nil)
}

func (a *API) expireSession(w http.ResponseWriter, r *http.Request) {
	vars, err := httputil.Vars(r)
	if err != nil {
		httputil.ReportError(w, err)
		return
	}
	id := vars["id"]
	if !a.sessions.Invalidate(id) {
		httputil.ReportError(w, httputil.Errorf(http.StatusNotFound, "no session %q", id))
		return
	}
	a.logf(r, "expired session %s", id)
	httputil.NoBody(w, nil)
}
