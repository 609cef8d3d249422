package endpoint

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/handler"
)

// ConfigRegistrar is the part of the protocol engine the registry drives.
type ConfigRegistrar interface {
	RegisterUpgradeConfig(cfg engine.UpgradeConfig) (engine.Token, error)
	UnregisterUpgradeConfig(token engine.Token) error
}

// Services hands out live handler instances by registration id.
type Services interface {
	Acquire(id handler.ID) (handler.Reference, error)
	Release(ref handler.Reference)
}

// Config contains the collaborators of a Registry.
type Config struct {
	Engine   ConfigRegistrar
	Services Services

	// Analyzer caches dispatch tables of annotated handlers. A private one
	// is created if nil.
	Analyzer *handler.Analyzer

	Logger *logrus.Logger
}

// Acquisition is a resolved handler instance, ready to be dispatched to. It
// must be handed back to Registry.Release exactly once; further releases are
// ignored.
type Acquisition struct {
	Binding  *Binding
	Endpoint handler.Endpoint

	ref      handler.Reference
	released int32
}

// Instance returns the acquired handler instance.
func (a *Acquisition) Instance() any {
	return a.ref.Instance()
}

// Registry maps handler registrations to bindings. It is safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[handler.ID]*Binding
	byPath map[string]*Binding
	closed bool

	engine   ConfigRegistrar
	services Services
	analyzer *handler.Analyzer
	logger   *logrus.Logger
}

var rawHandlerType = reflect.TypeOf((*handler.RawHandler)(nil)).Elem()

// New creates an empty Registry.
func New(conf Config) *Registry {
	if conf.Engine == nil {
		panic("endpoint registry requires an engine")
	}
	if conf.Services == nil {
		panic("endpoint registry requires a service registry")
	}
	r := &Registry{
		byID:     make(map[handler.ID]*Binding),
		byPath:   make(map[string]*Binding),
		engine:   conf.Engine,
		services: conf.Services,
		analyzer: conf.Analyzer,
		logger:   conf.Logger,
	}
	if r.analyzer == nil {
		r.analyzer = handler.NewAnalyzer()
	}
	if r.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		r.logger = logger
	}
	return r
}

func (r *Registry) logf(id handler.ID, path string, format string, a ...any) {
	r.logger.WithFields(logrus.Fields{
		"handler-id": id,
		"path":       path,
	}).Infof(format, a...)
}

func (r *Registry) logerrorf(id handler.ID, path string, err error, format string, a ...any) {
	r.logger.WithFields(logrus.Fields{
		"handler-id": id,
		"path":       path,
		"error":      err.Error(),
	}).Errorf(format, a...)
}

// OnHandlerAdded binds a new or changed registration. A registration whose
// path is taken by another one is rejected with ErrDuplicatePath and the
// existing binding stays in place. Re-adding a known id replaces its binding.
func (r *Registry) OnHandlerAdded(id handler.ID, meta handler.Metadata) error {
	b, err := r.newBinding(id, meta)
	if err != nil {
		r.logerrorf(id, meta.Path, err, "rejecting handler")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if other, ok := r.byPath[meta.Path]; ok && other.ID != id {
		err := fmt.Errorf("%w: %s is bound to handler %d", ErrDuplicatePath, meta.Path, other.ID)
		r.logerrorf(id, meta.Path, err, "rejecting handler")
		return err
	}

	old, replacing := r.byID[id]
	if replacing {
		r.unbindLocked(old)
	}

	token, err := r.engine.RegisterUpgradeConfig(b.upgradeConfig())
	if err != nil {
		if errors.Is(err, engine.ErrPathInUse) {
			err = fmt.Errorf("%w: %v", ErrDuplicatePath, err)
		}
		r.logerrorf(id, meta.Path, err, "could not register upgrade configuration")
		return err
	}
	b.ConfigToken = token
	r.byID[id] = b
	r.byPath[b.Path] = b

	if replacing {
		r.logf(id, b.Path, "rebound handler (was %s)", old.Path)
	} else {
		r.logf(id, b.Path, "bound %s handler", b.Kind)
	}
	return nil
}

// OnHandlerRemoved drops the binding of id. Unknown ids are ignored.
// Connections already open on the binding are left running.
func (r *Registry) OnHandlerRemoved(id handler.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byID[id]
	if !ok {
		return
	}
	r.unbindLocked(b)
	r.logf(id, b.Path, "unbound handler")
}

// unbindLocked removes b and its upgrade configuration. Caller holds r.mu.
func (r *Registry) unbindLocked(b *Binding) {
	delete(r.byID, b.ID)
	if r.byPath[b.Path] == b {
		delete(r.byPath, b.Path)
	}
	if err := r.engine.UnregisterUpgradeConfig(b.ConfigToken); err != nil {
		r.logerrorf(b.ID, b.Path, err, "could not unregister upgrade configuration")
	}
}

func (r *Registry) newBinding(id handler.ID, meta handler.Metadata) (*Binding, error) {
	if meta.Path == "" {
		return nil, fmt.Errorf("%w: handler %d has no path", ErrInvalidHandler, id)
	}
	b := &Binding{
		ID:           id,
		Path:         meta.Path,
		Kind:         meta.Kind,
		Subprotocols: append([]string(nil), meta.Subprotocols...),
	}
	switch meta.Kind {
	case handler.KindAnnotated:
		table, err := r.analyzer.Analyze(meta.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHandler, err)
		}
		b.table = table
	case handler.KindRaw:
		if meta.Type != nil && !meta.Type.Implements(rawHandlerType) {
			return nil, fmt.Errorf("%w: %v does not implement RawHandler", ErrInvalidHandler, meta.Type)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidHandler, meta.Kind)
	}
	return b, nil
}

// Resolve acquires a live instance of the handler registered under id. The
// instance is acquired without holding the registry lock. A binding removed
// or replaced meanwhile makes the resolve fail with ErrNoActiveHandler; a
// removal after that leaves the instance valid until released.
func (r *Registry) Resolve(id handler.ID) (*Acquisition, error) {
	b, ok := r.Binding(id)
	if !ok {
		return nil, fmt.Errorf("%w: handler %d is not bound", ErrNoActiveHandler, id)
	}
	ref, err := r.services.Acquire(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoActiveHandler, err)
	}

	if current, ok := r.Binding(id); !ok || current != b {
		r.services.Release(ref)
		return nil, fmt.Errorf("%w: handler %d was unbound while resolving", ErrNoActiveHandler, id)
	}
	ep, err := b.endpointFor(ref.Instance())
	if err != nil {
		r.services.Release(ref)
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandler, err)
	}
	return &Acquisition{Binding: b, Endpoint: ep, ref: ref}, nil
}

// Release hands an acquisition back. It never blocks on the registry lock.
func (r *Registry) Release(acq *Acquisition) {
	if acq == nil || !atomic.CompareAndSwapInt32(&acq.released, 0, 1) {
		return
	}
	r.services.Release(acq.ref)
	r.logger.WithFields(logrus.Fields{
		"handler-id": acq.Binding.ID,
		"path":       acq.Binding.Path,
	}).Debug("released handler instance")
}

// Binding returns the binding of id.
func (r *Registry) Binding(id handler.ID) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// Lookup returns the binding registered for exactly path.
func (r *Registry) Lookup(path string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byPath[path]
	return b, ok
}

// Bindings returns all bindings, sorted by path.
func (r *Registry) Bindings() []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rv := make([]*Binding, 0, len(r.byID))
	for _, b := range r.byID {
		rv = append(rv, b)
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Path < rv[j].Path })
	return rv
}

// Shutdown unbinds everything. Later registrations are refused.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, b := range r.byID {
		r.unbindLocked(b)
	}
	r.logger.Info("endpoint registry shut down")
}
