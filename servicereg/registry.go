package servicereg

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/handler"
)

// Scope selects how instances of a service are shared.
type Scope int

const (
	ScopeSingleton Scope = iota
	ScopePrototype
)

func (s Scope) String() string {
	switch s {
	case ScopeSingleton:
		return "singleton"
	case ScopePrototype:
		return "prototype"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseScope is the inverse of Scope.String. The empty string is singleton.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "singleton":
		return ScopeSingleton, nil
	case "prototype":
		return ScopePrototype, nil
	}
	return ScopeSingleton, fmt.Errorf("unknown scope %q", s)
}

// Properties describe a handler service.
type Properties struct {
	// Name is informational.
	Name string

	Path         string
	Kind         handler.Kind
	Type         reflect.Type
	Subprotocols []string
}

// Metadata returns the part of the properties listeners bind to.
func (p Properties) Metadata() handler.Metadata {
	return handler.Metadata{
		Path:         p.Path,
		Kind:         p.Kind,
		Type:         p.Type,
		Subprotocols: p.Subprotocols,
	}
}

// Factory creates a service instance.
type Factory func() (any, error)

// Activator is implemented by instances that need setup after creation.
type Activator interface {
	Activate() error
}

// Deactivator is implemented by instances that need cleanup when destroyed.
type Deactivator interface {
	Deactivate()
}

// Listener is told about service changes. Calls are serialized and made
// without holding the registry's state lock, so a listener may call
// Acquire, Release and Services. It must not register or unregister
// services.
type Listener interface {
	OnHandlerAdded(id handler.ID, meta handler.Metadata) error
	OnHandlerRemoved(id handler.ID)
}

// Info is a snapshot of one registered service.
type Info struct {
	ID    handler.ID
	Props Properties
	Scope Scope
	// Refs is the number of outstanding references.
	Refs int
}

type service struct {
	id      handler.ID
	props   Properties
	scope   Scope
	factory Factory

	// guarded by Registry.mu
	refs         int
	unregistered bool

	// instMu serializes creation of the singleton instance
	instMu   sync.Mutex
	instance any
}

type reference struct {
	svc      *service
	instance any
	released int32
}

func (r *reference) ID() handler.ID {
	return r.svc.id
}

func (r *reference) Instance() any {
	return r.instance
}

// Registry holds handler services. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	services map[handler.ID]*service
	nextID   handler.ID

	// notifyMu serializes listener notifications and subscription changes
	notifyMu  sync.Mutex
	listeners []Listener

	logger *logrus.Logger
}

// New creates an empty Registry. A nil logger means no logging.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	return &Registry{
		services: make(map[handler.ID]*service),
		logger:   logger,
	}
}

func (reg *Registry) logf(id handler.ID, format string, a ...any) {
	reg.logger.WithField("service-id", id).Infof(format, a...)
}

func (reg *Registry) logerrorf(id handler.ID, err error, format string, a ...any) {
	reg.logger.WithFields(logrus.Fields{
		"service-id": id,
		"error":      err.Error(),
	}).Errorf(format, a...)
}

func validate(props Properties, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: no factory", ErrInvalidProperties)
	}
	if props.Path == "" {
		return fmt.Errorf("%w: no path", ErrInvalidProperties)
	}
	switch props.Kind {
	case handler.KindAnnotated:
		if props.Type == nil {
			return fmt.Errorf("%w: annotated handler %q needs a type", ErrInvalidProperties, props.Path)
		}
	case handler.KindRaw:
	default:
		return fmt.Errorf("%w: unknown kind %v", ErrInvalidProperties, props.Kind)
	}
	return nil
}

// Register adds a service and notifies listeners. Listener failures, such as
// a path conflict, are logged; the service stays registered.
func (reg *Registry) Register(props Properties, factory Factory, scope Scope) (handler.ID, error) {
	if err := validate(props, factory); err != nil {
		return 0, err
	}

	reg.mu.Lock()
	reg.nextID++
	svc := &service{
		id:      reg.nextID,
		props:   props,
		scope:   scope,
		factory: factory,
	}
	reg.services[svc.id] = svc
	reg.mu.Unlock()

	reg.logger.WithFields(logrus.Fields{
		"service-id": svc.id,
		"path":       props.Path,
		"scope":      scope.String(),
	}).Info("registered service")
	reg.notifyAdded(svc)
	return svc.id, nil
}

// RegisterInstance registers an existing value as a singleton service. The
// type of annotated handlers is taken from the value.
func (reg *Registry) RegisterInstance(props Properties, instance any) (handler.ID, error) {
	if instance == nil {
		return 0, fmt.Errorf("%w: nil instance", ErrInvalidProperties)
	}
	if props.Type == nil {
		props.Type = reflect.TypeOf(instance)
	}
	return reg.Register(props, func() (any, error) { return instance, nil }, ScopeSingleton)
}

// Unregister removes a service. Outstanding references stay valid until
// released. Unregistering an unknown id is a no-op. It reports whether the
// service existed.
func (reg *Registry) Unregister(id handler.ID) bool {
	reg.mu.Lock()
	svc, ok := reg.services[id]
	if !ok {
		reg.mu.Unlock()
		return false
	}
	delete(reg.services, id)
	svc.unregistered = true
	destroy := svc.refs == 0
	reg.mu.Unlock()

	reg.logf(id, "unregistered service")
	reg.notifyRemoved(id)
	if destroy && svc.scope == ScopeSingleton {
		reg.destroySingleton(svc)
	}
	return true
}

// Modify replaces the properties of a service. Listeners see the service
// removed and added again.
func (reg *Registry) Modify(id handler.ID, props Properties) error {
	reg.mu.Lock()
	svc, ok := reg.services[id]
	if !ok {
		reg.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if props.Type == nil {
		props.Type = svc.props.Type
	}
	if err := validate(props, svc.factory); err != nil {
		reg.mu.Unlock()
		return err
	}
	svc.props = props
	reg.mu.Unlock()

	reg.logf(id, "modified service, now at %s", props.Path)
	reg.notifyMu.Lock()
	defer reg.notifyMu.Unlock()
	reg.notifyRemovedLocked(id)
	reg.notifyAddedLocked(svc)
	return nil
}

// Acquire returns a reference to a live instance of the service.
func (reg *Registry) Acquire(id handler.ID) (handler.Reference, error) {
	reg.mu.Lock()
	svc, ok := reg.services[id]
	if !ok {
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	svc.refs++
	reg.mu.Unlock()

	var (
		instance any
		err      error
	)
	if svc.scope == ScopePrototype {
		instance, err = newInstance(svc.factory)
	} else {
		instance, err = svc.singleton()
	}
	if err != nil {
		reg.logerrorf(id, err, "could not create service instance")
		reg.drop(svc)
		return nil, fmt.Errorf("%w: service %d: %v", ErrActivation, id, err)
	}
	return &reference{svc: svc, instance: instance}, nil
}

// Release gives back a reference obtained from Acquire. Releasing a
// reference twice is a no-op.
func (reg *Registry) Release(ref handler.Reference) {
	r, ok := ref.(*reference)
	if !ok || !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		return
	}
	if r.svc.scope == ScopePrototype {
		deactivate(r.instance)
	}
	reg.drop(r.svc)
}

// drop decrements the reference count of svc, destroying an unregistered
// singleton when it reaches zero.
func (reg *Registry) drop(svc *service) {
	reg.mu.Lock()
	svc.refs--
	destroy := svc.unregistered && svc.refs == 0
	reg.mu.Unlock()

	if destroy && svc.scope == ScopeSingleton {
		reg.destroySingleton(svc)
	}
}

func (reg *Registry) destroySingleton(svc *service) {
	svc.instMu.Lock()
	instance := svc.instance
	svc.instance = nil
	svc.instMu.Unlock()
	if instance != nil {
		deactivate(instance)
		reg.logf(svc.id, "destroyed singleton instance")
	}
}

func (svc *service) singleton() (any, error) {
	svc.instMu.Lock()
	defer svc.instMu.Unlock()
	if svc.instance != nil {
		return svc.instance, nil
	}
	instance, err := newInstance(svc.factory)
	if err != nil {
		return nil, err
	}
	svc.instance = instance
	return instance, nil
}

func newInstance(factory Factory) (any, error) {
	instance, err := factory()
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("factory returned nil")
	}
	if a, ok := instance.(Activator); ok {
		if err := a.Activate(); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

func deactivate(instance any) {
	if d, ok := instance.(Deactivator); ok {
		d.Deactivate()
	}
}

// Subscribe adds a listener and replays every registered service to it. The
// returned function removes the listener.
func (reg *Registry) Subscribe(l Listener) func() {
	reg.notifyMu.Lock()
	defer reg.notifyMu.Unlock()

	reg.listeners = append(reg.listeners, l)
	for _, info := range reg.Services() {
		if err := l.OnHandlerAdded(info.ID, info.Props.Metadata()); err != nil {
			reg.logerrorf(info.ID, err, "listener rejected service")
		}
	}

	return func() {
		reg.notifyMu.Lock()
		defer reg.notifyMu.Unlock()
		for i, other := range reg.listeners {
			if other == l {
				reg.listeners = append(reg.listeners[:i], reg.listeners[i+1:]...)
				return
			}
		}
	}
}

func (reg *Registry) notifyAdded(svc *service) {
	reg.notifyMu.Lock()
	defer reg.notifyMu.Unlock()
	reg.notifyAddedLocked(svc)
}

// notifyAddedLocked announces svc with its current properties, unless it was
// unregistered meanwhile: the pending removal notification then comes after
// this one and listeners must not be left with a binding for it. Caller
// holds notifyMu.
func (reg *Registry) notifyAddedLocked(svc *service) {
	reg.mu.Lock()
	gone, props := svc.unregistered, svc.props
	reg.mu.Unlock()
	if gone {
		return
	}
	for _, l := range reg.listeners {
		if err := l.OnHandlerAdded(svc.id, props.Metadata()); err != nil {
			reg.logerrorf(svc.id, err, "listener rejected service")
		}
	}
}

func (reg *Registry) notifyRemoved(id handler.ID) {
	reg.notifyMu.Lock()
	defer reg.notifyMu.Unlock()
	reg.notifyRemovedLocked(id)
}

func (reg *Registry) notifyRemovedLocked(id handler.ID) {
	for _, l := range reg.listeners {
		l.OnHandlerRemoved(id)
	}
}

// Services returns a snapshot of the registered services, sorted by id.
func (reg *Registry) Services() []Info {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rv := make([]Info, 0, len(reg.services))
	for _, svc := range reg.services {
		rv = append(rv, Info{ID: svc.id, Props: svc.props, Scope: svc.scope, Refs: svc.refs})
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].ID < rv[j].ID })
	return rv
}

// Close unregisters every service.
func (reg *Registry) Close() {
	for _, info := range reg.Services() {
		reg.Unregister(info.ID)
	}
}
