package demo

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/handler"
	"github.com/taskcluster/wsbridge/servicereg"
)

// Spec asks for one catalog handler. Path and Scope override the catalog
// defaults when set.
type Spec struct {
	Name  string
	Path  string
	Scope string
}

type entry struct {
	path    string
	kind    handler.Kind
	typ     reflect.Type
	scope   servicereg.Scope
	factory func(logger *logrus.Logger) any
}

var catalog = map[string]entry{
	"test-annotation": {
		path:    "/ws/test-annotation",
		kind:    handler.KindAnnotated,
		typ:     reflect.TypeOf(AnnotationEcho{}),
		scope:   servicereg.ScopeSingleton,
		factory: func(*logrus.Logger) any { return AnnotationEcho{} },
	},
	"test-endpoint": {
		path:    "/ws/test-endpoint",
		kind:    handler.KindRaw,
		scope:   servicereg.ScopeSingleton,
		factory: func(l *logrus.Logger) any { return &EndpointEcho{logger: l} },
	},
	"test-annotation-proto": {
		path:    "/ws/test-annotation-proto",
		kind:    handler.KindAnnotated,
		typ:     reflect.TypeOf(&AnnotationProto{}),
		scope:   servicereg.ScopePrototype,
		factory: func(l *logrus.Logger) any { return &AnnotationProto{memo{logger: l}} },
	},
	"test-endpoint-proto": {
		path:    "/ws/test-endpoint-proto",
		kind:    handler.KindRaw,
		scope:   servicereg.ScopePrototype,
		factory: func(l *logrus.Logger) any { return &EndpointProto{memo{logger: l}} },
	},
	"square": {
		path:    "/ws/square",
		kind:    handler.KindAnnotated,
		typ:     reflect.TypeOf(Square{}),
		scope:   servicereg.ScopeSingleton,
		factory: func(*logrus.Logger) any { return Square{} },
	},
}

// Names lists the catalog, sorted.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a Spec for every catalog handler with its default path and
// scope.
func All() []Spec {
	var specs []Spec
	for _, name := range Names() {
		specs = append(specs, Spec{Name: name})
	}
	return specs
}

// Register adds the requested handlers to reg. It stops at the first
// failure and returns the ids registered so far.
func Register(reg *servicereg.Registry, specs []Spec, logger *logrus.Logger) ([]handler.ID, error) {
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	var ids []handler.ID
	for _, spec := range specs {
		e, ok := catalog[spec.Name]
		if !ok {
			return ids, fmt.Errorf("unknown demo handler %q", spec.Name)
		}
		path := e.path
		if spec.Path != "" {
			path = spec.Path
		}
		scope := e.scope
		if spec.Scope != "" {
			var err error
			if scope, err = servicereg.ParseScope(spec.Scope); err != nil {
				return ids, fmt.Errorf("demo handler %q: %w", spec.Name, err)
			}
		}

		props := servicereg.Properties{
			Name: spec.Name,
			Path: path,
			Kind: e.kind,
			Type: e.typ,
		}
		id, err := reg.Register(props, func() (any, error) {
			return e.factory(logger), nil
		}, scope)
		if err != nil {
			return ids, fmt.Errorf("demo handler %q: %w", spec.Name, err)
		}
		logger.WithFields(logrus.Fields{
			"handler-id": id,
			"path":       path,
			"scope":      scope.String(),
		}).Info("registered demo handler")
		ids = append(ids, id)
	}
	return ids, nil
}
