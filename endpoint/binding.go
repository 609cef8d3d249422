package endpoint

import (
	"fmt"

	"github.com/taskcluster/wsbridge/engine"
	"github.com/taskcluster/wsbridge/handler"
)

// User property keys set on every upgrade configuration.
const (
	PropHandlerID   = "wsbridge.handler.id"
	PropHandlerKind = "wsbridge.handler.kind"
)

// Binding is the immutable record of one handler registration. A new Binding
// replaces the old one when a registration changes.
type Binding struct {
	ID           handler.ID
	Path         string
	Kind         handler.Kind
	Subprotocols []string

	// ConfigToken is the engine registration backing this binding.
	ConfigToken engine.Token

	// table is the cached dispatch table of annotated handlers
	table *handler.CallbackTable
}

// Capabilities lists the callbacks an annotated handler declares. Raw
// handlers always support the full contract.
func (b *Binding) Capabilities() []string {
	if b.table == nil {
		return []string{handler.CapBinary, handler.CapClose, handler.CapError, handler.CapOpen, handler.CapText}
	}
	return b.table.Capabilities()
}

// endpointFor adapts a live instance of the bound handler.
func (b *Binding) endpointFor(instance any) (handler.Endpoint, error) {
	switch b.Kind {
	case handler.KindAnnotated:
		return b.table.Bind(instance)
	case handler.KindRaw:
		return handler.BindRaw(instance)
	}
	return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidHandler, b.Kind)
}

func (b *Binding) upgradeConfig() engine.UpgradeConfig {
	return engine.UpgradeConfig{
		Path:         b.Path,
		Kind:         b.Kind,
		BoundID:      b.ID,
		Subprotocols: b.Subprotocols,
		UserProperties: map[string]any{
			PropHandlerID:   b.ID,
			PropHandlerKind: b.Kind.String(),
		},
	}
}
