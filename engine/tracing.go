package engine

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	// TracingHeaderPrefix starts the name of every diagnostic header the
	// engine emits.
	TracingHeaderPrefix = "X-Wsbridge-Tracing-"

	// TracingAcceptHeader enables tracing for one request when the engine runs
	// in TracingOnDemand mode.
	TracingAcceptHeader = "X-Wsbridge-Tracing-Accept"
)

// TracingMode controls when negotiation traces are returned.
type TracingMode int

const (
	TracingOff TracingMode = iota
	TracingOnDemand
	TracingAll
)

// ParseTracingMode accepts "off", "on-demand" and "all". The empty string
// means off.
func ParseTracingMode(s string) (TracingMode, error) {
	switch strings.ToLower(s) {
	case "", "off":
		return TracingOff, nil
	case "on-demand", "ondemand":
		return TracingOnDemand, nil
	case "all":
		return TracingAll, nil
	}
	return TracingOff, fmt.Errorf("unknown tracing mode %q", s)
}

// IsTracingHeader reports whether name is a diagnostic header.
func IsTracingHeader(name string) bool {
	return strings.HasPrefix(http.CanonicalHeaderKey(name), TracingHeaderPrefix)
}

type tracer struct {
	enabled bool
	lines   []string
}

func newTracer(mode TracingMode, req *RequestContext) *tracer {
	enabled := mode == TracingAll || (mode == TracingOnDemand && req.Has(TracingAcceptHeader))
	return &tracer{enabled: enabled}
}

func (t *tracer) tracef(format string, a ...any) {
	if t.enabled {
		t.lines = append(t.lines, fmt.Sprintf(format, a...))
	}
}

func (t *tracer) writeTo(h http.Header) {
	for i, line := range t.lines {
		h.Set(fmt.Sprintf("%s%02d", TracingHeaderPrefix, i), line)
	}
}
