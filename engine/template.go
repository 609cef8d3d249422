package engine

import (
	"fmt"
	"strings"
)

// pathTemplate is a parsed registration path. Segments of the form {name}
// match exactly one non-empty path segment.
type pathTemplate struct {
	raw      string
	segments []string
	// params[i] is the parameter name for segment i, or "" for literals
	params   []string
	literals int
}

func parseTemplate(path string) (*pathTemplate, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, path)
	}
	t := &pathTemplate{raw: path}
	seen := make(map[string]bool)
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		name := ""
		if strings.HasPrefix(seg, "{") || strings.HasSuffix(seg, "}") {
			if len(seg) < 3 || !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
				return nil, fmt.Errorf("%w: malformed segment %q in %q", ErrInvalidPath, seg, path)
			}
			name = seg[1 : len(seg)-1]
			if seen[name] {
				return nil, fmt.Errorf("%w: parameter %q repeated in %q", ErrInvalidPath, name, path)
			}
			seen[name] = true
		} else {
			t.literals++
		}
		t.segments = append(t.segments, seg)
		t.params = append(t.params, name)
	}
	return t, nil
}

// isLiteral is true for templates without parameters.
func (t *pathTemplate) isLiteral() bool {
	return t.literals == len(t.segments)
}

// key normalizes parameter names away, so that /a/{x} and /a/{y} conflict.
func (t *pathTemplate) key() string {
	segs := make([]string, len(t.segments))
	for i, s := range t.segments {
		if t.params[i] != "" {
			segs[i] = "{}"
		} else {
			segs[i] = s
		}
	}
	return "/" + strings.Join(segs, "/")
}

func (t *pathTemplate) match(path string) (map[string]string, bool) {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) != len(t.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range segs {
		if name := t.params[i]; name != "" {
			if seg == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[name] = seg
			continue
		}
		if seg != t.segments[i] {
			return nil, false
		}
	}
	return params, true
}
