package engine

import (
	"net/url"
	"strings"
)

// RequestContext is the protocol-agnostic view of an upgrade request.
type RequestContext struct {
	Method      string
	RequestURI  *url.URL
	QueryString string

	// Header maps each header name, as received, to its values. Values of
	// list-valued headers are split on commas.
	Header map[string][]string

	// Principal is the authenticated user, empty if anonymous.
	Principal    string
	IsUserInRole func(role string) bool

	Secure     bool
	RemoteAddr string
	ServerAddr string
	ServerPort int

	// SessionID is the HTTP session the request belongs to, if any.
	SessionID string

	// Properties are server-side configuration parameters.
	Properties map[string]string
}

// AddHeader folds the raw value of one header line into the context.
func (r *RequestContext) AddHeader(name, value string) {
	if r.Header == nil {
		r.Header = make(map[string][]string)
	}
	r.Header[name] = append(r.Header[name], ParseHeaderValue(strings.TrimSpace(value))...)
}

// Values returns the values of the named header. The exact name is tried
// first, then a case-insensitive match.
func (r *RequestContext) Values(name string) []string {
	if v, ok := r.Header[name]; ok {
		return v
	}
	for k, v := range r.Header {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Has reports whether the named header was present, even without a value.
func (r *RequestContext) Has(name string) bool {
	if _, ok := r.Header[name]; ok {
		return true
	}
	for k := range r.Header {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// Get returns the first value of the named header.
func (r *RequestContext) Get(name string) string {
	if v := r.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// hasToken reports whether any value of the named header equals token,
// ignoring case.
func (r *RequestContext) hasToken(name, token string) bool {
	for _, v := range r.Values(name) {
		if strings.EqualFold(v, token) {
			return true
		}
	}
	return false
}

// Path returns the request path.
func (r *RequestContext) Path() string {
	if r.RequestURI == nil {
		return ""
	}
	return r.RequestURI.Path
}

// ParseHeaderValue splits a comma separated header value into its trimmed,
// non-empty elements. Quoted strings are kept whole.
func ParseHeaderValue(value string) []string {
	var (
		values []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() {
		if v := strings.TrimSpace(cur.String()); v != "" {
			values = append(values, v)
		}
		cur.Reset()
	}
	for _, c := range value {
		switch {
		case c == '"':
			quoted = !quoted
			cur.WriteRune(c)
		case c == ',' && !quoted:
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return values
}
