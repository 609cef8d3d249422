package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
)

// ServiceProvider contributes routes to a router.
type ServiceProvider interface {
	RegisterService(r *mux.Router)
}

// Register adds the routes of every provider to r.
func Register(r *mux.Router, providers ...ServiceProvider) {
	for _, p := range providers {
		p.RegisterService(r)
	}
}

// StatusError is an error reported with a specific HTTP status.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Errorf returns a StatusError with the given code.
func Errorf(code int, format string, a ...any) error {
	return &StatusError{Code: code, Err: fmt.Errorf(format, a...)}
}

// Vars returns the unescaped route variables of r.
func Vars(r *http.Request) (map[string]string, error) {
	encodedVars := mux.Vars(r)
	decodedVars := make(map[string]string, len(encodedVars))
	for k, v := range encodedVars {
		decoded, err := url.QueryUnescape(v)
		if err != nil {
			return nil, Errorf(http.StatusBadRequest, "invalid %s: %v", k, err)
		}
		decodedVars[k] = decoded
	}
	return decodedVars, nil
}

// JSON writes resp as indented JSON, or reports err.
func JSON(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		ReportError(w, err)
		return
	}
	bytes, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		ReportError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(bytes)
}

// ReportError writes err as a JSON error body. The status is taken from a
// wrapped StatusError, 500 otherwise.
func ReportError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var se *StatusError
	if errors.As(err, &se) {
		code = se.Code
	}
	bytes, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(bytes)
}

// NoBody answers with 204, or reports err.
func NoBody(w http.ResponseWriter, err error) {
	if err != nil {
		ReportError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
