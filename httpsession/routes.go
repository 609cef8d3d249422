package httpsession

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/taskcluster/wsbridge/internal/httputil"
)

// RegisterService adds POST /session, which starts (or returns) the
// caller's session, GET /session and DELETE /session, which ends it.
func (s *Store) RegisterService(r *mux.Router) {
	r.HandleFunc("/session", s.startSession).Methods(http.MethodPost)
	r.HandleFunc("/session", s.currentSession).Methods(http.MethodGet)
	r.HandleFunc("/session", s.endSession).Methods(http.MethodDelete)
}

func (s *Store) startSession(w http.ResponseWriter, r *http.Request) {
	sess := s.Start(w, r)
	httputil.JSON(w, sess, nil)
}

func (s *Store) currentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Lookup(r)
	if !ok {
		httputil.ReportError(w, httputil.Errorf(http.StatusNotFound, "no session"))
		return
	}
	httputil.JSON(w, sess, nil)
}

func (s *Store) endSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Lookup(r)
	if !ok {
		httputil.ReportError(w, httputil.Errorf(http.StatusNotFound, "no session"))
		return
	}
	s.Invalidate(sess.ID)
	http.SetCookie(w, &http.Cookie{Name: s.cookieName, Value: "", Path: "/", MaxAge: -1})
	httputil.NoBody(w, nil)
}
