package httpsession

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

const (
	DefaultCookieName = "WSBRIDGESESSION"
	DefaultTTL        = 30 * time.Minute
)

// Config contains the run time parameters of a Store.
type Config struct {
	CookieName string
	// TTL is the idle time after which a session expires.
	TTL time.Duration
	// Secure marks the cookie as HTTPS only.
	Secure bool
	Logger *logrus.Logger
}

// Session is a snapshot of one session.
type Session struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"lastAccess"`
	Expires    time.Time `json:"expires"`
}

type entry struct {
	created    time.Time
	lastAccess time.Time
}

// Store holds the live sessions. It is safe for concurrent use.
type Store struct {
	cookieName string
	ttl        time.Duration
	secure     bool
	logger     *logrus.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry

	listenerMu sync.Mutex
	listeners  []func(id string)
}

// New creates an empty Store.
func New(conf Config) *Store {
	s := &Store{
		cookieName: conf.CookieName,
		ttl:        conf.TTL,
		secure:     conf.Secure,
		logger:     conf.Logger,
		now:        time.Now,
		sessions:   make(map[string]*entry),
	}
	if s.cookieName == "" {
		s.cookieName = DefaultCookieName
	}
	if s.ttl == 0 {
		s.ttl = DefaultTTL
	}
	if s.logger == nil {
		s.logger, _ = nullLog.NewNullLogger()
	}
	return s
}

// CookieName returns the name of the session cookie.
func (s *Store) CookieName() string {
	return s.cookieName
}

// OnDestroyed registers fn to be called with the id of every session that
// is invalidated or expires. Callbacks run without the store's lock held.
func (s *Store) OnDestroyed(fn func(id string)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) snapshot(id string, e *entry) Session {
	return Session{
		ID:         id,
		Created:    e.created,
		LastAccess: e.lastAccess,
		Expires:    e.lastAccess.Add(s.ttl),
	}
}

// Start returns the session of r, starting a new one and setting its cookie
// on w if r has none.
func (s *Store) Start(w http.ResponseWriter, r *http.Request) Session {
	if sess, ok := s.Lookup(r); ok {
		return sess
	}

	now := s.now()
	id := uuid.NewRandom().String()
	e := &entry{created: now, lastAccess: now}
	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.WithField("session-id", id).Info("started HTTP session")
	return s.snapshot(id, e)
}

// Lookup returns the live session named by r's cookie and marks it as
// accessed.
func (s *Store) Lookup(r *http.Request) (Session, bool) {
	c, err := r.Cookie(s.cookieName)
	if err != nil || c.Value == "" {
		return Session{}, false
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[c.Value]
	if !ok || now.Sub(e.lastAccess) > s.ttl {
		return Session{}, false
	}
	e.lastAccess = now
	return s.snapshot(c.Value, e), true
}

// SessionID returns the id of r's live session.
func (s *Store) SessionID(r *http.Request) (string, bool) {
	sess, ok := s.Lookup(r)
	return sess.ID, ok
}

// Get returns the session with the given id without touching it.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(id, e), true
}

// Invalidate ends a session. It reports whether the session existed.
func (s *Store) Invalidate(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		s.logger.WithField("session-id", id).Info("invalidated HTTP session")
		s.destroyed(id)
	}
	return ok
}

// Sweep expires every session idle for longer than the TTL at now. It
// returns the number of sessions expired.
func (s *Store) Sweep(now time.Time) int {
	var expired []string
	s.mu.Lock()
	for id, e := range s.sessions {
		if now.Sub(e.lastAccess) > s.ttl {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		s.logger.WithField("session-id", id).Info("HTTP session expired")
		s.destroyed(id)
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) destroyed(id string) {
	s.listenerMu.Lock()
	listeners := append([]func(string){}, s.listeners...)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(id)
	}
}
