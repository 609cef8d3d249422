package upgrade

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/connproxy"
	"github.com/taskcluster/wsbridge/handler"
)

var (
	sessionExpired = handler.CloseReason{Code: handler.ClosePolicyViolation, Text: "HTTP session expired"}
	superseded     = handler.CloseReason{Code: handler.CloseGoingAway, Text: "superseded by a newer connection"}
)

// SessionManager maps HTTP session ids to the connection opened from them.
// It is safe for concurrent use.
type SessionManager struct {
	mu   sync.Mutex
	byID map[string]*connproxy.Proxy

	logger *logrus.Logger
}

// NewSessionManager returns an empty SessionManager.
func NewSessionManager(logger *logrus.Logger) *SessionManager {
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	return &SessionManager{
		byID:   make(map[string]*connproxy.Proxy),
		logger: logger,
	}
}

// Record maps id to p. A proxy previously recorded for id is closed. Proxies
// already closing are not recorded.
func (m *SessionManager) Record(id string, p *connproxy.Proxy) bool {
	m.mu.Lock()
	if p.State() >= connproxy.StateClosing {
		m.mu.Unlock()
		return false
	}
	previous := m.byID[id]
	m.byID[id] = p
	m.mu.Unlock()

	if previous != nil && previous != p {
		m.logger.WithFields(logrus.Fields{
			"session-id": id,
			"conn-id":    previous.ID(),
		}).Info("closing superseded connection")
		previous.ForceClose(superseded)
	}
	return true
}

// LookupAndRemove removes and returns the proxy recorded for id.
func (m *SessionManager) LookupAndRemove(id string) (*connproxy.Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	return p, ok
}

// Forget removes the mapping of id if it still points at p. It is called
// when p closes on its own.
func (m *SessionManager) Forget(id string, p *connproxy.Proxy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[id] != p {
		return false
	}
	delete(m.byID, id)
	return true
}

// SessionDestroyed closes the connection recorded for id with 1008. Unknown
// ids are ignored.
func (m *SessionManager) SessionDestroyed(id string) bool {
	p, ok := m.LookupAndRemove(id)
	if !ok {
		return false
	}
	m.logger.WithFields(logrus.Fields{
		"session-id": id,
		"conn-id":    p.ID(),
	}).Info("HTTP session destroyed, closing connection")
	p.ForceClose(sessionExpired)
	return true
}

// DrainAll closes every recorded connection and empties the table. It
// returns the number of connections closed.
func (m *SessionManager) DrainAll(reason handler.CloseReason) int {
	m.mu.Lock()
	drained := m.byID
	m.byID = make(map[string]*connproxy.Proxy)
	m.mu.Unlock()

	for _, p := range drained {
		p.ForceClose(reason)
	}
	return len(drained)
}

// Len returns the number of recorded sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Sessions returns the recorded session ids, sorted.
func (m *SessionManager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]string, 0, len(m.byID))
	for id := range m.byID {
		rv = append(rv, id)
	}
	sort.Strings(rv)
	return rv
}
