package demo

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/johncgriffin/overflow"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/wsbridge/handler"
)

// AnnotationEcho echoes text messages with an "Echo: " prefix.
type AnnotationEcho struct{}

func (AnnotationEcho) OnMessage(msg string) string {
	return "Echo: " + msg
}

// EndpointEcho is the raw handler version of AnnotationEcho.
type EndpointEcho struct {
	logger *logrus.Logger
}

func (e *EndpointEcho) OnOpen(conn handler.RawConn, config *handler.EndpointConfig) error {
	conn.AddTextHandler(func(msg string) error {
		e.logger.WithField("conn-id", conn.ID()).Debugf("echoing %q", msg)
		return conn.SendText("Echo2: " + msg)
	})
	return nil
}

func (e *EndpointEcho) OnError(conn handler.Conn, cause error) {
	e.logger.WithFields(logrus.Fields{
		"conn-id": conn.ID(),
		"error":   cause.Error(),
	}).Warn("echo connection failed")
}

func (e *EndpointEcho) OnClose(conn handler.Conn, reason handler.CloseReason) error {
	return nil
}

var (
	annotationProtoIDs int64
	endpointProtoIDs   int64
)

// memo is the state shared by the prototype handlers: it remembers the last
// message and answers "$" with it.
type memo struct {
	id     string
	logger *logrus.Logger

	mu   sync.Mutex
	last string
}

func (m *memo) greeting() string {
	return "Hello from " + m.id
}

func (m *memo) reply(msg string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg == "$" {
		return fmt.Sprintf("Last message you sent to %s was: %s", m.id, m.last)
	}
	m.last = msg
	return fmt.Sprintf("Echo from %s: %s", m.id, msg)
}

func (m *memo) deactivate() {
	m.logger.WithField("instance", m.id).Info("prototype handler stopped")
}

// AnnotationProto is an annotated handler meant to be registered with
// prototype scope: each connection gets its own id and memory.
type AnnotationProto struct {
	memo
}

func (p *AnnotationProto) Activate() error {
	p.id = fmt.Sprintf("annotation-proto-%d", atomic.AddInt64(&annotationProtoIDs, 1))
	p.logger.WithField("instance", p.id).Info("prototype handler started")
	return nil
}

func (p *AnnotationProto) Deactivate() {
	p.deactivate()
}

func (p *AnnotationProto) OnOpen(conn handler.Conn) error {
	return conn.SendText(p.greeting())
}

func (p *AnnotationProto) OnMessage(msg string) string {
	return p.reply(msg)
}

// EndpointProto is the raw handler version of AnnotationProto.
type EndpointProto struct {
	memo
}

func (p *EndpointProto) Activate() error {
	p.id = strconv.FormatInt(atomic.AddInt64(&endpointProtoIDs, 1), 10)
	p.logger.WithField("instance", p.id).Info("prototype handler started")
	return nil
}

func (p *EndpointProto) Deactivate() {
	p.deactivate()
}

func (p *EndpointProto) OnOpen(conn handler.RawConn, config *handler.EndpointConfig) error {
	conn.AddTextHandler(func(msg string) error {
		return conn.SendText(p.reply(msg))
	})
	return conn.SendText(p.greeting())
}

func (p *EndpointProto) OnError(conn handler.Conn, cause error) {}

func (p *EndpointProto) OnClose(conn handler.Conn, reason handler.CloseReason) error {
	return nil
}

// Square answers every 64 bit integer with its square, or an error when the
// square overflows.
type Square struct{}

func (Square) OnMessage(msg string) string {
	n, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return fmt.Sprintf("Error: %q is not an integer", msg)
	}
	sq, ok := overflow.Mul64(n, n)
	if !ok {
		return fmt.Sprintf("Error: the square of %d overflows", n)
	}
	return strconv.FormatInt(sq, 10)
}
