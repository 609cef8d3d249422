package handler

import (
	"errors"
	"net/url"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything sent on it
type fakeConn struct {
	text   []string
	binary [][]byte
	closed *CloseReason
}

func (c *fakeConn) ID() string                    { return "conn-1" }
func (c *fakeConn) Path() string                  { return "/ws/test" }
func (c *fakeConn) PathParams() map[string]string { return nil }
func (c *fakeConn) Query() url.Values             { return url.Values{} }
func (c *fakeConn) Subprotocol() string           { return "" }
func (c *fakeConn) RemoteAddr() string            { return "127.0.0.1:1234" }
func (c *fakeConn) SessionID() string             { return "" }

func (c *fakeConn) SendText(msg string) error {
	c.text = append(c.text, msg)
	return nil
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.binary = append(c.binary, data)
	return nil
}

func (c *fakeConn) Close(reason CloseReason) error {
	c.closed = &reason
	return nil
}

type echoAnnotated struct {
	opened bool
	closed CloseReason
	errs   []error
}

func (e *echoAnnotated) OnOpen(config *EndpointConfig) {
	e.opened = true
}

func (e *echoAnnotated) OnMessage(msg string, conn Conn) string {
	return "Echo: " + msg
}

func (e *echoAnnotated) OnClose(reason CloseReason) {
	e.closed = reason
}

func (e *echoAnnotated) OnError(conn Conn, err error) {
	e.errs = append(e.errs, err)
}

type messageOnly struct {
	got [][]byte
}

func (m *messageOnly) OnBinaryMessage(conn Conn, data []byte) error {
	m.got = append(m.got, data)
	return nil
}

type failing struct{}

func (failing) OnMessage(msg string) (string, error) {
	return "", errors.New("boom")
}

type badParam struct{}

func (badParam) OnOpen(n int) {}

type badResult struct{}

func (badResult) OnClose(conn Conn) int { return 0 }

type twoPayloads struct{}

func (twoPayloads) OnMessage(a string, b []byte) {}

type errorWithoutCause struct{}

func (errorWithoutCause) OnError(conn Conn) {}

type twoText struct{}

func (twoText) OnMessage(a string)       {}
func (twoText) OnBinaryMessage(b string) {}

func TestAnalyzeFullHandler(t *testing.T) {
	a := NewAnalyzer()
	table, err := a.Analyze(reflect.TypeOf(&echoAnnotated{}))
	require.NoError(t, err)
	assert.Equal(t, []string{CapClose, CapError, CapOpen, CapText}, table.Capabilities())
	assert.False(t, table.Has(CapBinary))

	h := &echoAnnotated{}
	ep, err := table.Bind(h)
	require.NoError(t, err)

	conn := &fakeConn{}
	require.NoError(t, ep.OnOpen(conn, &EndpointConfig{Path: "/ws/test"}))
	assert.True(t, h.opened)

	require.NoError(t, ep.OnMessage(conn, Message{Type: TextMessage, Data: []byte("ping")}))
	assert.Equal(t, []string{"Echo: ping"}, conn.text)

	cause := errors.New("oops")
	require.NoError(t, ep.OnError(conn, cause))
	assert.Equal(t, []error{cause}, h.errs)

	require.NoError(t, ep.OnClose(conn, CloseReason{Code: CloseNormalClosure, Text: "bye"}))
	assert.Equal(t, CloseReason{Code: CloseNormalClosure, Text: "bye"}, h.closed)
}

func TestAnalyzeCachesTables(t *testing.T) {
	a := NewAnalyzer()
	t1, err := a.Analyze(reflect.TypeOf(&echoAnnotated{}))
	require.NoError(t, err)
	t2, err := a.Analyze(reflect.TypeOf(&echoAnnotated{}))
	require.NoError(t, err)
	assert.Same(t, t1, t2)
}

func TestAnalyzeSubsetOfCallbacks(t *testing.T) {
	a := NewAnalyzer()
	table, err := a.Analyze(reflect.TypeOf(&messageOnly{}))
	require.NoError(t, err)
	assert.Equal(t, []string{CapBinary}, table.Capabilities())

	h := &messageOnly{}
	ep, err := table.Bind(h)
	require.NoError(t, err)

	conn := &fakeConn{}
	// missing OnOpen and OnClose are legal
	require.NoError(t, ep.OnOpen(conn, nil))
	require.NoError(t, ep.OnMessage(conn, Message{Type: BinaryMessage, Data: []byte{1, 2}}))
	assert.Equal(t, [][]byte{{1, 2}}, h.got)
	require.NoError(t, ep.OnClose(conn, CloseReason{Code: CloseGoingAway}))

	err = ep.OnMessage(conn, Message{Type: TextMessage, Data: []byte("text")})
	assert.ErrorIs(t, err, ErrUnsupportedData)
}

func TestAnnotatedCallbackError(t *testing.T) {
	a := NewAnalyzer()
	table, err := a.Analyze(reflect.TypeOf(failing{}))
	require.NoError(t, err)
	ep, err := table.Bind(failing{})
	require.NoError(t, err)

	conn := &fakeConn{}
	err = ep.OnMessage(conn, Message{Type: TextMessage, Data: []byte("x")})
	assert.EqualError(t, err, "boom")
	assert.Empty(t, conn.text)
}

func TestAnalyzeRejectsInvalidSignatures(t *testing.T) {
	a := NewAnalyzer()
	for _, v := range []any{badParam{}, badResult{}, twoPayloads{}, errorWithoutCause{}, twoText{}} {
		_, err := a.Analyze(reflect.TypeOf(v))
		assert.ErrorIs(t, err, ErrInvalidCallback, "%T", v)
	}
	_, err := a.Analyze(nil)
	assert.ErrorIs(t, err, ErrInvalidCallback)
}

func TestBindTypeMismatch(t *testing.T) {
	a := NewAnalyzer()
	table, err := a.Analyze(reflect.TypeOf(&echoAnnotated{}))
	require.NoError(t, err)
	_, err = table.Bind(&messageOnly{})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = table.Bind(nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

type rawEcho struct {
	events []string
	conns  []Conn
}

func (r *rawEcho) OnOpen(conn RawConn, config *EndpointConfig) error {
	r.events = append(r.events, "open")
	r.conns = append(r.conns, conn)
	conn.AddTextHandler(func(msg string) error {
		r.events = append(r.events, "message:"+msg)
		return conn.SendText("Echo2: " + msg)
	})
	return nil
}

func (r *rawEcho) OnError(conn Conn, cause error) {
	r.events = append(r.events, "error")
}

func (r *rawEcho) OnClose(conn Conn, reason CloseReason) error {
	r.events = append(r.events, "close")
	r.conns = append(r.conns, conn)
	return nil
}

func TestBindRaw(t *testing.T) {
	h := &rawEcho{}
	ep, err := BindRaw(h)
	require.NoError(t, err)

	conn := &fakeConn{}
	require.NoError(t, ep.OnOpen(conn, &EndpointConfig{}))
	require.NoError(t, ep.OnMessage(conn, Message{Type: TextMessage, Data: []byte("ping")}))
	assert.ErrorIs(t, ep.OnMessage(conn, Message{Type: BinaryMessage, Data: []byte{0}}), ErrUnsupportedData)
	require.NoError(t, ep.OnError(conn, errors.New("x")))
	require.NoError(t, ep.OnClose(conn, CloseReason{Code: CloseNormalClosure}))

	assert.Equal(t, []string{"open", "message:ping", "error", "close"}, h.events)
	assert.Equal(t, []string{"Echo2: ping"}, conn.text)
	// the handler sees the same connection value throughout
	assert.Same(t, h.conns[0], h.conns[1])
}

func TestBindRawRejectsOtherTypes(t *testing.T) {
	_, err := BindRaw(&messageOnly{})
	assert.ErrorIs(t, err, ErrNotRawHandler)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Raw")
	require.NoError(t, err)
	assert.Equal(t, KindRaw, k)
	k, err = ParseKind(KindAnnotated.String())
	require.NoError(t, err)
	assert.Equal(t, KindAnnotated, k)
	_, err = ParseKind("servlet")
	assert.Error(t, err)
}
