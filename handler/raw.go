package handler

import "fmt"

// BindRaw returns an Endpoint dispatching to a RawHandler instance.
func BindRaw(instance any) (Endpoint, error) {
	h, ok := instance.(RawHandler)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotRawHandler, instance)
	}
	return &rawEndpoint{handler: h}, nil
}

// rawEndpoint owns the message handlers the RawHandler registers during
// OnOpen. It is created per connection, so it needs no locking: all events
// for one connection are delivered sequentially.
type rawEndpoint struct {
	handler RawHandler
	conn    *rawConn
	text    []func(string) error
	binary  []func([]byte) error
}

type rawConn struct {
	Conn
	endpoint *rawEndpoint
}

func (c *rawConn) AddTextHandler(h func(msg string) error) {
	c.endpoint.text = append(c.endpoint.text, h)
}

func (c *rawConn) AddBinaryHandler(h func(data []byte) error) {
	c.endpoint.binary = append(c.endpoint.binary, h)
}

// wrap returns the RawConn wrapping conn, so that the handler always sees
// the same value for one connection.
func (e *rawEndpoint) wrap(conn Conn) *rawConn {
	if e.conn == nil || e.conn.Conn != conn {
		e.conn = &rawConn{Conn: conn, endpoint: e}
	}
	return e.conn
}

func (e *rawEndpoint) OnOpen(conn Conn, config *EndpointConfig) error {
	return e.handler.OnOpen(e.wrap(conn), config)
}

func (e *rawEndpoint) OnMessage(conn Conn, msg Message) error {
	c := e.wrap(conn)
	switch msg.Type {
	case TextMessage:
		if len(e.text) == 0 {
			break
		}
		for _, h := range e.text {
			if err := h(string(msg.Data)); err != nil {
				return err
			}
		}
		return nil
	case BinaryMessage:
		if len(e.binary) == 0 {
			break
		}
		for _, h := range e.binary {
			if err := h(msg.Data); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedData, c.endpoint.handler)
}

func (e *rawEndpoint) OnError(conn Conn, cause error) error {
	e.handler.OnError(e.wrap(conn), cause)
	return nil
}

func (e *rawEndpoint) OnClose(conn Conn, reason CloseReason) error {
	return e.handler.OnClose(e.wrap(conn), reason)
}
