package connproxy

import (
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/taskcluster/wsbridge/handler"
)

// conn is the handler's view of a Proxy.
type conn struct {
	p *Proxy
}

var _ handler.Conn = (*conn)(nil)

func (c *conn) ID() string {
	return c.p.id
}

func (c *conn) Path() string {
	if c.p.conf.RequestURI == nil {
		return ""
	}
	return c.p.conf.RequestURI.Path
}

func (c *conn) PathParams() map[string]string {
	rv := make(map[string]string, len(c.p.conf.PathParams))
	for k, v := range c.p.conf.PathParams {
		rv[k] = v
	}
	return rv
}

func (c *conn) Query() url.Values {
	if c.p.conf.RequestURI == nil {
		return url.Values{}
	}
	return c.p.conf.RequestURI.Query()
}

func (c *conn) Subprotocol() string {
	return c.p.conf.Subprotocol
}

func (c *conn) RemoteAddr() string {
	return c.p.conf.RemoteAddr
}

func (c *conn) SessionID() string {
	return c.p.conf.SessionID
}

func (c *conn) SendText(msg string) error {
	return c.p.write(websocket.TextMessage, []byte(msg))
}

func (c *conn) SendBinary(data []byte) error {
	return c.p.write(websocket.BinaryMessage, data)
}

func (c *conn) Close(reason handler.CloseReason) error {
	return c.p.closeLocal(reason)
}
