package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/wsbridge/util"
)

const defaultHandshakeTimeout = 10 * time.Second

// Config contains the run time parameters of Dial.
type Config struct {
	// Header is sent with every handshake, for example to carry a session
	// cookie.
	Header       http.Header
	Subprotocols []string

	// HandshakeTimeout bounds each attempt. Defaults to 10s.
	HandshakeTimeout time.Duration

	Retry RetryConfig

	Logger *logrus.Logger
}

// HandshakeError is returned when the server answers the handshake with an
// HTTP error.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("handshake rejected with %d", e.StatusCode)
	}
	return fmt.Sprintf("handshake rejected with %d: %s", e.StatusCode, e.Body)
}

// Dial opens a connection to url, which may use an http(s) or ws(s)
// scheme. Attempts are retried until one succeeds, the server rejects the
// handshake with a 4xx status, Retry.MaxElapsedTime passes or ctx is done.
func Dial(ctx context.Context, url string, conf Config) (*websocket.Conn, error) {
	logger := conf.Logger
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	timeout := conf.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Subprotocols:     conf.Subprotocols,
	}
	url = util.MakeWsURL(url)

	var ws *websocket.Conn
	attempts := 0
	dial := func() error {
		attempts++
		c, resp, err := dialer.DialContext(ctx, url, conf.Header)
		if err == nil {
			ws = c
			return nil
		}
		if resp != nil {
			herr := handshakeError(resp)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(herr)
			}
			return herr
		}
		return err
	}

	b := backoff.WithContext(conf.Retry.exponentialBackOff(), ctx)
	err := backoff.RetryNotify(dial, b, func(err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{
			"url":      url,
			"attempts": attempts,
			"error":    err.Error(),
		}).Warnf("dial failed, retrying in %s", wait)
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"url":         url,
		"attempts":    attempts,
		"subprotocol": ws.Subprotocol(),
	}).Info("connected")
	return ws, nil
}

func handshakeError(resp *http.Response) *HandshakeError {
	herr := &HandshakeError{StatusCode: resp.StatusCode}
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		herr.Body = strings.TrimSpace(string(body))
	}
	return herr
}
