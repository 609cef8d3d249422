package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/wsbridge/client"
)

const usage = `wsbridge-client connects to a wsbridge endpoint, sends every line read on
stdin as a text message and prints every message received.

Usage:
    wsbridge-client <url> [--session] [--subprotocol=<name>...] [--verbose] [--json]
    wsbridge-client -h | --help

With --session, an HTTP session is started on the same server first and its
cookie is sent with the handshake.

Options:
-h --help                 Show help
--session                 Start an HTTP session before connecting
--subprotocol=<name>      Offer this subprotocol; may be repeated
--verbose                 Verbose logging
--json                    Output logs in JSON format`

const closeWait = 2 * time.Second

func main() {
	arguments, _ := docopt.ParseArgs(usage, os.Args[1:], "wsbridge-client 1.0.0")

	target, _ := arguments.String("<url>")
	if json, _ := arguments.Bool("--json"); json {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if verbose, _ := arguments.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}

	conf := client.Config{Logger: log.StandardLogger()}
	if subprotocols, ok := arguments["--subprotocol"].([]string); ok {
		conf.Subprotocols = subprotocols
	}
	if session, _ := arguments.Bool("--session"); session {
		cookies, err := client.StartSession(baseURL(target), conf.Retry)
		if err != nil {
			log.Fatal(err)
		}
		conf.Header = client.SessionHeader(cookies)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := client.Dial(ctx, target, conf)
	if err != nil {
		log.Fatal(err)
	}
	defer ws.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printMessages(ws, os.Stdout)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				closeGracefully(ws, done)
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				log.WithField("error", err.Error()).Error("could not send message")
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			closeGracefully(ws, done)
			return
		}
	}
}

// printMessages writes every received message to w until the connection
// ends.
func printMessages(ws *websocket.Conn, w io.Writer) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				log.WithFields(log.Fields{"code": ce.Code, "reason": ce.Text}).Info("connection closed")
			} else {
				log.WithField("error", err.Error()).Debug("read failed")
			}
			return
		}
		if mt == websocket.BinaryMessage {
			fmt.Fprintf(w, "<binary %d bytes>\n", len(data))
			continue
		}
		fmt.Fprintln(w, string(data))
	}
}

func closeGracefully(ws *websocket.Conn, done <-chan struct{}) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	select {
	case <-done:
	case <-time.After(closeWait):
	}
}

// baseURL returns the http(s) origin of a ws(s) url.
func baseURL(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.Scheme + "://" + u.Host
}
