// Package client holds the client side of both speech pipelines. Each
// session owns its websocket and the local audio resources attached to it,
// and releases all of them on every exit path.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// ErrSessionClosed is returned by writes after the session ended.
var ErrSessionClosed = errors.New("session closed")

// endpoint turns an http(s) or ws(s) base URL into the websocket URL of path.
func endpoint(base, path string, query url.Values) (string, error) {
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %w (status %s)", wsURL, err, resp.Status)
		}
		return nil, fmt.Errorf("connect %s: %w", wsURL, err)
	}
	return ws, nil
}

// stream is the socket plumbing shared by both session types: serialized
// writes, one read loop, first-error capture and idempotent close.
type stream struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closing chan struct{}
	done    chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func newStream(ws *websocket.Conn) *stream {
	return &stream{ws: ws, closing: make(chan struct{}), done: make(chan struct{})}
}

func (s *stream) writeJSON(v any) error {
	select {
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteJSON(v); err != nil {
		return &protocol.Error{Kind: protocol.KindTransportError, Index: -1, Err: err}
	}
	return nil
}

func (s *stream) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	select {
	case <-s.closing:
		return
	default:
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// close sends a close frame and tears the socket down; the read loop then
// exits and closes done.
func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	})
}

// readFirst reads the handshake reply.
func readFirst(ws *websocket.Conn, decode func([]byte) (protocol.ServerMessage, error)) (protocol.ServerMessage, error) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return nil, &protocol.Error{Kind: protocol.KindTransportError, Index: -1, Err: err}
		}
		if kind != websocket.TextMessage {
			continue
		}
		return decode(data)
	}
}

func rejected(message string) error {
	return &protocol.Error{Kind: protocol.KindAuthRejected, Index: -1, Err: errors.New(message)}
}
