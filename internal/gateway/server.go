// Package gateway exposes both speech pipelines over websockets.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

var errHandshakeTimeout = errors.New("authentication timeout")

// Server owns the websocket endpoints. Engines may be nil when the
// corresponding pipeline is disabled.
type Server struct {
	cfg        config.Config
	validator  auth.Validator
	recognizer stt.Recognizer
	synth      tts.Synthesizer
	sessions   *session.Manager
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

func New(cfg config.Config, validator auth.Validator, recognizer stt.Recognizer, synth tts.Synthesizer, sessions *session.Manager, log *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		validator:  validator,
		recognizer: recognizer,
		synth:      synth,
		sessions:   sessions,
		log:        log.With(slog.String("component", "gateway")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.HTTP.ReadBufferBytes,
		WriteBufferSize: cfg.HTTP.WriteBufferBytes,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register mounts the enabled pipelines on mux.
func (s *Server) Register(mux *http.ServeMux) {
	if s.recognizer != nil {
		mux.HandleFunc(protocol.TranscribePath, s.HandleTranscribe)
	}
	if s.synth != nil {
		mux.HandleFunc(protocol.LivePath, s.HandleLive)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.HTTP.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.HTTP.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) authTimeout() time.Duration {
	if s.cfg.Auth.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.Auth.TimeoutMS) * time.Millisecond
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, dir protocol.Direction) (*conn, *session.Session, *slog.Logger, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slogError(err))
		return nil, nil, nil, false
	}
	sess := s.sessions.Open(dir, r.RemoteAddr)
	log := s.log.With(slog.String("session_id", sess.ID), slog.String("direction", string(dir)))
	return newConn(ws, s.cfg.HTTP, log), sess, log, true
}

// tokenFunc extracts the credential from an auth message. ok is false for
// any other valid message.
type tokenFunc func(data []byte) (token string, ok bool, err error)

// handshake admits the session or returns why it was not admitted. A
// non-empty queryToken is validated without reading from the socket.
// Messages other than auth are dropped until the deadline.
func (s *Server) handshake(ctx context.Context, c *conn, sess *session.Session, log *slog.Logger, queryToken string, tokenOf tokenFunc) (auth.Principal, error) {
	deadline := time.Now().Add(s.authTimeout())
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	token := protocol.StripBearer(queryToken)
	if token == "" {
		_ = c.ws.SetReadDeadline(deadline)
		for token == "" {
			kind, data, err := c.ws.ReadMessage()
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					return auth.Principal{}, errHandshakeTimeout
				}
				return auth.Principal{}, err
			}
			if kind != websocket.TextMessage {
				log.Debug("ignoring binary message before authentication", slog.Int("bytes", len(data)))
				continue
			}
			tok, ok, err := tokenOf(data)
			switch {
			case err != nil:
				log.Warn("ignoring malformed message before authentication", slogError(err))
			case !ok:
				log.Warn("ignoring message before authentication")
			default:
				token = tok
			}
		}
	}

	principal, err := s.validator.Validate(ctx, token)
	if err != nil {
		_ = s.sessions.Reject(ctx, sess, err)
		return auth.Principal{}, err
	}
	if err := s.sessions.Authenticate(ctx, sess, principal.Username); err != nil {
		return auth.Principal{}, err
	}
	c.extendReadDeadline()
	return principal, nil
}

func rejectionMessage(err error) string {
	if errors.Is(err, errHandshakeTimeout) {
		return "Auth timeout"
	}
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Err != nil {
		return fmt.Sprintf("Authentication failed: %v", perr.Err)
	}
	return fmt.Sprintf("Authentication failed: %v", err)
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "server shutdown"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return "client closed"
	default:
		return err.Error()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
