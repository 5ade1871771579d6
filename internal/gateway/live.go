package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

func speakToken(data []byte) (string, bool, error) {
	msg, err := protocol.DecodeSpeakMessage(data)
	if err != nil {
		return "", false, err
	}
	if m, ok := msg.(protocol.AuthMessage); ok {
		return m.Token, true, nil
	}
	return "", false, nil
}

// speakSink writes streamer output to the socket and records sentence outcomes.
type speakSink struct {
	ctx      context.Context
	conn     *conn
	sessions *session.Manager
	sess     *session.Session
}

func (s *speakSink) Send(msg protocol.ServerMessage) error {
	return s.conn.send(msg)
}

func (s *speakSink) SendFrame(frame protocol.AudioFrame) error {
	return s.conn.sendFrame(frame)
}

func (s *speakSink) SentenceSynthesized(evt protocol.SentenceEvent) {
	s.sessions.Record(s.ctx, s.sess, protocol.SubjectSentence, protocol.TypeSentenceDone, evt)
}

func (s *speakSink) SentenceFailed(perr *protocol.Error) {
	s.sessions.Record(s.ctx, s.sess, protocol.SubjectTTSError, "sentence_failed", protocol.FailureEvent{
		Kind:    perr.Kind,
		Index:   perr.Index,
		Message: perr.Err.Error(),
	})
}

// HandleLive serves the text-to-speech pipeline. The first accepted
// message must be an auth message.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	c, sess, log, ok := s.upgrade(w, r, protocol.DirectionTextToSpeech)
	if !ok {
		return
	}
	ctx := r.Context()
	reason := "client closed"
	defer func() { s.sessions.Close(ctx, sess, reason) }()

	principal, err := s.handshake(ctx, c, sess, log, "", speakToken)
	if err != nil {
		reason = "handshake failed"
		log.Warn("live handshake failed", slogError(err))
		_ = c.send(protocol.AuthError{Message: rejectionMessage(err)})
		c.shutdown(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	log.Info("live session started", slog.String("principal", principal.Username))
	if err := c.send(protocol.AuthOK{Username: principal.Username}); err != nil {
		c.shutdown(websocket.CloseInternalServerErr, "")
		return
	}

	sink := &speakSink{ctx: ctx, conn: c, sessions: s.sessions, sess: sess}
	streamer := tts.NewStreamer(ctx, s.cfg.TTS, s.synth, sink, log)

	err = s.readLive(c, streamer, log)
	reason = closeReason(err)
	streamer.Close()
	c.shutdown(websocket.CloseNormalClosure, "")
}

func (s *Server) readLive(c *conn, streamer *tts.Streamer, log *slog.Logger) error {
	for {
		kind, data, err := c.read()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			log.Debug("ignoring binary message from speak client", slog.Int("bytes", len(data)))
			continue
		}
		msg, err := protocol.DecodeSpeakMessage(data)
		if err != nil {
			log.Warn("ignoring malformed message", slogError(err))
			_ = c.send(protocol.SpeakError{Message: fmt.Sprintf("Invalid message: %v", err), Code: protocol.KindProtocolViolation})
			continue
		}

		switch m := msg.(type) {
		case protocol.SynthesizeAppendMessage:
			err = streamer.Append(m.Text, m.Voice, m.Speed)
		case protocol.SynthesizeMessage:
			err = streamer.Synthesize(m.Text, m.Voice, m.Speed)
		case protocol.StopMessage:
			err = streamer.Stop()
		case protocol.AuthMessage:
			// Already authenticated.
		}
		if err != nil {
			if errors.Is(err, tts.ErrStreamerClosed) {
				return nil
			}
			return err
		}
	}
}
