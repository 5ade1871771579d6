package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

func transcribeToken(data []byte) (string, bool, error) {
	msg, err := protocol.DecodeTranscribeMessage(data)
	if err != nil {
		return "", false, err
	}
	if m, ok := msg.(protocol.AuthMessage); ok {
		return m.Token, true, nil
	}
	return "", false, nil
}

// transcribeSink forwards ingestor results to the client and the timeline.
type transcribeSink struct {
	ctx      context.Context
	conn     *conn
	sessions *session.Manager
	sess     *session.Session
	log      *slog.Logger
}

func (t *transcribeSink) Transcript(evt protocol.TranscriptEvent) {
	if err := t.conn.send(protocol.Transcript{Text: evt.Text, SegmentID: evt.SegmentID}); err != nil {
		t.log.Debug("dropping transcript", slog.Uint64("segment_id", evt.SegmentID), slogError(err))
		return
	}
	t.sessions.Record(t.ctx, t.sess, protocol.SubjectTranscript, protocol.TypeTranscript, evt)
}

func (t *transcribeSink) SegmentFailed(perr *protocol.Error) {
	id := uint64(perr.Index)
	if err := t.conn.send(protocol.TranscribeError{Error: perr.Err.Error(), Code: perr.Kind, SegmentID: &id}); err != nil {
		t.log.Debug("dropping segment error", slog.Uint64("segment_id", id), slogError(err))
	}
	t.sessions.Record(t.ctx, t.sess, protocol.SubjectSTTError, "segment_failed", protocol.FailureEvent{
		Kind:    perr.Kind,
		Index:   perr.Index,
		Message: perr.Err.Error(),
	})
}

// HandleTranscribe serves the capture-to-text pipeline.
func (s *Server) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	c, sess, log, ok := s.upgrade(w, r, protocol.DirectionCaptureToText)
	if !ok {
		return
	}
	ctx := r.Context()
	reason := "client closed"
	defer func() { s.sessions.Close(ctx, sess, reason) }()

	principal, err := s.handshake(ctx, c, sess, log, r.URL.Query().Get("token"), transcribeToken)
	if err != nil {
		reason = "handshake failed"
		log.Warn("transcribe handshake failed", slogError(err))
		_ = c.send(protocol.TranscribeError{Error: rejectionMessage(err), Code: protocol.KindAuthRejected})
		c.shutdown(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	log.Info("transcribe session started", slog.String("principal", principal.Username))
	if err := c.send(protocol.Connected{}); err != nil {
		c.shutdown(websocket.CloseInternalServerErr, "")
		return
	}

	sink := &transcribeSink{ctx: ctx, conn: c, sessions: s.sessions, sess: sess, log: log}
	ingestor := stt.NewIngestor(ctx, s.cfg.STT, s.recognizer, sink, log)

	err = s.readTranscribe(c, ingestor, log)
	reason = closeReason(err)
	ingestor.Close()
	c.shutdown(websocket.CloseNormalClosure, "")
}

func (s *Server) readTranscribe(c *conn, ingestor *stt.Ingestor, log *slog.Logger) error {
	var hint string
	for {
		kind, data, err := c.read()
		if err != nil {
			return err
		}

		var samples []int16
		switch kind {
		case websocket.BinaryMessage:
			samples, err = protocol.DecodePCM16(data)
			if err != nil {
				s.violation(c, log, err)
				continue
			}
		case websocket.TextMessage:
			msg, err := protocol.DecodeTranscribeMessage(data)
			if err != nil {
				s.violation(c, log, err)
				continue
			}
			switch m := msg.(type) {
			case protocol.AudioMessage:
				hint = m.InitialPrompt
				samples, err = protocol.DecodePCM16(m.Audio)
				if err != nil {
					s.violation(c, log, err)
					continue
				}
			case protocol.CommitMessage:
				committed, err := ingestor.Commit(hint)
				if err != nil {
					return err
				}
				log.Debug("commit received", slog.Bool("segment", committed))
				continue
			case protocol.AuthMessage:
				continue
			}
		default:
			continue
		}

		if err := ingestor.Push(samples, hint); err != nil {
			if errors.Is(err, stt.ErrIngestorClosed) {
				return nil
			}
			return err
		}
	}
}

// violation logs a malformed message and tells the client; the session continues.
func (s *Server) violation(c *conn, log *slog.Logger, err error) {
	log.Warn("ignoring malformed message", slogError(err))
	_ = c.send(protocol.TranscribeError{Error: err.Error(), Code: protocol.KindProtocolViolation})
}
