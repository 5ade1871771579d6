package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

type SpeakConfig struct {
	URL        string
	Token      string
	Voice      string
	Speed      float64
	SampleRate int
}

// SpeakSession streams text to the server and schedules the returned audio
// on a playback timeline. Control events are delivered on Events; audio
// frames and word timings go straight to the scheduler.
type SpeakSession struct {
	*stream
	cfg       SpeakConfig
	scheduler *playback.Scheduler
	events    chan protocol.ServerMessage
	username  string
	log       *slog.Logger

	// stopping drops audio sent before the server acknowledged a stop.
	stopping atomic.Bool
}

// DialSpeak connects and authenticates. The output is stopped and released
// when the session ends, including when the handshake fails.
func DialSpeak(ctx context.Context, cfg SpeakConfig, clock playback.Clock, out playback.Output, log *slog.Logger) (*SpeakSession, error) {
	scheduler := playback.NewScheduler(clock, out, cfg.SampleRate, log)
	wsURL, err := endpoint(cfg.URL, protocol.LivePath, nil)
	if err != nil {
		_ = scheduler.Release()
		return nil, err
	}
	ws, err := dial(ctx, wsURL)
	if err != nil {
		_ = scheduler.Release()
		return nil, err
	}
	fail := func(err error) (*SpeakSession, error) {
		_ = ws.Close()
		_ = scheduler.Release()
		return nil, err
	}

	if err := ws.WriteJSON(map[string]string{"type": protocol.TypeAuth, "token": cfg.Token}); err != nil {
		return fail(fmt.Errorf("send auth: %w", err))
	}
	first, err := readFirst(ws, protocol.DecodeSpeakEvent)
	if err != nil {
		return fail(err)
	}
	var username string
	switch m := first.(type) {
	case protocol.AuthOK:
		username = m.Username
	case protocol.AuthError:
		return fail(rejected(m.Message))
	default:
		return fail(fmt.Errorf("unexpected %s before auth_ok", first.MessageType()))
	}

	s := &SpeakSession{
		stream:    newStream(ws),
		cfg:       cfg,
		scheduler: scheduler,
		events:    make(chan protocol.ServerMessage, 64),
		username:  username,
		log:       log.With(slog.String("component", "speak-client")),
	}
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (s *SpeakSession) Username() string { return s.username }

func (s *SpeakSession) Scheduler() *playback.Scheduler { return s.scheduler }

// Events is closed when the session ends.
func (s *SpeakSession) Events() <-chan protocol.ServerMessage { return s.events }

// Append streams more of the document; the server speaks complete sentences.
func (s *SpeakSession) Append(text string) error {
	return s.writeJSON(s.request(protocol.TypeSynthesizeAppend, text))
}

// Synthesize restarts the document and speaks text in full.
func (s *SpeakSession) Synthesize(text string) error {
	if err := s.scheduler.Reset(); err != nil {
		return err
	}
	return s.writeJSON(s.request(protocol.TypeSynthesize, text))
}

// Stop asks the server to abandon queued sentences and silences local
// playback. Audio still in flight is discarded until the server confirms.
func (s *SpeakSession) Stop() error {
	s.stopping.Store(true)
	if err := s.writeJSON(map[string]string{"type": protocol.TypeStop}); err != nil {
		return err
	}
	return s.scheduler.Reset()
}

func (s *SpeakSession) request(kind, text string) map[string]any {
	req := map[string]any{"type": kind, "text": text}
	if s.cfg.Voice != "" {
		req["voice"] = s.cfg.Voice
	}
	if s.cfg.Speed > 0 {
		req["speed"] = s.cfg.Speed
	}
	return req
}

// Wait blocks until the session ends and returns the transport error, if any.
func (s *SpeakSession) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close ends the session and releases playback.
func (s *SpeakSession) Close() error {
	s.close()
	<-s.done
	return s.waitErr()
}

func (s *SpeakSession) readLoop() {
	defer close(s.done)
	defer close(s.events)
	defer func() { _ = s.scheduler.Release() }()

	for {
		kind, data, err := s.ws.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		if kind == websocket.BinaryMessage {
			if s.stopping.Load() {
				continue
			}
			frame, err := protocol.DecodeFrame(data)
			if err != nil {
				s.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
				continue
			}
			if _, err := s.scheduler.Enqueue(frame); err != nil {
				s.log.Warn("failed to schedule frame", slog.String("error", err.Error()))
			}
			continue
		}
		msg, err := protocol.DecodeSpeakEvent(data)
		if err != nil {
			s.log.Warn("dropping malformed event", slog.String("error", err.Error()))
			continue
		}
		switch m := msg.(type) {
		case protocol.WordTimings:
			if s.stopping.Load() {
				continue
			}
			s.scheduler.SetWordTimings(m.SentenceIndex, m.Words)
		case protocol.Stopped:
			s.stopping.Store(false)
			_ = s.scheduler.Reset()
		}
		select {
		case s.events <- msg:
		case <-s.closing:
			return
		}
	}
}
