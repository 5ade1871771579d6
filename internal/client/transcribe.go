package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

type TranscribeConfig struct {
	URL          string
	Token        string
	DeviceRate   int
	TargetRate   int
	ChunkSamples int
	HintChars    int

	// Capture is the audio source feeding Write. It is closed exactly once
	// when the session ends.
	Capture io.Closer
}

// TranscribeSession converts device audio into wire chunks and delivers the
// server's transcripts on Events.
type TranscribeSession struct {
	*stream
	capturer *audio.Capturer
	events   chan protocol.ServerMessage
	capture  io.Closer
	release  sync.Once
	log      *slog.Logger
}

// DialTranscribe connects with the token in the query string and waits for
// the server to admit the session.
func DialTranscribe(ctx context.Context, cfg TranscribeConfig, log *slog.Logger) (*TranscribeSession, error) {
	releaseCapture := func() {
		if cfg.Capture != nil {
			_ = cfg.Capture.Close()
		}
	}
	wsURL, err := endpoint(cfg.URL, protocol.TranscribePath, url.Values{"token": {cfg.Token}})
	if err != nil {
		releaseCapture()
		return nil, err
	}
	ws, err := dial(ctx, wsURL)
	if err != nil {
		releaseCapture()
		return nil, err
	}
	first, err := readFirst(ws, protocol.DecodeTranscribeEvent)
	if err == nil {
		switch m := first.(type) {
		case protocol.Connected:
		case protocol.TranscribeError:
			err = rejected(m.Error)
		default:
			err = fmt.Errorf("unexpected %s before connected", first.MessageType())
		}
	}
	if err != nil {
		_ = ws.Close()
		releaseCapture()
		return nil, err
	}

	s := &TranscribeSession{
		stream: newStream(ws),
		capturer: audio.NewCapturer(audio.CaptureConfig{
			DeviceRate:   cfg.DeviceRate,
			TargetRate:   cfg.TargetRate,
			ChunkSamples: cfg.ChunkSamples,
			HintChars:    cfg.HintChars,
		}),
		events:  make(chan protocol.ServerMessage, 64),
		capture: cfg.Capture,
		log:     log.With(slog.String("component", "transcribe-client")),
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

// Events is closed when the session ends.
func (s *TranscribeSession) Events() <-chan protocol.ServerMessage { return s.events }

// Write feeds one device buffer and sends every chunk that became full.
func (s *TranscribeSession) Write(samples []float32) error {
	for _, chunk := range s.capturer.Write(samples) {
		if err := s.sendChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Commit sends any buffered remainder and forces the server to finalize
// the current segment.
func (s *TranscribeSession) Commit() error {
	if chunk, ok := s.capturer.Flush(); ok {
		if err := s.sendChunk(chunk); err != nil {
			return err
		}
	}
	return s.writeJSON(map[string]string{"type": protocol.TypeCommit})
}

func (s *TranscribeSession) sendChunk(chunk audio.Chunk) error {
	msg := map[string]string{
		"audio": base64.StdEncoding.EncodeToString(protocol.EncodePCM16(chunk.Samples)),
	}
	if chunk.ContextHint != "" {
		msg["initial_prompt"] = chunk.ContextHint
	}
	return s.writeJSON(msg)
}

// Wait blocks until the session ends and returns the transport error, if any.
func (s *TranscribeSession) Wait() error {
	<-s.done
	return s.waitErr()
}

// Close ends the session and releases the capture source.
func (s *TranscribeSession) Close() error {
	s.close()
	<-s.done
	return s.waitErr()
}

func (s *TranscribeSession) releaseCapture() {
	s.release.Do(func() {
		if s.capture == nil {
			return
		}
		if err := s.capture.Close(); err != nil {
			s.log.Warn("failed to close capture source", slog.String("error", err.Error()))
		}
	})
}

func (s *TranscribeSession) readLoop() {
	defer close(s.done)
	defer close(s.events)
	defer s.releaseCapture()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		msg, err := protocol.DecodeTranscribeEvent(data)
		if err != nil {
			s.log.Warn("dropping malformed event", slog.String("error", err.Error()))
			continue
		}
		if t, ok := msg.(protocol.Transcript); ok {
			s.capturer.ObserveTranscript(t.Text)
		}
		select {
		case s.events <- msg:
		case <-s.closing:
			return
		}
	}
}
