package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/resilience"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. pcm is mono PCM16LE at sampleRate;
// prompt is recent transcript text used to bias decoding.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, prompt string) (TranscriptResult, error)
}

// NewRecognizer builds the configured backend behind a circuit breaker.
func NewRecognizer(cfg config.STTConfig, breaker config.BreakerConfig, log *slog.Logger) (Recognizer, error) {
	var (
		r   Recognizer
		err error
	)
	switch cfg.Mode {
	case "mock", "":
		r = NewMockRecognizer()
	case "exec":
		r, err = NewExecRecognizer(cfg)
	case "http":
		r, err = NewHTTPRecognizer(cfg, nil)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return &guardedRecognizer{
		next:    r,
		breaker: resilience.NewBreaker[TranscriptResult]("stt-"+cfg.Mode, breaker, log),
	}, nil
}

type guardedRecognizer struct {
	next    Recognizer
	breaker *resilience.Breaker[TranscriptResult]
}

func (g *guardedRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, prompt string) (TranscriptResult, error) {
	return g.breaker.Execute(func() (TranscriptResult, error) {
		return g.next.Transcribe(ctx, pcm, sampleRate, prompt)
	})
}
