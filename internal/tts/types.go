package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/resilience"
)

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	Text  string
	Voice string
	Speed float64
}

// SynthResult is the complete audio for a sentence. Words may be empty, in
// which case timings are estimated from the text.
type SynthResult struct {
	Samples    []float32
	SampleRate int
	Words      []protocol.WordTiming
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error)
}

// NewSynthesizer builds the configured backend behind a circuit breaker.
func NewSynthesizer(cfg config.TTSConfig, breaker config.BreakerConfig, log *slog.Logger) (Synthesizer, error) {
	var (
		s   Synthesizer
		err error
	)
	switch cfg.Mode {
	case "mock", "":
		s = NewMockSynth(cfg.SampleRate)
	case "exec":
		s, err = NewExecSynth(cfg)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return &guardedSynth{
		next:    s,
		breaker: resilience.NewBreaker[SynthResult]("tts-"+cfg.Mode, breaker, log),
	}, nil
}

type guardedSynth struct {
	next    Synthesizer
	breaker *resilience.Breaker[SynthResult]
}

func (g *guardedSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	return g.breaker.Execute(func() (SynthResult, error) {
		return g.next.Synthesize(ctx, req)
	})
}
