package tts

import (
	"context"
	"math"
	"time"
	"unicode/utf8"
)

const (
	mockPerRune   = 60 * time.Millisecond
	mockMinLength = 200 * time.Millisecond
	mockToneHz    = 220
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer that renders a quiet tone whose length
// follows the text length and speed.
func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	if err := ctx.Err(); err != nil {
		return SynthResult{}, err
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	length := time.Duration(float64(utf8.RuneCountInString(req.Text)) * float64(mockPerRune) / speed)
	if length < mockMinLength {
		length = mockMinLength
	}
	n := int(int64(length) * int64(m.sampleRate) / int64(time.Second))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)))
	}
	return SynthResult{Samples: samples, SampleRate: m.sampleRate}, nil
}
