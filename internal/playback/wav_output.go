package playback

import (
	"io"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// WAVOutput renders the output timeline into memory and writes it as a WAV
// file. Stop drops audio scheduled past the clock's current time.
type WAVOutput struct {
	clock      Clock
	sampleRate int

	mu      sync.Mutex
	samples []float32
}

func NewWAVOutput(clock Clock, sampleRate int) *WAVOutput {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &WAVOutput{clock: clock, sampleRate: sampleRate}
}

func (o *WAVOutput) position(t time.Duration) int {
	return int(int64(t) * int64(o.sampleRate) / int64(time.Second))
}

func (o *WAVOutput) Schedule(at time.Duration, samples []float32, sampleRate int) error {
	if sampleRate != o.sampleRate {
		samples = audio.Resample(samples, sampleRate, o.sampleRate)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	start := o.position(at)
	if end := start + len(samples); end > len(o.samples) {
		grown := make([]float32, end)
		copy(grown, o.samples)
		o.samples = grown
	}
	copy(o.samples[start:], samples)
	return nil
}

func (o *WAVOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cut := o.position(o.clock.Now()); cut < len(o.samples) {
		o.samples = o.samples[:cut]
	}
	return nil
}

// Duration of the rendered timeline.
func (o *WAVOutput) Duration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Duration(len(o.samples)) * time.Second / time.Duration(o.sampleRate)
}

func (o *WAVOutput) WriteWAV(w io.WriteSeeker) error {
	o.mu.Lock()
	samples := append([]float32(nil), o.samples...)
	o.mu.Unlock()
	return audio.WriteWAV(w, samples, o.sampleRate)
}
