package audio

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Chunk is a fixed-size run of target-rate PCM16 samples ready for transport.
type Chunk struct {
	Samples     []int16
	ContextHint string
}

// CaptureConfig sizes the capture pipeline.
type CaptureConfig struct {
	DeviceRate   int
	TargetRate   int
	ChunkSamples int
	HintChars    int
}

// Capturer turns device-rate float audio into target-rate PCM16 chunks.
// Each chunk carries the tail of the finalized transcript seen so far.
type Capturer struct {
	cfg       CaptureConfig
	mu        sync.Mutex
	resampler *StreamResampler
	pending   []int16
	// hint holds at most HintChars trailing runes of the transcript.
	hint string
}

func NewCapturer(cfg CaptureConfig) *Capturer {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = 16000
	}
	if cfg.DeviceRate <= 0 {
		cfg.DeviceRate = cfg.TargetRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = 4096
	}
	if cfg.HintChars < 0 {
		cfg.HintChars = 0
	}
	return &Capturer{cfg: cfg, resampler: NewStreamResampler(cfg.DeviceRate, cfg.TargetRate)}
}

// Write accepts one device buffer and returns every chunk that became full.
func (c *Capturer) Write(samples []float32) []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	converted := QuantizePCM16(c.resampler.Process(samples))
	c.pending = append(c.pending, converted...)

	var chunks []Chunk
	hint := c.hintLocked()
	for len(c.pending) >= c.cfg.ChunkSamples {
		samples := make([]int16, c.cfg.ChunkSamples)
		copy(samples, c.pending)
		c.pending = c.pending[c.cfg.ChunkSamples:]
		chunks = append(chunks, Chunk{Samples: samples, ContextHint: hint})
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return chunks
}

// Flush returns the buffered remainder as a short chunk.
func (c *Capturer) Flush() (Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return Chunk{}, false
	}
	chunk := Chunk{Samples: c.pending, ContextHint: c.hintLocked()}
	c.pending = nil
	return chunk, true
}

// ObserveTranscript records finalized transcript text for future hints.
func (c *Capturer) ObserveTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.HintChars == 0 {
		return
	}
	if c.hint != "" {
		text = c.hint + " " + text
	}
	c.hint = LastChars(text, c.cfg.HintChars)
}

func (c *Capturer) hintLocked() string {
	if c.cfg.HintChars == 0 {
		return ""
	}
	return c.hint
}

// LastChars returns at most n trailing runes of s.
func LastChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-n:])
}
