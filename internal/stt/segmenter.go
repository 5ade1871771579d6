package stt

import (
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/vad"
)

// SegmenterConfig is expressed in milliseconds and converted to samples
// at SampleRate.
type SegmenterConfig struct {
	SampleRate   int
	Threshold    float64
	FrameMS      int
	SilenceMS    int
	MinSpeechMS  int
	MaxSegmentMS int
	OverlapMS    int
}

func SegmenterConfigFrom(cfg config.STTConfig) SegmenterConfig {
	return SegmenterConfig{
		SampleRate:   cfg.SampleRate,
		Threshold:    cfg.EnergyThreshold,
		FrameMS:      cfg.FrameDurationMS,
		SilenceMS:    cfg.SilenceMS,
		MinSpeechMS:  cfg.MinSpeechMS,
		MaxSegmentMS: cfg.MaxSegmentMS,
		OverlapMS:    cfg.OverlapMS,
	}
}

// Segment is a finalized span of audio. Samples starts with Overlap
// samples carried over from the previous segment.
type Segment struct {
	ID      uint64
	Samples []int16
	Overlap int
	Forced  bool
}

// Duration of the segment including its leading overlap.
func (s Segment) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(sampleRate)
}

// Segmenter accumulates PCM16 audio and cuts it into segments at speech
// pauses, at the maximum duration, or on commit. It is not safe for
// concurrent use.
type Segmenter struct {
	detector *vad.Detector

	frame      int
	silence    int
	minSpeech  int
	maxSamples int
	overlap    int

	buf     []int16
	carried int
	scanned int

	speechStart int
	speechEnd   int
	speechSeen  bool
	silenceRun  int

	nextID uint64
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 30
	}
	perMS := func(ms int) int { return ms * cfg.SampleRate / 1000 }
	s := &Segmenter{
		detector:   vad.NewDetector(cfg.Threshold),
		frame:      perMS(cfg.FrameMS),
		silence:    perMS(cfg.SilenceMS),
		minSpeech:  perMS(cfg.MinSpeechMS),
		maxSamples: perMS(cfg.MaxSegmentMS),
		overlap:    perMS(cfg.OverlapMS),
	}
	if s.frame <= 0 {
		s.frame = 1
	}
	return s
}

// Push appends samples and returns any segments finalized by them.
func (s *Segmenter) Push(samples []int16) []Segment {
	s.buf = append(s.buf, samples...)
	var out []Segment
	for s.scanned+s.frame <= len(s.buf) {
		start := s.scanned
		s.scanned += s.frame
		if s.detector.IsSpeech(s.buf[start:s.scanned]) {
			if !s.speechSeen {
				s.speechSeen = true
				s.speechStart = start
			}
			s.speechEnd = s.scanned
			s.silenceRun = 0
		} else if s.speechSeen {
			s.silenceRun += s.frame
		}

		if s.speechSeen && s.silenceRun >= s.silence {
			if s.speechEnd-s.speechStart >= s.minSpeech {
				out = append(out, s.cut(s.scanned, false))
				continue
			}
			// Too short to be speech; treat the burst as noise.
			s.speechSeen = false
			s.silenceRun = 0
		}

		if s.maxSamples > 0 && s.scanned-s.carried >= s.maxSamples {
			if s.speechSeen {
				out = append(out, s.cut(s.scanned, true))
			} else {
				s.trim(s.scanned)
			}
		}
	}
	return out
}

// Commit finalizes whatever new audio is buffered. It reports false when
// nothing beyond the carried overlap is pending.
func (s *Segmenter) Commit() (Segment, bool) {
	if len(s.buf)-s.carried <= 0 {
		return Segment{}, false
	}
	return s.cut(len(s.buf), true), true
}

// Pending is the number of buffered samples not yet part of any segment.
func (s *Segmenter) Pending() int {
	return len(s.buf) - s.carried
}

func (s *Segmenter) cut(end int, forced bool) Segment {
	seg := Segment{
		ID:      s.nextID,
		Samples: append([]int16(nil), s.buf[:end]...),
		Overlap: s.carried,
		Forced:  forced,
	}
	s.nextID++
	s.trim(end)
	return seg
}

// trim discards buf[:end] except the trailing overlap window.
func (s *Segmenter) trim(end int) {
	keep := s.overlap
	if keep > end {
		keep = end
	}
	rest := s.buf[end:]
	next := make([]int16, 0, keep+len(rest))
	next = append(next, s.buf[end-keep:end]...)
	next = append(next, rest...)
	s.buf = next
	s.carried = keep
	s.scanned = keep
	s.speechSeen = false
	s.speechStart = 0
	s.speechEnd = 0
	s.silenceRun = 0
	s.detector.Reset()
}
