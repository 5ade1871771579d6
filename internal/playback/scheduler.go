// Package playback lays synthesized audio frames onto a gapless output
// timeline and tracks which word is being spoken.
package playback

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// ErrReleased is returned for frames enqueued after Release.
var ErrReleased = errors.New("playback released")

// Output is an audio device that can start buffers at a clock time.
type Output interface {
	Schedule(at time.Duration, samples []float32, sampleRate int) error
	// Stop silences everything scheduled that has not played yet.
	Stop() error
}

type WordState int

const (
	WordPending WordState = iota
	WordActive
	WordPast
)

func (s WordState) String() string {
	switch s {
	case WordActive:
		return "active"
	case WordPast:
		return "past"
	default:
		return "pending"
	}
}

// Highlight is a word with its state at the time of the query.
type Highlight struct {
	SentenceIndex uint32
	Word          protocol.WordTiming
	State         WordState
}

// Scheduler starts each frame at max(now, end of the previous frame), so
// audio plays without gaps or overlaps. Word windows are relative to the
// actual start of their sentence, recorded when its first frame is queued.
type Scheduler struct {
	clock      Clock
	out        Output
	sampleRate int
	logger     *slog.Logger

	mu         sync.Mutex
	// audioStart is fixed for the life of the scheduler.
	audioStart time.Duration
	nextPlay   time.Duration
	anchors    map[uint32]time.Duration
	words      map[uint32][]protocol.WordTiming
	released   bool
}

func NewScheduler(clock Clock, out Output, sampleRate int, logger *slog.Logger) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	now := clock.Now()
	return &Scheduler{
		clock:      clock,
		out:        out,
		sampleRate: sampleRate,
		logger:     logger.With(slog.String("component", "playback")),
		audioStart: now,
		nextPlay:   now,
		anchors:    make(map[uint32]time.Duration),
		words:      make(map[uint32][]protocol.WordTiming),
	}
}

// Enqueue schedules a frame and returns its start time on the output clock.
func (s *Scheduler) Enqueue(frame protocol.AudioFrame) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return 0, ErrReleased
	}
	duration := time.Duration(len(frame.Samples)) * time.Second / time.Duration(s.sampleRate)
	start := s.clock.Now()
	if s.nextPlay > start {
		start = s.nextPlay
	}
	if _, ok := s.anchors[frame.SentenceIndex]; !ok {
		s.anchors[frame.SentenceIndex] = start - s.audioStart
	}
	if err := s.out.Schedule(start, frame.Samples, s.sampleRate); err != nil {
		return 0, err
	}
	s.nextPlay = start + duration
	return start, nil
}

// SetWordTimings records the word windows for a sentence.
func (s *Scheduler) SetWordTimings(sentence uint32, words []protocol.WordTiming) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words[sentence] = append([]protocol.WordTiming(nil), words...)
}

// remaining is how much scheduled audio has not played yet.
func (s *Scheduler) remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.nextPlay - s.clock.Now(); r > 0 {
		return r
	}
	return 0
}

// End is the output clock time at which scheduled audio finishes.
func (s *Scheduler) End() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlay
}

// Highlights returns every known word, ordered by sentence, with its state
// at the current output time. Words of a sentence that has not started
// playing are pending.
func (s *Scheduler) Highlights() []Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.clock.Now() - s.audioStart

	sentences := make([]uint32, 0, len(s.words))
	for idx := range s.words {
		sentences = append(sentences, idx)
	}
	sort.Slice(sentences, func(i, j int) bool { return sentences[i] < sentences[j] })

	var out []Highlight
	for _, idx := range sentences {
		anchor, started := s.anchors[idx]
		for _, w := range s.words[idx] {
			state := WordPending
			if started {
				begin := anchor + time.Duration(w.StartMS)*time.Millisecond
				end := anchor + time.Duration(w.EndMS)*time.Millisecond
				switch {
				case elapsed >= end:
					state = WordPast
				case elapsed >= begin:
					state = WordActive
				}
			}
			out = append(out, Highlight{SentenceIndex: idx, Word: w, State: state})
		}
	}
	return out
}

// active returns the word currently being spoken, if any.
func (s *Scheduler) active() (Highlight, bool) {
	for _, h := range s.Highlights() {
		if h.State == WordActive {
			return h, true
		}
	}
	return Highlight{}, false
}

// Reset silences queued audio and forgets every sentence, as after a stop.
// The audio start captured at creation is kept; new frames play from now.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	s.nextPlay = s.clock.Now()
	s.anchors = make(map[uint32]time.Duration)
	s.words = make(map[uint32][]protocol.WordTiming)
	return s.out.Stop()
}

// Release stops the output and rejects further frames. It is safe to call
// more than once.
func (s *Scheduler) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if err := s.out.Stop(); err != nil {
		s.logger.Warn("failed to stop output", slog.String("error", err.Error()))
		return err
	}
	return nil
}
