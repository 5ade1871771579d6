package playback

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scheduled struct {
	at      time.Duration
	samples int
}

type recordingOutput struct {
	scheduled []scheduled
	stops     int
}

func (o *recordingOutput) Schedule(at time.Duration, samples []float32, _ int) error {
	o.scheduled = append(o.scheduled, scheduled{at: at, samples: len(samples)})
	return nil
}

func (o *recordingOutput) Stop() error {
	o.stops++
	return nil
}

func frame(sentence uint32, ms int) protocol.AudioFrame {
	return protocol.AudioFrame{SentenceIndex: sentence, Samples: make([]float32, 24*ms)}
}

func TestSchedulerPlaysGapless(t *testing.T) {
	clock := &ManualClock{}
	out := &recordingOutput{}
	s := NewScheduler(clock, out, 24000, newLogger())

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(frame(0, 100)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}
	for i, w := range want {
		if out.scheduled[i].at != w {
			t.Fatalf("frame %d: expected start %v, got %v", i, w, out.scheduled[i].at)
		}
	}
	if s.End() != 300*time.Millisecond {
		t.Fatalf("expected timeline end at 300ms, got %v", s.End())
	}
}

func TestSchedulerStartsLateFramesNow(t *testing.T) {
	clock := &ManualClock{}
	out := &recordingOutput{}
	s := NewScheduler(clock, out, 24000, newLogger())

	_, _ = s.Enqueue(frame(0, 100))
	clock.Set(250 * time.Millisecond)
	start, err := s.Enqueue(frame(1, 100))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if start != 250*time.Millisecond {
		t.Fatalf("expected underrun frame to start now, got %v", start)
	}
	if s.remaining() != 100*time.Millisecond {
		t.Fatalf("expected 100ms remaining, got %v", s.remaining())
	}
}

func TestHighlightsAnchorPerSentence(t *testing.T) {
	clock := &ManualClock{}
	out := &recordingOutput{}
	s := NewScheduler(clock, out, 24000, newLogger())

	s.SetWordTimings(0, []protocol.WordTiming{{Word: "hello", StartMS: 0, EndMS: 200}})
	_, _ = s.Enqueue(frame(0, 200))

	// Sentence 1 arrives late, after an underrun.
	clock.Set(500 * time.Millisecond)
	s.SetWordTimings(1, []protocol.WordTiming{
		{Word: "late", StartMS: 0, EndMS: 100},
		{Word: "words", StartMS: 100, EndMS: 300},
	})
	if hs := s.Highlights(); hs[1].State != WordPending {
		t.Fatalf("expected words to stay pending before their audio starts, got %s", hs[1].State)
	}
	_, _ = s.Enqueue(frame(1, 300))

	clock.Set(650 * time.Millisecond)
	hs := s.Highlights()
	if len(hs) != 3 {
		t.Fatalf("expected 3 words, got %d", len(hs))
	}
	states := []WordState{hs[0].State, hs[1].State, hs[2].State}
	want := []WordState{WordPast, WordPast, WordActive}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("word %d: expected %s, got %s", i, want[i], states[i])
		}
	}
	active, ok := s.active()
	if !ok || active.Word.Word != "words" || active.SentenceIndex != 1 {
		t.Fatalf("unexpected active word: %+v", active)
	}
}

func TestSchedulerResetRestartsTimeline(t *testing.T) {
	clock := &ManualClock{}
	out := &recordingOutput{}
	s := NewScheduler(clock, out, 24000, newLogger())

	_, _ = s.Enqueue(frame(0, 1000))
	clock.Set(200 * time.Millisecond)
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if out.stops != 1 {
		t.Fatalf("expected output to be stopped")
	}
	if hs := s.Highlights(); len(hs) != 0 {
		t.Fatalf("expected words to be forgotten, got %+v", hs)
	}
	start, _ := s.Enqueue(frame(5, 100))
	if start != 200*time.Millisecond {
		t.Fatalf("expected new audio to start now, got %v", start)
	}
}

func TestSchedulerResetKeepsAudioStart(t *testing.T) {
	clock := &ManualClock{}
	clock.Set(time.Second)
	out := &recordingOutput{}
	s := NewScheduler(clock, out, 24000, newLogger())

	_, _ = s.Enqueue(frame(0, 500))
	clock.Set(1200 * time.Millisecond)
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.audioStart != time.Second {
		t.Fatalf("expected audio start to stay at 1s, got %v", s.audioStart)
	}

	// Words of the next sentence are still windowed from its own first frame.
	clock.Set(1500 * time.Millisecond)
	s.SetWordTimings(0, []protocol.WordTiming{{Word: "again", StartMS: 0, EndMS: 200}})
	if start, _ := s.Enqueue(frame(0, 200)); start != 1500*time.Millisecond {
		t.Fatalf("expected new audio to start now, got %v", start)
	}
	clock.Set(1600 * time.Millisecond)
	if active, ok := s.active(); !ok || active.Word.Word != "again" {
		t.Fatalf("expected the new word to be active, got %+v (%v)", active, ok)
	}
	clock.Set(1700 * time.Millisecond)
	if hs := s.Highlights(); len(hs) != 1 || hs[0].State != WordPast {
		t.Fatalf("expected the word to be past, got %+v", hs)
	}
}

func TestReleaseStopsOutput(t *testing.T) {
	out := &recordingOutput{}
	s := NewScheduler(&ManualClock{}, out, 24000, newLogger())
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if out.stops != 1 {
		t.Fatalf("expected exactly one stop, got %d", out.stops)
	}
	if _, err := s.Enqueue(frame(0, 10)); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected released error, got %v", err)
	}
}

func TestWAVOutputRendersTimeline(t *testing.T) {
	clock := &ManualClock{}
	out := NewWAVOutput(clock, 24000)
	s := NewScheduler(clock, out, 24000, newLogger())

	tone := protocol.AudioFrame{Samples: make([]float32, 2400)}
	for i := range tone.Samples {
		tone.Samples[i] = 0.5
	}
	_, _ = s.Enqueue(tone)
	_, _ = s.Enqueue(tone)
	clock.Set(s.End())
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Duration() != 200*time.Millisecond {
		t.Fatalf("expected 200ms of audio, got %v", out.Duration())
	}

	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := out.WriteWAV(f); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	_ = f.Close()

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if rate != 24000 || len(samples) != 4800 {
		t.Fatalf("unexpected wav: rate=%d samples=%d", rate, len(samples))
	}
}

func TestWAVOutputStopTruncatesFuture(t *testing.T) {
	clock := &ManualClock{}
	out := NewWAVOutput(clock, 24000)
	_ = out.Schedule(0, make([]float32, 24000), 24000)
	clock.Set(250 * time.Millisecond)
	_ = out.Stop()
	if out.Duration() != 250*time.Millisecond {
		t.Fatalf("expected audio cut at 250ms, got %v", out.Duration())
	}
}
