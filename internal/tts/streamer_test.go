package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTTSConfig() config.TTSConfig {
	return config.TTSConfig{
		Enabled:         true,
		Mode:            "mock",
		Voice:           "af_heart",
		Speed:           1,
		SampleRate:      24000,
		ChunkDurationMS: 100,
		TimeoutMS:       2000,
		OnSentenceError: "continue",
	}
}

// fakeSynth returns 250ms of audio per sentence unless told to fail or block.
type fakeSynth struct {
	mu      sync.Mutex
	fail    map[string]error
	block   map[string]chan struct{}
	texts   []string
	samples int
}

func (f *fakeSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	failErr := f.fail[req.Text]
	started := f.block[req.Text]
	n := f.samples
	f.mu.Unlock()

	if started != nil {
		close(started)
		<-ctx.Done()
		return SynthResult{}, ctx.Err()
	}
	if failErr != nil {
		return SynthResult{}, failErr
	}
	if n == 0 {
		n = 6000
	}
	return SynthResult{Samples: make([]float32, n), SampleRate: 24000}, nil
}

type event struct {
	msg   protocol.ServerMessage
	frame *protocol.AudioFrame
}

type recordingSink struct {
	out      chan event
	mu       sync.Mutex
	observed []protocol.SentenceEvent
	failed   []*protocol.Error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{out: make(chan event, 512)}
}

func (r *recordingSink) Send(msg protocol.ServerMessage) error {
	r.out <- event{msg: msg}
	return nil
}

func (r *recordingSink) SendFrame(frame protocol.AudioFrame) error {
	r.out <- event{frame: &frame}
	return nil
}

func (r *recordingSink) SentenceSynthesized(evt protocol.SentenceEvent) {
	r.mu.Lock()
	r.observed = append(r.observed, evt)
	r.mu.Unlock()
}

func (r *recordingSink) SentenceFailed(err *protocol.Error) {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
}

func (r *recordingSink) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.out:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamer output")
	}
	return event{}
}

// collectUntilDone gathers events through the next done message.
func (r *recordingSink) collectUntilDone(t *testing.T) []event {
	t.Helper()
	var events []event
	for {
		e := r.next(t)
		events = append(events, e)
		if _, ok := e.msg.(protocol.Done); ok {
			return events
		}
	}
}

func (r *recordingSink) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.out:
		t.Fatalf("expected no further output, got %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

// describe flattens events into a compact trace such as "wt0 f0 f0 sd0 done".
func describe(events []event) string {
	parts := make([]string, 0, len(events))
	for _, e := range events {
		if e.frame != nil {
			parts = append(parts, "f"+itoa(e.frame.SentenceIndex))
			continue
		}
		switch m := e.msg.(type) {
		case protocol.WordTimings:
			parts = append(parts, "wt"+itoa(m.SentenceIndex))
		case protocol.SentenceDone:
			parts = append(parts, "sd"+itoa(m.SentenceIndex))
		case protocol.SpeakError:
			parts = append(parts, "err"+itoa(*m.SentenceIndex))
		default:
			parts = append(parts, m.MessageType())
		}
	}
	return strings.Join(parts, " ")
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

func TestStreamerOrdersSentenceOutput(t *testing.T) {
	synth := &fakeSynth{}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	if err := s.Append("Hello world. How are you?", "", 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := describe(sink.collectUntilDone(t))
	want := "wt0 f0 f0 f0 sd0 wt1 f1 f1 f1 sd1 done"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.observed) != 2 || sink.observed[1].Text != "How are you?" || sink.observed[1].Samples != 6000 {
		t.Fatalf("unexpected observed sentences: %+v", sink.observed)
	}
}

func TestStreamerFramesCarryChunkedAudio(t *testing.T) {
	synth := &fakeSynth{samples: 5000}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("One.", "", 0)
	events := sink.collectUntilDone(t)
	var sizes []int
	for _, e := range events {
		if e.frame != nil {
			sizes = append(sizes, len(e.frame.Samples))
		}
	}
	if len(sizes) != 3 || sizes[0] != 2400 || sizes[1] != 2400 || sizes[2] != 200 {
		t.Fatalf("unexpected frame sizes: %v", sizes)
	}
	wt, ok := events[0].msg.(protocol.WordTimings)
	if !ok || len(wt.Words) != 1 || wt.Words[0].Word != "One." || wt.Words[0].EndMS != 208 {
		t.Fatalf("unexpected word timings: %+v", events[0].msg)
	}
}

func TestStreamerHoldsIncompleteAppend(t *testing.T) {
	synth := &fakeSynth{}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("Hello wor", "", 0)
	sink.expectQuiet(t)

	_ = s.Append("ld. And then", "", 0)
	if got := describe(sink.collectUntilDone(t)); got != "wt0 f0 f0 f0 sd0 done" {
		t.Fatalf("unexpected trace %q", got)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.texts) != 1 || synth.texts[0] != "Hello world." {
		t.Fatalf("unexpected synthesized texts: %q", synth.texts)
	}
}

func TestStreamerStopMidStream(t *testing.T) {
	started := make(chan struct{})
	synth := &fakeSynth{block: map[string]chan struct{}{"Second.": started}}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("First. Second. Third.", "", 0)
	var before []event
	for {
		e := sink.next(t)
		before = append(before, e)
		if sd, ok := e.msg.(protocol.SentenceDone); ok && sd.SentenceIndex == 0 {
			break
		}
	}
	if got := describe(before); got != "wt0 f0 f0 f0 sd0" {
		t.Fatalf("unexpected trace before stop %q", got)
	}
	<-started

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := sink.next(t).msg.(protocol.Stopped); !ok {
		t.Fatal("expected stopped acknowledgement")
	}
	sink.expectQuiet(t)

	_ = s.Append("Again.", "", 0)
	if got := describe(sink.collectUntilDone(t)); got != "wt2 f2 f2 f2 sd2 done" {
		t.Fatalf("expected numbering to continue after stop, got %q", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 0 {
		t.Fatalf("expected cancelled sentence not to be reported as a failure")
	}
}

func TestStreamerStopDropsPendingText(t *testing.T) {
	synth := &fakeSynth{}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("dangling", "", 0)
	_ = s.Stop()
	if _, ok := sink.next(t).msg.(protocol.Stopped); !ok {
		t.Fatal("expected stopped")
	}
	_ = s.Append(" words.", "", 0)
	sink.collectUntilDone(t)

	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.texts) != 1 || synth.texts[0] != "words." {
		t.Fatalf("expected pending text to be discarded, got %q", synth.texts)
	}
}

func TestStreamerContinuesAfterFailure(t *testing.T) {
	boom := errors.New("voice missing")
	synth := &fakeSynth{fail: map[string]error{"Bad.": boom}}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("Good. Bad. Fine.", "", 0)
	events := sink.collectUntilDone(t)
	if got := describe(events); got != "wt0 f0 f0 f0 sd0 err1 wt2 f2 f2 f2 sd2 done" {
		t.Fatalf("unexpected trace %q", got)
	}
	for _, e := range events {
		if m, ok := e.msg.(protocol.SpeakError); ok && m.Code != protocol.KindSentenceSynthesisFailed {
			t.Fatalf("expected sentence failure code, got %q", m.Code)
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 1 || !errors.Is(sink.failed[0], boom) {
		t.Fatalf("expected one observed failure wrapping the engine error, got %v", sink.failed)
	}
}

func TestStreamerTimeoutIsScopedFailure(t *testing.T) {
	cfg := testTTSConfig()
	cfg.TimeoutMS = 50
	synth := &fakeSynth{block: map[string]chan struct{}{"Slow.": make(chan struct{})}}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), cfg, synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("Slow. Quick.", "", 0)
	if got := describe(sink.collectUntilDone(t)); got != "err0 wt1 f1 f1 f1 sd1 done" {
		t.Fatalf("unexpected trace %q", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.failed) != 1 || sink.failed[0].Index != 0 || !errors.Is(sink.failed[0], context.DeadlineExceeded) {
		t.Fatalf("expected sentence 0 to fail with a deadline error, got %v", sink.failed)
	}
}

func TestStreamerAbortPolicy(t *testing.T) {
	cfg := testTTSConfig()
	cfg.OnSentenceError = "abort"
	synth := &fakeSynth{fail: map[string]error{"Bad.": errors.New("boom")}}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), cfg, synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("Bad. Never.", "", 0)
	if got := describe(sink.collectUntilDone(t)); got != "err0 done" {
		t.Fatalf("unexpected trace %q", got)
	}
	sink.expectQuiet(t)
}

func TestStreamerSynthesizeResetsNumbering(t *testing.T) {
	synth := &fakeSynth{}
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("One. Two.", "", 0)
	sink.collectUntilDone(t)

	_ = s.Append("left over", "", 0)
	if err := s.Synthesize("Three. tail", "", 0); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got := describe(sink.collectUntilDone(t)); got != "wt0 f0 f0 f0 sd0 wt1 f1 f1 f1 sd1 done" {
		t.Fatalf("unexpected trace %q", got)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	last := synth.texts[len(synth.texts)-2:]
	if last[0] != "Three." || last[1] != "tail" {
		t.Fatalf("expected full text including the fragment, got %q", last)
	}
}

func TestStreamerUsesRequestVoiceAndSpeed(t *testing.T) {
	var mu sync.Mutex
	var got SynthRequest
	synth := synthFunc(func(_ context.Context, req SynthRequest) (SynthResult, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return SynthResult{Samples: make([]float32, 100), SampleRate: 24000}, nil
	})
	sink := newRecordingSink()
	s := NewStreamer(context.Background(), testTTSConfig(), synth, sink, newLogger())
	t.Cleanup(s.Close)

	_ = s.Append("Hi.", "bf_emma", 1.5)
	sink.collectUntilDone(t)
	mu.Lock()
	defer mu.Unlock()
	if got.Voice != "bf_emma" || got.Speed != 1.5 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestStreamerClosedRejectsText(t *testing.T) {
	s := NewStreamer(context.Background(), testTTSConfig(), &fakeSynth{}, newRecordingSink(), newLogger())
	s.Close()
	if err := s.Append("Hi.", "", 0); !errors.Is(err, ErrStreamerClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

type synthFunc func(ctx context.Context, req SynthRequest) (SynthResult, error)

func (f synthFunc) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	return f(ctx, req)
}
