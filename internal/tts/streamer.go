package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrStreamerClosed is returned once the streamer has shut down.
var ErrStreamerClosed = errors.New("streamer closed")

var errStale = errors.New("stale generation")

// Sink receives the wire output of a session. Calls are serialized.
type Sink interface {
	Send(msg protocol.ServerMessage) error
	SendFrame(frame protocol.AudioFrame) error
}

// Observer is implemented by sinks that also want per-sentence outcomes.
type Observer interface {
	SentenceSynthesized(evt protocol.SentenceEvent)
	SentenceFailed(err *protocol.Error)
}

type queued struct {
	text  string
	voice string
	speed float64
}

type work struct {
	queued
	index  uint32
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Streamer turns text into an ordered stream of word timings, audio frames
// and sentence markers. At most one sentence is synthesized at a time and
// its output is fully emitted before the next sentence starts.
//
// Stop advances a generation counter while holding the emit lock, so any
// output from an older generation is discarded rather than sent.
type Streamer struct {
	cfg        config.TTSConfig
	synth      Synthesizer
	sink       Sink
	observer   Observer
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *streamMetrics
	sampleRate int

	emitMu sync.Mutex

	mu         sync.Mutex
	queue      []queued
	appender   Appender
	generation uint64
	nextIndex  uint32
	busy       bool
	cancelCall context.CancelFunc
	closed     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStreamer(parent context.Context, cfg config.TTSConfig, synth Synthesizer, sink Sink, logger *slog.Logger) *Streamer {
	ctx, cancel := context.WithCancel(parent)
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	s := &Streamer{
		cfg:        cfg,
		synth:      synth,
		sink:       sink,
		logger:     logger.With(slog.String("component", "tts-streamer")),
		tracer:     otel.Tracer("loqa-speech/tts"),
		metrics:    loadStreamMetrics(),
		sampleRate: rate,
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	if obs, ok := sink.(Observer); ok {
		s.observer = obs
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Append adds streamed text. Only complete sentences are queued; an
// incomplete tail waits for more text.
func (s *Streamer) Append(text, voice string, speed float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamerClosed
	}
	s.enqueueLocked(s.appender.Append(text), voice, speed)
	return nil
}

// Synthesize discards all pending work, restarts sentence numbering at zero
// and speaks text in full, including a trailing fragment.
func (s *Streamer) Synthesize(text, voice string, speed float64) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamerClosed
	}
	s.resetLocked()
	s.nextIndex = 0
	sentences := s.appender.Append(text)
	if tail, ok := s.appender.Flush(); ok {
		sentences = append(sentences, tail)
	}
	s.enqueueLocked(sentences, voice, speed)
	return nil
}

// Stop cancels the in-flight sentence, drops queued sentences and pending
// text, and acknowledges with a stopped event. Sentence numbering continues.
func (s *Streamer) Stop() error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamerClosed
	}
	s.resetLocked()
	s.mu.Unlock()
	s.metrics.stops.Add(s.ctx, 1)
	return s.sink.Send(protocol.Stopped{})
}

// Close cancels everything and waits for the worker to exit.
func (s *Streamer) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cancelCall != nil {
		s.cancelCall()
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Streamer) resetLocked() {
	s.generation++
	s.queue = nil
	s.appender.Reset()
	s.busy = false
	if s.cancelCall != nil {
		s.cancelCall()
		s.cancelCall = nil
	}
}

func (s *Streamer) enqueueLocked(sentences []string, voice string, speed float64) {
	if len(sentences) == 0 {
		return
	}
	if voice == "" {
		voice = s.cfg.Voice
	}
	if speed <= 0 {
		speed = s.cfg.Speed
	}
	for _, text := range sentences {
		s.queue = append(s.queue, queued{text: text, voice: voice, speed: speed})
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Streamer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

func (s *Streamer) emit(gen uint64, msg protocol.ServerMessage) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.current(gen) {
		return errStale
	}
	return s.sink.Send(msg)
}

func (s *Streamer) emitFrame(gen uint64, frame protocol.AudioFrame) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.current(gen) {
		return errStale
	}
	return s.sink.SendFrame(frame)
}

func (s *Streamer) run() {
	defer s.wg.Done()
	for {
		w, ok := s.next()
		if !ok {
			return
		}
		if err := s.speak(w); err != nil {
			s.logger.Warn("sink failed, stopping stream", slogError(err))
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
	}
}

// next blocks until a sentence is queued. When the queue drains after
// work, it emits done for that generation first.
func (s *Streamer) next() (work, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return work{}, false
		}
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			w := work{queued: item, index: s.nextIndex, gen: s.generation}
			w.ctx, w.cancel = context.WithCancel(s.ctx)
			s.nextIndex++
			s.cancelCall = w.cancel
			s.busy = true
			s.mu.Unlock()
			return w, true
		}
		drained, gen := s.busy, s.generation
		s.busy = false
		s.mu.Unlock()

		if drained {
			if err := s.emit(gen, protocol.Done{}); err != nil && !errors.Is(err, errStale) {
				s.logger.Warn("failed to send done", slogError(err))
				return work{}, false
			}
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return work{}, false
		}
	}
}

func (s *Streamer) speak(w work) error {
	defer w.cancel()

	ctx, span := s.tracer.Start(w.ctx, "tts.synthesize", trace.WithAttributes(
		attribute.Int64("sentence.index", int64(w.index)),
		attribute.Int("sentence.chars", len(w.text)),
	))
	defer span.End()

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	callCtx, cancelCall := context.WithTimeout(ctx, timeout)
	started := time.Now()
	res, err := s.synth.Synthesize(callCtx, SynthRequest{Text: w.text, Voice: w.voice, Speed: w.speed})
	cancelCall()
	s.metrics.latency.Record(s.ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		if !s.current(w.gen) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail(w, err)
	}

	samples := res.Samples
	if res.SampleRate > 0 && res.SampleRate != s.sampleRate {
		samples = audio.Resample(samples, res.SampleRate, s.sampleRate)
	}
	totalMS := uint32(int64(len(samples)) * 1000 / int64(s.sampleRate))
	words := res.Words
	if len(words) == 0 {
		words = EstimateWordTimings(w.text, len(samples), s.sampleRate)
	} else {
		words = NormalizeWordTimings(words, totalMS)
	}
	if words == nil {
		words = []protocol.WordTiming{}
	}

	if err := s.emit(w.gen, protocol.WordTimings{SentenceIndex: w.index, Words: words}); err != nil {
		return ignoreStale(err)
	}

	chunk := s.sampleRate * s.cfg.ChunkDurationMS / 1000
	if chunk <= 0 {
		chunk = s.sampleRate / 10
	}
	pacing := time.Duration(s.cfg.FramePacingMS) * time.Millisecond
	for off := 0; off < len(samples); off += chunk {
		end := min(off+chunk, len(samples))
		frame := protocol.AudioFrame{SentenceIndex: w.index, Samples: samples[off:end]}
		if err := s.emitFrame(w.gen, frame); err != nil {
			return ignoreStale(err)
		}
		if pacing > 0 && end < len(samples) {
			select {
			case <-time.After(pacing):
			case <-ctx.Done():
				return nil
			}
		}
	}

	if err := s.emit(w.gen, protocol.SentenceDone{SentenceIndex: w.index}); err != nil {
		return ignoreStale(err)
	}
	s.metrics.sentences.Add(s.ctx, 1)
	if s.observer != nil {
		s.observer.SentenceSynthesized(protocol.SentenceEvent{
			SentenceIndex: w.index,
			Text:          w.text,
			Samples:       len(samples),
			Words:         len(words),
		})
	}
	return nil
}

// fail reports a sentence failure and applies the configured policy.
func (s *Streamer) fail(w work, err error) error {
	perr := protocol.SentenceError(w.index, err)
	s.metrics.failures.Add(s.ctx, 1)
	s.logger.Warn("sentence synthesis failed", slog.Uint64("sentence_index", uint64(w.index)), slogError(err))

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.current(w.gen) {
		return nil
	}
	if s.cfg.OnSentenceError == "abort" {
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	}
	idx := w.index
	if err := s.sink.Send(protocol.SpeakError{
		Message:       fmt.Sprintf("synthesis failed: %v", err),
		Code:          perr.Kind,
		SentenceIndex: &idx,
	}); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.SentenceFailed(perr)
	}
	return nil
}

func ignoreStale(err error) error {
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

type streamMetrics struct {
	sentences metric.Int64Counter
	failures  metric.Int64Counter
	stops     metric.Int64Counter
	latency   metric.Float64Histogram
}

var (
	streamMetricsOnce sync.Once
	streamMetricsVal  *streamMetrics
)

func loadStreamMetrics() *streamMetrics {
	streamMetricsOnce.Do(func() {
		meter := otel.Meter("loqa-speech/tts")
		m := &streamMetrics{}
		m.sentences, _ = meter.Int64Counter("loqa_speech_tts_sentences_total",
			metric.WithDescription("Sentences fully streamed"))
		m.failures, _ = meter.Int64Counter("loqa_speech_tts_failures_total",
			metric.WithDescription("Sentences whose synthesis failed"))
		m.stops, _ = meter.Int64Counter("loqa_speech_tts_stops_total",
			metric.WithDescription("Stop requests honoured"))
		m.latency, _ = meter.Float64Histogram("loqa_speech_tts_latency_ms",
			metric.WithDescription("Synthesizer latency per sentence"), metric.WithUnit("ms"))
		streamMetricsVal = m
	})
	return streamMetricsVal
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
