package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrIngestorClosed is returned by Push and Commit after Close.
var ErrIngestorClosed = errors.New("ingestor closed")

// Sink receives the results of one session's transcription worker.
// Calls are made from a single goroutine in segment order.
type Sink interface {
	Transcript(evt protocol.TranscriptEvent)
	SegmentFailed(err *protocol.Error)
}

type job struct {
	seg  Segment
	hint string
}

// Ingestor owns a session's segmenter and its transcription worker.
// Segments are transcribed strictly one at a time in finalization order.
type Ingestor struct {
	cfg        config.STTConfig
	recognizer Recognizer
	sink       Sink
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *ingestMetrics

	mu        sync.Mutex
	segmenter *Segmenter
	closed    bool

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewIngestor(parent context.Context, cfg config.STTConfig, recognizer Recognizer, sink Sink, logger *slog.Logger) *Ingestor {
	ctx, cancel := context.WithCancel(parent)
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 16
	}
	in := &Ingestor{
		cfg:        cfg,
		recognizer: recognizer,
		sink:       sink,
		logger:     logger.With(slog.String("component", "stt-ingestor")),
		tracer:     otel.Tracer("loqa-speech/stt"),
		metrics:    loadIngestMetrics(),
		segmenter:  NewSegmenter(SegmenterConfigFrom(cfg)),
		jobs:       make(chan job, queue),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	in.wg.Add(1)
	go in.run()
	return in
}

// Push feeds PCM16 samples at the configured rate. hint is the caller's
// recent transcript context, attached to any segment finalized by this call.
// Push blocks while the transcription queue is full.
func (in *Ingestor) Push(samples []int16, hint string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return ErrIngestorClosed
	}
	for _, seg := range in.segmenter.Push(samples) {
		if err := in.enqueueLocked(seg, hint); err != nil {
			return err
		}
	}
	return nil
}

// Commit force-finalizes pending audio. It reports whether a segment was
// queued; an empty buffer is a no-op.
func (in *Ingestor) Commit(hint string) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false, ErrIngestorClosed
	}
	seg, ok := in.segmenter.Commit()
	if !ok {
		return false, nil
	}
	return true, in.enqueueLocked(seg, hint)
}

func (in *Ingestor) enqueueLocked(seg Segment, hint string) error {
	in.metrics.segments.Add(in.ctx, 1, metric.WithAttributes(attribute.Bool("forced", seg.Forced)))
	in.logger.Debug("segment finalized",
		slog.Uint64("segment_id", seg.ID),
		slog.Duration("duration", seg.Duration(in.cfg.SampleRate)),
		slog.Bool("forced", seg.Forced),
	)
	select {
	case in.jobs <- job{seg: seg, hint: hint}:
		return nil
	case <-in.ctx.Done():
		return ErrIngestorClosed
	}
}

// Close cancels any in-flight transcription and waits for the worker.
// Queued segments are discarded.
func (in *Ingestor) Close() {
	in.cancel()
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Ingestor) run() {
	defer in.wg.Done()
	for {
		select {
		case <-in.ctx.Done():
			return
		case j := <-in.jobs:
			in.process(j)
		}
	}
}

func (in *Ingestor) process(j job) {
	timeout := time.Duration(in.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(in.ctx, timeout)
	defer cancel()

	ctx, span := in.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int64("segment.id", int64(j.seg.ID)),
		attribute.Int("segment.samples", len(j.seg.Samples)),
		attribute.Bool("segment.forced", j.seg.Forced),
	))
	defer span.End()

	started := in.now()
	result, err := in.recognizer.Transcribe(ctx, protocol.EncodePCM16(j.seg.Samples), in.cfg.SampleRate, j.hint)
	in.metrics.latency.Record(in.ctx, float64(in.now().Sub(started).Milliseconds()))

	if in.ctx.Err() != nil {
		// Session went away; nobody is listening for this result.
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.metrics.failures.Add(in.ctx, 1)
		in.logger.Warn("segment transcription failed", slog.Uint64("segment_id", j.seg.ID), slogError(err))
		in.sink.SegmentFailed(protocol.SegmentError(j.seg.ID, err))
		return
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		in.logger.Debug("empty transcript dropped", slog.Uint64("segment_id", j.seg.ID))
		return
	}
	in.sink.Transcript(protocol.TranscriptEvent{
		SegmentID: j.seg.ID,
		Text:      text,
		Timestamp: in.now().UTC(),
	})
}

type ingestMetrics struct {
	segments metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

var (
	ingestMetricsOnce sync.Once
	ingestMetricsVal  *ingestMetrics
)

func loadIngestMetrics() *ingestMetrics {
	ingestMetricsOnce.Do(func() {
		meter := otel.Meter("loqa-speech/stt")
		m := &ingestMetrics{}
		m.segments, _ = meter.Int64Counter("loqa_speech_stt_segments_total",
			metric.WithDescription("Segments finalized for transcription"))
		m.failures, _ = meter.Int64Counter("loqa_speech_stt_failures_total",
			metric.WithDescription("Segments whose transcription failed"))
		m.latency, _ = meter.Float64Histogram("loqa_speech_stt_latency_ms",
			metric.WithDescription("Recognizer latency per segment"), metric.WithUnit("ms"))
		ingestMetricsVal = m
	})
	return ingestMetricsVal
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
