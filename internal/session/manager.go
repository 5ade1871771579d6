package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder persists the session timeline.
type Recorder interface {
	OpenSession(ctx context.Context, rec eventstore.SessionRecord) error
	EndSession(ctx context.Context, sessionID, reason string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Publisher mirrors lifecycle events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, evt protocol.BusEvent) error
}

// Manager tracks open sessions. Recording and publishing are best effort:
// failures are logged and never end a session.
type Manager struct {
	recorder  Recorder
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	rejections metric.Int64Counter
}

func NewManager(recorder Recorder, publisher Publisher, log *slog.Logger) *Manager {
	m := &Manager{
		recorder:  recorder,
		publisher: publisher,
		log:       log.With(slog.String("component", "session-manager")),
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// Open registers a new pending session.
func (m *Manager) Open(dir protocol.Direction, remote string) *Session {
	s := newSession(dir, remote, m.now().UTC())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.log.Debug("session opened", slog.String("session_id", s.ID), slog.String("direction", string(dir)), slog.String("remote", remote))
	return s
}

// Authenticate binds principal to s and starts its recorded timeline.
func (m *Manager) Authenticate(ctx context.Context, s *Session, principal string) error {
	if err := s.transition(AuthAuthenticated, principal); err != nil {
		return err
	}
	m.log.Info("session authenticated",
		slog.String("session_id", s.ID),
		slog.String("direction", string(s.Direction)),
		slog.String("principal", principal))

	if m.recorder != nil {
		rec := eventstore.SessionRecord{
			SessionID: s.ID,
			Direction: string(s.Direction),
			Principal: principal,
			Remote:    s.Remote,
			CreatedAt: s.CreatedAt,
		}
		if err := m.recorder.OpenSession(ctx, rec); err != nil {
			m.log.Warn("failed to record session", slog.String("session_id", s.ID), slogError(err))
		}
	}
	m.publish(ctx, s, protocol.SubjectSessionOpened, "session_opened", protocol.SessionOpened{Principal: principal, Remote: s.Remote})
	return nil
}

// Reject marks s as failed authentication.
func (m *Manager) Reject(ctx context.Context, s *Session, cause error) error {
	if err := s.transition(AuthRejected, ""); err != nil {
		return err
	}
	if m.rejections != nil {
		m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(s.Direction))))
	}
	attrs := []any{slog.String("session_id", s.ID), slog.String("remote", s.Remote)}
	if cause != nil {
		attrs = append(attrs, slogError(cause))
	}
	m.log.Warn("session rejected", attrs...)
	return nil
}

// Close forgets s and ends its timeline. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context, s *Session, reason string) {
	m.mu.Lock()
	_, ok := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if !ok {
		return
	}

	duration := m.now().UTC().Sub(s.CreatedAt)
	m.log.Info("session closed",
		slog.String("session_id", s.ID),
		slog.String("reason", reason),
		slog.Duration("duration", duration))

	if !s.Authenticated() {
		return
	}
	if m.recorder != nil {
		if err := m.recorder.EndSession(ctx, s.ID, reason); err != nil {
			m.log.Warn("failed to record session end", slog.String("session_id", s.ID), slogError(err))
		}
	}
	m.publish(ctx, s, protocol.SubjectSessionClosed, "session_closed", protocol.SessionClosed{Reason: reason, Duration: duration})
}

// Record appends an event to the timeline of an authenticated session and
// mirrors it on subject.
func (m *Manager) Record(ctx context.Context, s *Session, subject, eventType string, payload any) {
	if !s.Authenticated() {
		return
	}
	if m.recorder != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			m.log.Warn("failed to encode event", slog.String("type", eventType), slogError(err))
		} else if err := m.recorder.AppendEvent(ctx, eventstore.Event{SessionID: s.ID, Type: eventType, Payload: data}); err != nil {
			m.log.Warn("failed to record event", slog.String("session_id", s.ID), slog.String("type", eventType), slogError(err))
		}
	}
	m.publish(ctx, s, subject, eventType, payload)
}

func (m *Manager) publish(ctx context.Context, s *Session, subject, eventType string, payload any) {
	if m.publisher == nil {
		return
	}
	evt := protocol.BusEvent{
		SessionID: s.ID,
		Direction: s.Direction,
		Type:      eventType,
		Timestamp: m.now().UTC(),
		Payload:   payload,
	}
	if err := m.publisher.Publish(ctx, subject, evt); err != nil {
		m.log.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// Get returns the open session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count reports open sessions per direction.
func (m *Manager) Count() map[protocol.Direction]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[protocol.Direction]int64{
		protocol.DirectionCaptureToText: 0,
		protocol.DirectionTextToSpeech:  0,
	}
	for _, s := range m.sessions {
		counts[s.Direction]++
	}
	return counts
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("loqa-speech/session")
	gauge, err := meter.Int64ObservableGauge("loqa_speech_sessions_active",
		metric.WithDescription("Open sessions by direction"))
	if err != nil {
		return err
	}
	m.rejections, err = meter.Int64Counter("loqa_speech_auth_rejections_total",
		metric.WithDescription("Sessions rejected during the handshake"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for dir, n := range m.Count() {
			obs.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("direction", string(dir))))
		}
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
