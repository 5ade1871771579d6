// Package runtime wires configuration, telemetry, persistence, the event bus
// and the websocket gateway into one process.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/auth"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/gateway"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// busRetention bounds how long lifecycle events stay on the stream.
const busRetention = 24 * time.Hour

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server

	telemetryClose func(context.Context) error
	store          *eventstore.Store
	nats           *natsserver.EmbeddedServer
	bus            *bus.Client
	sessions       *session.Manager

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler, err := r.setup(ctx)
	if err != nil {
		cancel()
		r.wg.Wait()
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// setup builds every component and returns the HTTP handler serving health,
// metrics and the enabled websocket pipelines. Background work is bound to ctx.
func (r *Runtime) setup(ctx context.Context) (http.Handler, error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	validator, err := auth.FromConfig(ctx, r.cfg.Auth, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure auth: %w", err)
	}

	var recognizer stt.Recognizer
	if r.cfg.STT.Enabled {
		recognizer, err = stt.NewRecognizer(r.cfg.STT, r.cfg.Breaker, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure stt: %w", err)
		}
	}
	var synth tts.Synthesizer
	if r.cfg.TTS.Enabled {
		synth, err = tts.NewSynthesizer(r.cfg.TTS, r.cfg.Breaker, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure tts: %w", err)
		}
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	if err := r.store.Ensure(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.RunPruner(ctx, time.Duration(r.cfg.EventStore.PruneIntervalMS)*time.Millisecond)
	}()

	var publisher session.Publisher
	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return nil, err
		}
		publisher = r.bus
	}

	r.sessions = session.NewManager(r.store, publisher, r.logger)
	gw := gateway.New(r.cfg, validator, recognizer, synth, r.sessions, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil && r.cfg.Telemetry.MetricsPath != "" {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	gw.Register(mux)
	if r.cfg.HTTP.InspectSessions {
		mux.HandleFunc("GET /sessions/{id}", sessionHandler(r.store, r.sessions, r.logger))
	}

	r.logger.Info("pipelines configured",
		slog.Bool("stt", recognizer != nil),
		slog.Bool("tts", synth != nil),
		slog.String("auth_mode", r.cfg.Auth.Mode),
		slog.Bool("bus", r.bus != nil),
		slog.Bool("inspect_sessions", r.cfg.HTTP.InspectSessions),
	)
	return mux, nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	r.nats = ns
	if url := ns.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	if err := r.bus.EnsureStream(bus.StreamName, []string{"speech.>"}, busRetention); err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// teardown releases whatever setup managed to build, in reverse order.
func (r *Runtime) teardown(ctx context.Context) {
	r.bus.Close()
	r.bus = nil
	r.nats.Shutdown()
	r.nats = nil
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
		r.telemetryClose = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
