package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/capability"
	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/display"
	"github.com/loqalabs/loqa-intake/internal/eventstore"
	"github.com/loqalabs/loqa-intake/internal/extract"
	"github.com/loqalabs/loqa-intake/internal/llm"
	"github.com/loqalabs/loqa-intake/internal/media"
	"github.com/loqalabs/loqa-intake/internal/natsserver"
	"github.com/loqalabs/loqa-intake/internal/session"
	"github.com/loqalabs/loqa-intake/internal/stt"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type healthCheck struct {
	name    string
	healthy func() bool
}

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	ready   atomic.Bool
	checks  []healthCheck
	closers []func()

	httpServer *http.Server
	bus        *bus.Client
	store      *eventstore.Store
	registry   *capability.Registry
	hub        *display.Hub
	sessions   *session.Service
	publisher  *media.Publisher
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves HTTP and blocks until ctx is
// cancelled or a component fails. Missing extraction halts startup.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()

	handler, err := r.setup(ctx)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.runRetention(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("media_mode", r.cfg.Media.Mode))

	return g.Wait()
}

// setup starts every component and returns the HTTP handler. Components are
// released by shutdown.
func (r *Runtime) setup(ctx context.Context) (http.Handler, error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onShutdown(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	})

	if err := r.startInfrastructure(ctx); err != nil {
		return nil, err
	}
	if err := r.startServices(ctx); err != nil {
		return nil, err
	}
	r.startMedia(ctx)
	return r.routes(metricsHandler), nil
}

func (r *Runtime) startInfrastructure(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.onShutdown(embedded.Shutdown)
		r.check("nats-server", embedded.Running)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.onShutdown(busClient.Close)
	r.check("bus", busClient.Healthy)
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onShutdown(func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	})
	r.store = store

	registry, err := capability.NewRegistry(ctx, r.cfg.RuntimeName, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}
	r.onShutdown(registry.Close)
	r.check("capabilities", registry.Healthy)
	r.registry = registry

	r.hub = display.NewHub(busClient, r.logger)
	r.publisher = media.NewPublisher(r.cfg.Media, busClient, r.logger)
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busClient := r.bus

	gen, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		r.registry.Register(capability.Capability{Name: capability.Extraction, Reason: err.Error()})
	} else {
		r.registry.Register(capability.Capability{Name: capability.Extraction, Available: true, Backend: r.cfg.LLM.Mode})
	}
	if err := r.registry.Require(capability.Extraction); err != nil {
		return fmt.Errorf("initialization halted: %w", err)
	}

	extractor := extract.NewExtractor(r.cfg.LLM, gen, r.logger)
	extractSvc := extract.NewService(ctx, busClient, extractor, r.logger)
	if err := extractSvc.Start(); err != nil {
		return err
	}
	r.onShutdown(extractSvc.Close)
	r.check("extract", extractSvc.Healthy)

	// The session service subscribes before the recognizer and media report
	// anything, so no status is missed.
	r.sessions = session.NewService(ctx, busClient, r.hub, r.store, r.cfg.STT.Language, r.logger)
	if err := r.sessions.Start(); err != nil {
		return err
	}
	r.onShutdown(r.sessions.Close)
	r.check("session", r.sessions.Healthy)

	if err := r.startSpeech(ctx, busClient); err != nil {
		return err
	}

	if err := r.publisher.Start(); err != nil {
		return err
	}
	r.onShutdown(r.publisher.Close)

	gateway := media.NewGateway(r.publisher, r.logger)
	r.hub.SetInbound(gateway.HandleFrame)
	return nil
}

func (r *Runtime) startSpeech(ctx context.Context, busClient *bus.Client) error {
	if !r.cfg.STT.Enabled {
		r.speechMissing("speech recognition is disabled")
		return nil
	}
	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		r.speechMissing(err.Error())
		return nil
	}
	sttSvc := stt.NewService(ctx, r.cfg.STT, busClient, recognizer, r.logger)
	if err := sttSvc.Start(); err != nil {
		return err
	}
	r.onShutdown(sttSvc.Close)
	r.check("stt", sttSvc.Healthy)
	r.registry.Register(capability.Capability{Name: capability.Speech, Available: true, Backend: r.cfg.STT.Mode})
	return nil
}

func (r *Runtime) speechMissing(reason string) {
	r.registry.Register(capability.Capability{Name: capability.Speech, Reason: reason})
	r.sessions.Submit(session.CapabilityMissing{Capability: capability.Speech, Reason: reason})
}

// startMedia acquires the local capture stream. In client mode the browser
// acquires media itself and reports through the websocket.
func (r *Runtime) startMedia(ctx context.Context) {
	src, err := media.NewSource(r.cfg.Media, r.logger)
	if err != nil {
		r.registry.Register(capability.Capability{Name: capability.MediaCapture, Reason: err.Error()})
		r.sessions.Submit(session.CapabilityMissing{Capability: capability.MediaCapture, Reason: err.Error()})
		return
	}
	if src == nil {
		r.registry.Register(capability.Capability{Name: capability.MediaCapture, Available: true, Backend: r.cfg.Media.Mode})
		return
	}

	stream, err := media.AcquireInto(ctx, src, media.ConstraintsFromConfig(r.cfg.Media), r.publisher)
	if err != nil {
		r.logger.Warn("media acquisition failed", slog.String("error", err.Error()))
		r.registry.Register(capability.Capability{Name: capability.MediaCapture, Backend: r.cfg.Media.Mode, Reason: err.Error()})
		return
	}
	r.onShutdown(stream.Close)
	r.registry.Register(capability.Capability{Name: capability.MediaCapture, Available: true, Backend: r.cfg.Media.Mode})
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle("/ws", r.hub)
	mux.HandleFunc("GET /v1/view", r.hub.ServeView)
	mux.Handle("GET /v1/sessions", r.store.SessionsHandler())
	mux.Handle("GET /v1/sessions/{id}/events", r.store.Handler())
	mux.Handle("/", pageHandler())
	return mux
}

func (r *Runtime) runRetention(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) check(name string, fn func() bool) {
	r.checks = append(r.checks, healthCheck{name: name, healthy: fn})
}

// onShutdown registers fn to run on shutdown, in reverse registration order.
func (r *Runtime) onShutdown(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) shutdown() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) unhealthy() []string {
	var out []string
	for _, c := range r.checks {
		if !c.healthy() {
			out = append(out, c.name)
		}
	}
	return out
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if failing := r.unhealthy(); len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ", ")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
