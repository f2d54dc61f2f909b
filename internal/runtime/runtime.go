package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-cue/internal/audio"
	"github.com/loqalabs/loqa-cue/internal/bus"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/knowledge"
	"github.com/loqalabs/loqa-cue/internal/ledger"
	"github.com/loqalabs/loqa-cue/internal/llm"
	"github.com/loqalabs/loqa-cue/internal/metrics"
	"github.com/loqalabs/loqa-cue/internal/natsserver"
	"github.com/loqalabs/loqa-cue/internal/pipeline"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/loqalabs/loqa-cue/internal/relay"
	"github.com/loqalabs/loqa-cue/internal/stt"
)

var (
	ErrSessionActive = errors.New("session already running")
	ErrNoSession     = errors.New("no session running")
)

type Option func(*Runtime)

// WithAudioOpener replaces the configured capture backend.
func WithAudioOpener(open audio.Opener) Option {
	return func(r *Runtime) { r.opener = open }
}

func WithRecognizer(rec stt.Recognizer) Option {
	return func(r *Runtime) { r.recognizer = rec }
}

func WithGenerator(gen llm.Generator) Option {
	return func(r *Runtime) { r.generator = gen }
}

func WithKnowledge(src knowledge.Source) Option {
	return func(r *Runtime) { r.knowledge = src }
}

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	metrics       *metrics.Instruments
	ledger        *ledger.Store
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	relay         *relay.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
	sessions      sync.WaitGroup
	ended         chan error

	opener     audio.Opener
	recognizer stt.Recognizer
	generator  llm.Generator
	knowledge  knowledge.Source

	mu        sync.Mutex
	coord     *pipeline.Coordinator
	session   protocol.SessionContext
	startedAt time.Time
	lastErr   error
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		ended:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run brings up the runtime, optionally starts a session, and blocks until
// ctx is done. Without the relay there is no way to start another session,
// so Run also returns when the session ends, with its fatal error if any.
func (r *Runtime) Run(ctx context.Context, initial *protocol.SessionContext) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.metrics, err = metrics.New()
	if err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
		r.metrics = nil
	}

	if err := r.open(ctx, metricHandler); err != nil {
		r.close()
		return err
	}

	if initial != nil {
		if _, err := r.StartSession(ctx, *initial); err != nil {
			r.close()
			return fmt.Errorf("start session: %w", err)
		}
	}

	var sessionErr error
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case err := <-r.ended:
			sessionErr = err
			if r.relay == nil {
				break wait
			}
		}
	}

	r.logger.Info("runtime stopping")
	stopCtx, cancelStop := context.WithTimeout(context.Background(), r.cfg.Pipeline.Grace()+5*time.Second)
	defer cancelStop()
	if err := r.StopSession(stopCtx); err != nil && !errors.Is(err, ErrNoSession) {
		r.logger.Error("session stop error", slogError(err))
	}
	r.sessions.Wait()
	r.close()
	return sessionErr
}

func (r *Runtime) open(ctx context.Context, metricHandler http.Handler) error {
	store, err := ledger.Open(ctx, r.cfg.Ledger, r.cfg.Dedup.Window(), r.cfg.Dedup.MaxEntries, r.logger)
	if err != nil {
		return fmt.Errorf("open question ledger: %w", err)
	}
	r.ledger = store

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", metricHandler)
	}

	if r.cfg.HTTP.Enabled {
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = r.serve(addr, mux)
	}
	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = r.serve(r.cfg.Telemetry.PrometheusBind, metricsMux)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.Bool("bus", r.bus != nil), slog.Bool("ledger_persistent", store.Persistent()))
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	var servers []string
	if r.cfg.Bus.Embedded {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, r.logger, servers...)
	if err != nil {
		return err
	}
	r.bus = client
	r.relay = relay.NewService(ctx, client, r, r.cfg.Pipeline.Grace()+5*time.Second, r.logger,
		relay.WithHeartbeat(r.cfg.Bus.Heartbeat()))
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slogError(err))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", addr))
	return server
}

func (r *Runtime) close() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.relay != nil {
		r.relay.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	for _, server := range []*http.Server{r.httpServer, r.metricsServer} {
		if server == nil {
			continue
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			r.logger.Error("ledger close error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

// StartSession builds a fresh pipeline for session and starts it.
func (r *Runtime) StartSession(ctx context.Context, session protocol.SessionContext) (protocol.SessionContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coord != nil {
		return protocol.SessionContext{}, ErrSessionActive
	}

	deps, err := r.sessionDeps()
	if err != nil {
		return protocol.SessionContext{}, err
	}
	coord, err := pipeline.New(deps, pipeline.OptionsFromConfig(r.cfg))
	if err != nil {
		return protocol.SessionContext{}, err
	}
	if err := coord.Start(ctx, session); err != nil {
		r.lastErr = err
		return protocol.SessionContext{}, err
	}

	r.coord = coord
	r.session = coord.Session()
	r.startedAt = time.Now().UTC()
	r.lastErr = nil
	r.sessions.Add(1)
	go r.consume(coord)
	return r.session, nil
}

// StopSession stops the running session and waits for it, bounded by ctx.
func (r *Runtime) StopSession(ctx context.Context) error {
	r.mu.Lock()
	coord := r.coord
	r.mu.Unlock()
	if coord == nil {
		return ErrNoSession
	}
	return coord.Stop(ctx)
}

func (r *Runtime) Status() relay.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := relay.Status{Running: r.coord != nil, Session: r.session}
	if r.coord != nil {
		status.StartedAt = r.startedAt
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

func (r *Runtime) sessionDeps() (pipeline.Deps, error) {
	deps := pipeline.Deps{
		Open:      r.opener,
		Generator: r.generator,
		Knowledge: r.knowledge,
		Metrics:   r.metrics,
		Logger:    r.logger,
	}
	if deps.Open == nil {
		open, err := audio.NewOpener(r.cfg.Audio, r.logger)
		if err != nil {
			return pipeline.Deps{}, err
		}
		deps.Open = open
	}
	if r.recognizer != nil {
		deps.Model = stt.NewModelWith(r.recognizer, r.logger)
	} else {
		deps.Model = stt.NewModel(r.cfg.STT, r.logger)
	}
	if deps.Generator == nil {
		gen, err := llm.New(r.cfg.LLM)
		if err != nil {
			return pipeline.Deps{}, err
		}
		deps.Generator = gen
	}
	if deps.Knowledge == nil {
		deps.Knowledge = knowledge.NewFileSource(r.cfg.Knowledge)
	}
	if r.ledger != nil && r.ledger.Persistent() {
		deps.Ledger = r.ledger
	}
	return deps, nil
}

func (r *Runtime) consume(coord *pipeline.Coordinator) {
	defer r.sessions.Done()
	for ev := range coord.Events() {
		r.logEvent(ev)
		if r.relay != nil {
			if err := r.relay.Publish(ev); err != nil {
				r.logger.Debug("relay publish failed", slogError(err))
			}
		}
	}

	err := coord.Err()
	r.mu.Lock()
	if r.coord == coord {
		r.coord = nil
		r.lastErr = err
	}
	r.mu.Unlock()
	select {
	case r.ended <- err:
	default:
	}
}

func (r *Runtime) logEvent(ev pipeline.Event) {
	log := r.logger.With(slog.String("session_id", ev.SessionID))
	switch {
	case ev.Kind == pipeline.EventTranscript && ev.Transcript != nil:
		if ev.Partial {
			log.Debug("interim transcript", slog.String("text", ev.Transcript.Text))
			return
		}
		log.Info("transcript",
			slog.String("text", ev.Transcript.Text),
			slog.Duration("start", ev.Transcript.Start),
			slog.Float64("confidence", ev.Transcript.Confidence),
		)
	case ev.Kind == pipeline.EventAnswer && ev.Answer != nil && !ev.Partial:
		if ev.Answer.Failed() {
			log.Warn("answer unavailable",
				slog.String("question", ev.Answer.Question),
				slog.String("kind", ev.Answer.ErrorKind),
			)
			return
		}
		log.Info("answer",
			slog.String("question", ev.Answer.Question),
			slog.String("text", ev.Answer.Text),
			slog.Duration("latency", ev.Answer.Latency),
		)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.relay != nil && !r.relay.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.Status().Running {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.Status())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
