package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ensemblelabs/ensemble-core/internal/bus"
	"github.com/ensemblelabs/ensemble-core/internal/character"
	"github.com/ensemblelabs/ensemble-core/internal/config"
	"github.com/ensemblelabs/ensemble-core/internal/history"
	"github.com/ensemblelabs/ensemble-core/internal/llm"
	"github.com/ensemblelabs/ensemble-core/internal/natsserver"
	"github.com/ensemblelabs/ensemble-core/internal/pipeline"
	"github.com/ensemblelabs/ensemble-core/internal/session"
	"github.com/ensemblelabs/ensemble-core/internal/stt"
	"github.com/ensemblelabs/ensemble-core/internal/transport"
	"github.com/ensemblelabs/ensemble-core/internal/tts"
)

// Runtime hosts one single-user chat backend: the HTTP surface, the
// collaborators built from config, and at most one live client session.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	baseCtx    context.Context
	metrics    *pipeline.Metrics
	catalog    character.Catalog
	generator  llm.Generator
	synth      tts.Synthesizer
	recognizer stt.Recognizer
	store      *history.Store
	busClient  *bus.Client
	embedded   *natsserver.EmbeddedServer

	sessionMu sync.Mutex
	active    *session.Session
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
	r.baseCtx = ctx

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.metrics, err = pipeline.NewMetrics(); err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}

	if err := r.buildCollaborators(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/ws", r.handleWS)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.busClient.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildCollaborators(ctx context.Context) error {
	characters := make([]character.Character, 0, len(r.cfg.Chat.Characters))
	for _, ch := range r.cfg.Chat.Characters {
		sampleRate := ch.SampleRate
		if sampleRate <= 0 {
			sampleRate = 24000
		}
		characters = append(characters, character.Character{
			ID:         ch.ID,
			Name:       ch.Name,
			Voice:      ch.Voice,
			SampleRate: sampleRate,
			Persona:    ch.Persona,
		})
	}
	r.catalog = character.NewStaticCatalog(characters, r.cfg.Chat.DefaultCharacter)

	var err error
	switch r.cfg.LLM.Mode {
	case "ollama":
		r.generator = llm.NewOllamaGenerator(r.cfg.LLM.Endpoint, r.cfg.LLM.Model)
	case "exec":
		if r.generator, err = llm.NewExecGenerator(r.cfg.LLM.Command); err != nil {
			return fmt.Errorf("build llm generator: %w", err)
		}
	default:
		r.generator = llm.NewMockGenerator()
	}

	switch r.cfg.TTS.Mode {
	case "exec":
		if r.synth, err = tts.NewExecSynth(r.cfg.TTS.Command); err != nil {
			return fmt.Errorf("build tts synthesizer: %w", err)
		}
	default:
		r.synth = tts.NewMockSynth(r.cfg.TTS.ChunkDurationMS)
	}

	if r.cfg.STT.Enabled {
		switch r.cfg.STT.Mode {
		case "exec":
			r.recognizer, err = stt.NewExecRecognizer(stt.ExecOptions{
				Command:   r.cfg.STT.Command,
				ModelPath: r.cfg.STT.ModelPath,
				Language:  r.cfg.STT.Language,
			})
			if err != nil {
				return fmt.Errorf("build stt recognizer: %w", err)
			}
		default:
			r.recognizer = stt.NewMockRecognizer()
		}
	}

	if r.store, err = history.Open(ctx, r.cfg.History, r.logger); err != nil {
		return fmt.Errorf("open history store: %w", err)
	}

	if r.cfg.Bus.Enabled {
		if r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			busCfg.Servers = []string{fmt.Sprintf("nats://localhost:%d", busCfg.Port)}
		}
		if r.busClient, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
	}

	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS upgrades a client connection and runs its session. The
// backend is single-user: a second connection while one is live is
// rejected rather than multiplexed.
func (r *Runtime) handleWS(w http.ResponseWriter, req *http.Request) {
	r.sessionMu.Lock()
	busy := r.active != nil
	r.sessionMu.Unlock()
	if busy {
		http.Error(w, "session already active", http.StatusConflict)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := transport.NewConn(ws, r.logger)
	var mirror pipeline.Mirror
	if r.busClient != nil {
		mirror = r.busClient
	}
	sess := session.New(session.Deps{
		Config:     r.cfg,
		Conn:       conn,
		Catalog:    r.catalog,
		Generator:  r.generator,
		Synth:      r.synth,
		Recognizer: r.recognizer,
		History:    r.store,
		Mirror:     mirror,
		Metrics:    r.metrics,
		Logger:     r.logger,
	})

	r.sessionMu.Lock()
	if r.active != nil {
		r.sessionMu.Unlock()
		conn.Close()
		return
	}
	r.active = sess
	r.sessionMu.Unlock()
	defer func() {
		r.sessionMu.Lock()
		r.active = nil
		r.sessionMu.Unlock()
	}()

	if r.store != nil {
		if err := r.store.EnsureSession(req.Context(), sess.ID()); err != nil {
			r.logger.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}

	r.logger.Info("client session started", slog.String("session", sess.ID()))
	if err := sess.Run(r.baseCtx); err != nil {
		r.logger.Error("session ended with error", slog.String("session", sess.ID()), slog.String("error", err.Error()))
		return
	}
	r.logger.Info("client session ended", slog.String("session", sess.ID()))
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
