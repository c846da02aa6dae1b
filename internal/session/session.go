package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensemblelabs/ensemble-core/internal/character"
	"github.com/ensemblelabs/ensemble-core/internal/config"
	"github.com/ensemblelabs/ensemble-core/internal/history"
	"github.com/ensemblelabs/ensemble-core/internal/llm"
	"github.com/ensemblelabs/ensemble-core/internal/pipeline"
	"github.com/ensemblelabs/ensemble-core/internal/protocol"
	"github.com/ensemblelabs/ensemble-core/internal/stt"
	"github.com/ensemblelabs/ensemble-core/internal/transport"
	"github.com/ensemblelabs/ensemble-core/internal/tts"
)

// shutdownGrace bounds how long teardown waits for the worker loops
// before logging them as leaked.
const shutdownGrace = 5 * time.Second

// Deps wires one client session. Recognizer, History and Mirror are
// optional.
type Deps struct {
	Config     config.Config
	Conn       *transport.Conn
	Catalog    character.Catalog
	Generator  llm.Generator
	Synth      tts.Synthesizer
	Recognizer stt.Recognizer
	History    *history.Store
	Mirror     pipeline.Mirror
	Metrics    *pipeline.Metrics
	Logger     *slog.Logger
}

// Session owns the three pipeline queues, the worker loops, the
// orchestrator and the inbound dispatch for one client connection.
type Session struct {
	id   string
	conn *transport.Conn
	log  *slog.Logger

	orchestrator *pipeline.Orchestrator
	worker       *pipeline.TTSWorker
	streamer     *pipeline.Streamer
	listener     *stt.Listener

	recognizer stt.Recognizer
	sttOpts    stt.ListenerOptions
}

func New(d Deps) *Session {
	id := uuid.NewString()
	log := d.Logger.With(slog.String("session", id))

	gen := &pipeline.Generation{}
	ingress := pipeline.NewQueue[string](pipeline.IngressQueueCap)
	sentences := pipeline.NewQueue[pipeline.Sentence](pipeline.SentenceQueueCap)
	audio := pipeline.NewQueue[pipeline.AudioChunk](pipeline.AudioQueueCap)

	streamer := pipeline.NewStreamer(audio, d.Conn, gen, d.Metrics, log)
	worker := pipeline.NewTTSWorker(sentences, audio, d.Synth, gen, d.Metrics, log)

	var recorder pipeline.HistoryRecorder
	if d.History != nil {
		recorder = d.History.ForSession(id)
	}

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorDeps{
		Ingress:      ingress,
		Sentences:    sentences,
		Audio:        audio,
		Catalog:      d.Catalog,
		Generator:    d.Generator,
		Sender:       d.Conn,
		Streamer:     streamer,
		Gen:          gen,
		History:      recorder,
		Mirror:       d.Mirror,
		SessionID:    id,
		Options: pipeline.LLMOptions{
			Model:       d.Config.LLM.Model,
			MaxTokens:   d.Config.LLM.MaxTokens,
			Temperature: d.Config.LLM.Temperature,
		},
		HistoryDepth: d.Config.History.ContextDepth,
		Metrics:      d.Metrics,
		Logger:       log,
	})

	return &Session{
		id:           id,
		conn:         d.Conn,
		log:          log,
		orchestrator: orchestrator,
		worker:       worker,
		streamer:     streamer,
		recognizer:   d.Recognizer,
		sttOpts: stt.ListenerOptions{
			SampleRate:     d.Config.STT.SampleRate,
			PartialEvery:   time.Duration(d.Config.STT.PartialEveryMS) * time.Millisecond,
			PublishInterim: d.Config.STT.PublishInterim,
		},
	}
}

func (s *Session) ID() string { return s.id }

// Run drives the session until the client disconnects, a worker task
// crashes, or ctx is cancelled.
func (s *Session) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if s.recognizer != nil {
		s.listener = stt.NewListener(ctx, s.sttOpts, s.recognizer, stt.Callbacks{
			OnUpdate: func(text string) {
				s.sendTranscription(ctx, protocol.TypeTranscriptionUpdate, text)
			},
			OnStabilized: func(text string) {
				s.sendTranscription(ctx, protocol.TypeTranscriptionStabilized, text)
			},
			OnFinal: func(text string) {
				s.sendTranscription(ctx, protocol.TypeTranscriptionFinished, text)
				s.orchestrator.Submit(text)
			},
		}, s.log)
	}

	type exit struct {
		name string
		err  error
	}
	exits := make(chan exit, 3)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exits <- exit{name: name, err: runTask(ctx, name, fn, s.log)}
		}()
	}
	start("orchestrator", s.orchestrator.Run)
	start("tts-worker", s.worker.Run)
	start("audio-streamer", s.streamer.Run)

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx) }()

	var cause error
	select {
	case <-ctx.Done():
	case e := <-exits:
		if e.err != nil {
			cause = fmt.Errorf("worker task %s failed: %w", e.name, e.err)
		}
	case err := <-readErr:
		if err != nil {
			s.log.Info("client disconnected", slog.String("reason", err.Error()))
		}
	}
	cancel()
	s.conn.Close()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.log.Error("worker tasks leaked at shutdown",
			slog.Duration("grace", shutdownGrace))
	}
	return cause
}

// runTask guards a worker loop against programming defects: a panic is
// logged with the task name and escalates to session teardown.
func runTask(ctx context.Context, name string, fn func(context.Context) error, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("worker task crashed", slog.String("task", name), slog.Any("panic", r))
		}
	}()
	return fn(ctx)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			return err
		}
		if err := s.handle(ctx, frame); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, frame transport.Frame) error {
	if frame.Binary != nil {
		if s.listener != nil {
			s.listener.Feed(frame.Binary)
		}
		return nil
	}
	env := frame.Envelope
	switch env.Type {
	case protocol.TypeUserMessage:
		var m protocol.UserMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			s.log.Warn("malformed user_message", slog.String("error", err.Error()))
			return nil
		}
		s.orchestrator.Submit(m.Text)
		return nil
	case protocol.TypeInterrupt:
		return s.orchestrator.Interrupt(ctx)
	case protocol.TypePing:
		return s.conn.SendEvent(ctx, protocol.TypePong, struct{}{})
	case protocol.TypeStartListening:
		if s.listener != nil {
			s.listener.Start()
		}
		return nil
	case protocol.TypeStopListening:
		if s.listener != nil {
			s.listener.Stop()
		}
		return nil
	case protocol.TypeModelSettings:
		var m protocol.ModelSettings
		if err := json.Unmarshal(env.Data, &m); err != nil {
			s.log.Warn("malformed model_settings", slog.String("error", err.Error()))
			return nil
		}
		s.orchestrator.UpdateModelSettings(m)
		return nil
	default:
		s.log.Warn("unknown client message type", slog.String("type", env.Type))
		return nil
	}
}

func (s *Session) sendTranscription(ctx context.Context, msgType, text string) {
	if err := s.conn.SendEvent(ctx, msgType, protocol.Transcription{Text: text}); err != nil {
		s.log.Warn("failed to send transcription event", slog.String("error", err.Error()))
	}
}
