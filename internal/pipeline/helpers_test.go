package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ensemblelabs/ensemble-core/internal/character"
	"github.com/ensemblelabs/ensemble-core/internal/llm"
	"github.com/ensemblelabs/ensemble-core/internal/protocol"
	"github.com/ensemblelabs/ensemble-core/internal/tts"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return m
}

// sentEvent is one recorded transport emission. Binary frames are
// stored with type "binary".
type sentEvent struct {
	Type   string
	Data   any
	Binary []byte
}

type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeSender) SendEvent(_ context.Context, msgType string, data any) error {
	f.mu.Lock()
	f.events = append(f.events, sentEvent{Type: msgType, Data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendBinary(_ context.Context, payload []byte) error {
	f.mu.Lock()
	f.events = append(f.events, sentEvent{Type: "binary", Binary: payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) snapshot() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeSender) count(msgType string) int {
	n := 0
	for _, e := range f.snapshot() {
		if e.Type == msgType {
			n++
		}
	}
	return n
}

// waitFor polls until pred accepts the recorded events or the deadline
// passes.
func (f *fakeSender) waitFor(t *testing.T, timeout time.Duration, what string, pred func([]sentEvent) bool) []sentEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		events := f.snapshot()
		if pred(events) {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; saw %d events", what, len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasEvent(events []sentEvent, msgType string) bool {
	for _, e := range events {
		if e.Type == msgType {
			return true
		}
	}
	return false
}

// scriptedLLM replies per character, emitting the configured tokens with
// an optional delay between them. The addressed character is recovered
// from the prompt's trailing "Name:" line.
type scriptedLLM struct {
	replies    map[string][]string
	tokenDelay time.Duration
	failAfter  map[string]int
}

func (s *scriptedLLM) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	name := strings.TrimSuffix(lines[len(lines)-1], ":")
	tokens := s.replies[name]
	for i, tok := range tokens {
		if s.tokenDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.tokenDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if limit, ok := s.failAfter[name]; ok && i >= limit {
			return errors.New("model stream broke")
		}
		if err := consumer(llm.Chunk{Content: tok}); err != nil {
			return err
		}
	}
	return consumer(llm.Chunk{Done: true})
}

// fakeSynth emits a fixed number of small PCM chunks per sentence, with
// optional per-text delay and failure injection.
type fakeSynth struct {
	chunks int
	delay  func(text string) time.Duration
	fail   func(text string) bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.Request) (<-chan tts.Chunk, <-chan error) {
	out := make(chan tts.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		if f.fail != nil && f.fail(req.Text) {
			errs <- errors.New("synthesis failed")
			return
		}
		if f.delay != nil {
			if d := f.delay(req.Text); d > 0 {
				select {
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				case <-time.After(d):
				}
			}
		}
		n := f.chunks
		if n <= 0 {
			n = 2
		}
		for i := 0; i < n; i++ {
			select {
			case out <- tts.Chunk{PCM: []byte{0x01, 0x00, 0x02, 0x00}}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs
}

// harness assembles a full pipeline around fakes: scripted LLM, fake
// synthesizer, recording sender.
type harness struct {
	sender    *fakeSender
	orch      *Orchestrator
	streamer  *Streamer
	ingress   *Queue[string]
	sentences *Queue[Sentence]
	audio     *Queue[AudioChunk]
	gen       *Generation
	cancel    context.CancelFunc
}

type harnessOptions struct {
	generator    llm.Generator
	synth        tts.Synthesizer
	sentenceCap  int
	audioCap     int
	includeBella bool
	noDefault    bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	characters := []character.Character{
		{ID: "alice", Name: "Alice", Voice: "v-alice", SampleRate: 24000},
	}
	if opts.includeBella {
		characters = append(characters, character.Character{ID: "bella", Name: "Bella", Voice: "v-bella", SampleRate: 24000})
	}
	defaultID := ""
	if !opts.noDefault {
		defaultID = "alice"
	}
	catalog := character.NewStaticCatalog(characters, defaultID)

	if opts.sentenceCap <= 0 {
		opts.sentenceCap = SentenceQueueCap
	}
	if opts.audioCap <= 0 {
		opts.audioCap = AudioQueueCap
	}
	if opts.synth == nil {
		opts.synth = &fakeSynth{}
	}

	log := newTestLogger()
	metrics := newTestMetrics(t)
	sender := &fakeSender{}
	gen := &Generation{}
	ingress := NewQueue[string](IngressQueueCap)
	sentences := NewQueue[Sentence](opts.sentenceCap)
	audio := NewQueue[AudioChunk](opts.audioCap)

	streamer := NewStreamer(audio, sender, gen, metrics, log)
	worker := NewTTSWorker(sentences, audio, opts.synth, gen, metrics, log)
	orch := NewOrchestrator(OrchestratorDeps{
		Ingress:   ingress,
		Sentences: sentences,
		Audio:     audio,
		Catalog:   catalog,
		Generator: opts.generator,
		Sender:    sender,
		Streamer:  streamer,
		Gen:       gen,
		SessionID: "test-session",
		Options:   LLMOptions{MaxTokens: 128, Temperature: 0.5},
		Metrics:   metrics,
		Logger:    log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = worker.Run(ctx) }()
	go func() { _ = streamer.Run(ctx) }()
	go func() { _ = orch.Run(ctx) }()
	t.Cleanup(cancel)

	return &harness{
		sender:    sender,
		orch:      orch,
		streamer:  streamer,
		ingress:   ingress,
		sentences: sentences,
		audio:     audio,
		gen:       gen,
		cancel:    cancel,
	}
}

func indexOf(events []sentEvent, pred func(sentEvent) bool) int {
	for i, e := range events {
		if pred(e) {
			return i
		}
	}
	return -1
}

func audioStopFor(messageID string) func(sentEvent) bool {
	return func(e sentEvent) bool {
		stop, ok := e.Data.(protocol.AudioStreamStop)
		return e.Type == protocol.TypeAudioStreamStop && ok && (messageID == "" || stop.MessageID == messageID)
	}
}

func audioStartFor(characterID string) func(sentEvent) bool {
	return func(e sentEvent) bool {
		start, ok := e.Data.(protocol.AudioStreamStart)
		return e.Type == protocol.TypeAudioStreamStart && ok && start.CharacterID == characterID
	}
}
