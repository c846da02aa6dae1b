package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ensemblelabs/ensemble-core/internal/character"
	"github.com/ensemblelabs/ensemble-core/internal/llm"
	"github.com/ensemblelabs/ensemble-core/internal/protocol"
)

// HistoryRecorder persists conversation turns and supplies recent
// transcript lines for prompt context.
type HistoryRecorder interface {
	RecordUserMessage(ctx context.Context, turn int64, text string) error
	RecordReply(ctx context.Context, turn int64, characterID, characterName, messageID, text string) error
	RecentTranscript(ctx context.Context, limit int) ([]string, error)
}

// Mirror publishes conversation lifecycle events for other runtime nodes.
type Mirror interface {
	Publish(subject string, v any) error
}

// LLMOptions are the per-session generation knobs, adjustable at runtime
// through the model_settings client message.
type LLMOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// OrchestratorDeps wires the turn orchestrator to its collaborators.
// History and Mirror are optional.
type OrchestratorDeps struct {
	Ingress      *Queue[string]
	Sentences    *Queue[Sentence]
	Audio        *Queue[AudioChunk]
	Catalog      character.Catalog
	Generator    llm.Generator
	Sender       Sender
	Streamer     *Streamer
	Gen          *Generation
	History      HistoryRecorder
	Mirror       Mirror
	SessionID    string
	Options      LLMOptions
	HistoryDepth int
	Metrics      *Metrics
	Logger       *slog.Logger
}

// Orchestrator drives the turn lifecycle: it serializes user messages,
// resolves the addressed characters, streams each reply from the LLM
// through the sentence segmenter into the sentence queue, and owns the
// interrupt protocol.
type Orchestrator struct {
	ingress      *Queue[string]
	sentences    *Queue[Sentence]
	audio        *Queue[AudioChunk]
	catalog      character.Catalog
	generator    llm.Generator
	sender       Sender
	streamer     *Streamer
	gen          *Generation
	history      HistoryRecorder
	mirror       Mirror
	sessionID    string
	historyDepth int
	metrics      *Metrics
	log          *slog.Logger

	mu          sync.Mutex
	turnSeq     int64
	nextSpeaker int
	active      *Turn
	inFlight    map[int]*Turn
	opts        LLMOptions
}

func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	o := &Orchestrator{
		ingress:      d.Ingress,
		sentences:    d.Sentences,
		audio:        d.Audio,
		catalog:      d.Catalog,
		generator:    d.Generator,
		sender:       d.Sender,
		streamer:     d.Streamer,
		gen:          d.Gen,
		history:      d.History,
		mirror:       d.Mirror,
		sessionID:    d.SessionID,
		historyDepth: d.HistoryDepth,
		metrics:      d.Metrics,
		log:          d.Logger.With(slog.String("component", "orchestrator")),
		inFlight:     make(map[int]*Turn),
		opts:         d.Options,
	}
	if o.streamer != nil {
		o.streamer.SetObserver(o)
	}
	return o
}

// Submit enqueues a finalized user message without blocking. Empty and
// whitespace-only messages are dropped at the boundary.
func (o *Orchestrator) Submit(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if !o.ingress.TryPut(text) {
		o.log.Warn("ingress queue full, dropping user message")
		return false
	}
	return true
}

// UpdateModelSettings applies new generation knobs for subsequent turns.
func (o *Orchestrator) UpdateModelSettings(ms protocol.ModelSettings) {
	o.mu.Lock()
	if ms.Model != "" {
		o.opts.Model = ms.Model
	}
	if ms.MaxTokens > 0 {
		o.opts.MaxTokens = ms.MaxTokens
	}
	if ms.Temperature != nil {
		o.opts.Temperature = *ms.Temperature
	}
	o.mu.Unlock()
}

// ActiveTurn returns the turn currently driven by the orchestrator loop,
// or nil when it is idle.
func (o *Orchestrator) ActiveTurn() *Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Run serializes turns off the ingress queue until ctx is done. A send
// failure is a disconnect and is returned to the caller.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		text, err := o.ingress.Get(ctx)
		if err != nil {
			return nil
		}
		if err := o.runTurn(ctx, text); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, text string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.turnSeq++
	turn := newTurn(o.turnSeq, text, cancel)
	o.active = turn
	genNum := o.gen.Current()
	opts := o.opts
	o.mu.Unlock()
	o.metrics.addTurnStarted(turnCtx)
	defer close(turn.loopDone)
	defer func() {
		o.mu.Lock()
		if o.active == turn {
			o.active = nil
		}
		o.mu.Unlock()
	}()

	speakers, err := o.catalog.Resolve(turnCtx, text)
	if err != nil {
		o.log.Warn("character resolution failed", slogError(err))
		turn.advance(TurnComplete)
		return nil
	}
	if len(speakers) == 0 {
		turn.advance(TurnComplete)
		return nil
	}

	o.mu.Lock()
	first := o.nextSpeaker
	o.nextSpeaker += len(speakers)
	turn.setSpeakerRange(first, first+len(speakers)-1)
	for i := range speakers {
		o.inFlight[first+i] = turn
	}
	o.mu.Unlock()

	o.publish(protocol.SubjectTurnStarted, protocol.TurnEvent{
		SessionID: o.sessionID, Turn: turn.Number, UserText: text, Speakers: len(speakers),
	})
	o.recordUser(turnCtx, turn.Number, text)
	contextLines := o.recentTranscript(turnCtx)

	for i, ch := range speakers {
		if turnCtx.Err() != nil {
			break
		}
		if err := o.streamCharacter(turnCtx, turn, ch, first+i, genNum, opts, contextLines); err != nil {
			if turnCtx.Err() != nil {
				break
			}
			return err
		}
	}

	if turnCtx.Err() != nil {
		turn.markCancelled()
		o.metrics.addTurnCancelled(context.Background())
		o.publish(protocol.SubjectTurnCancelled, protocol.TurnEvent{
			SessionID: o.sessionID, Turn: turn.Number,
		})
		return nil
	}
	turn.advance(TurnTTS)
	o.publish(protocol.SubjectTurnCompleted, protocol.TurnEvent{
		SessionID: o.sessionID, Turn: turn.Number, Speakers: len(speakers),
	})
	return nil
}

// streamCharacter drives one character's reply: LLM tokens feed the
// segmenter, each completed sentence is enqueued with this speaker's
// index, and the speaker-final sentinel closes the stream. On turn
// cancellation the reply is abandoned mid-flight with no stop events and
// no sentinel. An LLM failure truncates the reply but still closes it.
func (o *Orchestrator) streamCharacter(ctx context.Context, turn *Turn, ch character.Character, speaker int, genNum uint64, opts LLMOptions, contextLines []string) error {
	messageID := uuid.NewString()
	if err := o.sender.SendEvent(ctx, protocol.TypeTextStreamStart, protocol.TextStreamStart{
		CharacterID: ch.ID, CharacterName: ch.Name, MessageID: messageID,
	}); err != nil {
		return err
	}

	seg := NewSegmenter()
	var accumulated strings.Builder
	sentenceIndex := 0

	enqueue := func(text string) error {
		s := Sentence{
			Text:          text,
			SentenceIndex: sentenceIndex,
			MessageID:     messageID,
			CharacterID:   ch.ID,
			CharacterName: ch.Name,
			Voice:         ch.Voice,
			SampleRate:    ch.SampleRate,
			SpeakerIndex:  speaker,
			Gen:           genNum,
		}
		if err := o.sentences.Put(ctx, s); err != nil {
			return err
		}
		sentenceIndex++
		o.metrics.addSentence(ctx)
		return o.sender.SendEvent(ctx, protocol.TypeTextChunk, protocol.TextChunk{
			CharacterID: ch.ID, CharacterName: ch.Name, MessageID: messageID, Text: text,
		})
	}

	req := llm.Request{
		System:      o.systemPrompt(ch),
		Prompt:      buildPrompt(ch, contextLines, turn.UserText),
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	var pipeErr error
	genErr := o.generator.Generate(ctx, req, func(c llm.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Content == "" {
			return nil
		}
		accumulated.WriteString(c.Content)
		for _, sentence := range seg.Feed(c.Content) {
			if err := enqueue(sentence); err != nil {
				pipeErr = err
				return err
			}
		}
		return nil
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if pipeErr != nil {
		return pipeErr
	}
	if genErr != nil {
		o.log.Warn("llm stream failed mid-reply, truncating",
			slog.String("character", ch.ID), slogError(genErr))
	}

	if residue := seg.Flush(); residue != "" {
		if err := enqueue(residue); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}

	if err := o.sender.SendEvent(ctx, protocol.TypeTextChunk, protocol.TextChunk{
		CharacterID: ch.ID, CharacterName: ch.Name, MessageID: messageID, Final: true,
	}); err != nil {
		return err
	}
	fullText := accumulated.String()
	if err := o.sender.SendEvent(ctx, protocol.TypeTextStreamStop, protocol.TextStreamStop{
		CharacterID: ch.ID, CharacterName: ch.Name, MessageID: messageID, Text: fullText,
	}); err != nil {
		return err
	}
	sentinel := Sentence{
		SentenceIndex: sentenceIndex,
		MessageID:     messageID,
		CharacterID:   ch.ID,
		CharacterName: ch.Name,
		Voice:         ch.Voice,
		SampleRate:    ch.SampleRate,
		SpeakerIndex:  speaker,
		Gen:           genNum,
		Final:         true,
	}
	if err := o.sentences.Put(ctx, sentinel); err != nil {
		return err
	}

	o.recordReply(ctx, turn.Number, ch, messageID, fullText)
	o.publish(protocol.SubjectReplyFinal, protocol.ReplyEvent{
		SessionID: o.sessionID, Turn: turn.Number,
		CharacterID: ch.ID, CharacterName: ch.Name,
		MessageID: messageID, Text: fullText,
	})
	return nil
}

// Interrupt tears down the current turn: bump the generation so stale
// records are dropped, cancel the turn, drain all three queues, reset
// the streamer, and acknowledge with a single interrupt_ack. Speaker
// numbering restarts at zero for the next turn.
func (o *Orchestrator) Interrupt(ctx context.Context) error {
	o.gen.Bump()

	o.mu.Lock()
	turn := o.active
	for _, t := range o.inFlight {
		t.markCancelled()
	}
	o.inFlight = make(map[int]*Turn)
	o.nextSpeaker = 0
	o.mu.Unlock()

	if turn != nil {
		turn.Cancel()
		turn.markCancelled()
		// Wait for the turn loop to park before draining, so nothing is
		// enqueued or emitted for this turn after the ack goes out.
		<-turn.loopDone
	}

	o.ingress.Drain()
	o.sentences.Drain()
	o.audio.Drain()
	o.streamer.Reset()

	return o.sender.SendEvent(ctx, protocol.TypeInterruptAck, struct{}{})
}

// StreamStarted implements StreamObserver.
func (o *Orchestrator) StreamStarted(speaker int) {
	o.mu.Lock()
	t := o.inFlight[speaker]
	o.mu.Unlock()
	if t != nil {
		t.advance(TurnStreaming)
	}
}

// StreamStopped implements StreamObserver. The final speaker's stop
// completes the turn.
func (o *Orchestrator) StreamStopped(speaker int) {
	o.mu.Lock()
	t := o.inFlight[speaker]
	delete(o.inFlight, speaker)
	o.mu.Unlock()
	if t == nil {
		return
	}
	if _, last := t.speakerRange(); speaker == last {
		t.advance(TurnComplete)
		o.metrics.addTurnCompleted(context.Background())
	}
}

func (o *Orchestrator) systemPrompt(ch character.Character) string {
	if ch.Persona != "" {
		return ch.Persona
	}
	return "You are " + ch.Name + ", a character in a spoken group conversation. Reply in a few short sentences."
}

func buildPrompt(ch character.Character, contextLines []string, userText string) string {
	var b strings.Builder
	for _, line := range contextLines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("User: ")
	b.WriteString(userText)
	b.WriteByte('\n')
	b.WriteString(ch.Name)
	b.WriteByte(':')
	return b.String()
}

func (o *Orchestrator) recordUser(ctx context.Context, turn int64, text string) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordUserMessage(ctx, turn, text); err != nil {
		o.log.Warn("failed to record user message", slogError(err))
	}
}

func (o *Orchestrator) recordReply(ctx context.Context, turn int64, ch character.Character, messageID, text string) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordReply(ctx, turn, ch.ID, ch.Name, messageID, text); err != nil {
		o.log.Warn("failed to record reply", slogError(err))
	}
}

func (o *Orchestrator) recentTranscript(ctx context.Context) []string {
	if o.history == nil || o.historyDepth <= 0 {
		return nil
	}
	lines, err := o.history.RecentTranscript(ctx, o.historyDepth)
	if err != nil {
		o.log.Warn("failed to load transcript context", slogError(err))
		return nil
	}
	return lines
}

func (o *Orchestrator) publish(subject string, v any) {
	if o.mirror == nil {
		return
	}
	if err := o.mirror.Publish(subject, v); err != nil {
		o.log.Warn("bus publish failed", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
