package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ensemblelabs/ensemble-core/internal/protocol"
)

// StreamObserver is notified as speaker audio streams open and close on
// the client. Stops fire once per message id, in speaker order.
type StreamObserver interface {
	StreamStarted(speakerIndex int)
	StreamStopped(speakerIndex int)
}

// Streamer is the long-lived consumer of the audio queue. Every chunk
// passes through the speaker-order scheduler; released chunks become
// audio_stream_start / audio_chunk / audio_stream_stop client messages.
type Streamer struct {
	audio    *Queue[AudioChunk]
	sender   Sender
	gen      *Generation
	log      *slog.Logger
	metrics  *Metrics
	observer StreamObserver

	mu               sync.Mutex
	sched            *Scheduler
	currentMessageID string
	suppress         bool
}

func NewStreamer(audio *Queue[AudioChunk], sender Sender, gen *Generation, metrics *Metrics, log *slog.Logger) *Streamer {
	return &Streamer{
		audio:   audio,
		sender:  sender,
		gen:     gen,
		log:     log.With(slog.String("component", "audio-streamer")),
		metrics: metrics,
		sched:   NewScheduler(),
	}
}

// SetObserver registers the lifecycle observer. Must be called before Run.
func (s *Streamer) SetObserver(o StreamObserver) {
	s.observer = o
}

// Run loops until ctx is done. A send failure is a disconnect and is
// returned to the caller; everything else is handled locally.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		chunk, err := s.audio.Get(ctx)
		if err != nil {
			return nil
		}
		if chunk.Gen != s.gen.Current() {
			continue
		}
		if err := s.emitReleased(ctx, chunk); err != nil {
			return err
		}
	}
}

func (s *Streamer) emitReleased(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the lock: an interrupt that bumped the generation
	// while this chunk was in hand must win, or stale audio could slip
	// out after the interrupt_ack.
	if chunk.Gen != s.gen.Current() {
		return nil
	}
	for _, c := range s.sched.Admit(chunk) {
		if err := s.emit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streamer) emit(ctx context.Context, c AudioChunk) error {
	if c.Final {
		stop := protocol.AudioStreamStop{
			CharacterID:   c.CharacterID,
			CharacterName: c.CharacterName,
			MessageID:     c.MessageID,
			SpeakerIndex:  c.SpeakerIndex,
		}
		if err := s.sender.SendEvent(ctx, protocol.TypeAudioStreamStop, stop); err != nil {
			return err
		}
		s.currentMessageID = ""
		s.suppress = false
		if s.observer != nil {
			s.observer.StreamStopped(c.SpeakerIndex)
		}
		return nil
	}

	if s.currentMessageID != c.MessageID {
		start := protocol.AudioStreamStart{
			CharacterID:   c.CharacterID,
			CharacterName: c.CharacterName,
			MessageID:     c.MessageID,
			SpeakerIndex:  c.SpeakerIndex,
			SampleRate:    c.SampleRate,
		}
		if err := s.sender.SendEvent(ctx, protocol.TypeAudioStreamStart, start); err != nil {
			return err
		}
		s.currentMessageID = c.MessageID
		if s.observer != nil {
			s.observer.StreamStarted(c.SpeakerIndex)
		}
	}

	meta := protocol.AudioChunkMeta{
		CharacterID:   c.CharacterID,
		CharacterName: c.CharacterName,
		MessageID:     c.MessageID,
		SpeakerIndex:  c.SpeakerIndex,
		SentenceIndex: c.SentenceIndex,
		ChunkIndex:    c.ChunkIndex,
	}
	if err := s.sender.SendEvent(ctx, protocol.TypeAudioChunk, meta); err != nil {
		return err
	}
	if !s.suppress {
		if err := s.sender.SendBinary(ctx, c.PCM); err != nil {
			return err
		}
	}
	s.metrics.addAudioChunk(ctx)
	return nil
}

// Suppress skips PCM payload emission until the next audio_stream_stop,
// letting the current speaker finish silently on courtesy barge-in.
func (s *Streamer) Suppress() {
	s.mu.Lock()
	s.suppress = true
	s.mu.Unlock()
}

// Reset restores the initial scheduler and emission state. Called by the
// interrupt protocol after the queues are drained.
func (s *Streamer) Reset() {
	s.mu.Lock()
	s.sched.Reset()
	s.currentMessageID = ""
	s.suppress = false
	s.mu.Unlock()
}
