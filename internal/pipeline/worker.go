package pipeline

import (
	"context"
	"log/slog"

	"github.com/ensemblelabs/ensemble-core/internal/tts"
)

// TTSWorker is the long-lived consumer of the sentence queue. It calls
// the synthesizer once per sentence and streams the resulting chunks
// into the audio queue, passing speaker-final sentinels through. The
// worker holds no per-turn state and survives interrupts untouched.
type TTSWorker struct {
	sentences *Queue[Sentence]
	audio     *Queue[AudioChunk]
	synth     tts.Synthesizer
	gen       *Generation
	log       *slog.Logger
	metrics   *Metrics
}

func NewTTSWorker(sentences *Queue[Sentence], audio *Queue[AudioChunk], synth tts.Synthesizer, gen *Generation, metrics *Metrics, log *slog.Logger) *TTSWorker {
	return &TTSWorker{
		sentences: sentences,
		audio:     audio,
		synth:     synth,
		gen:       gen,
		log:       log.With(slog.String("component", "tts-worker")),
		metrics:   metrics,
	}
}

// Run loops until ctx is done.
func (w *TTSWorker) Run(ctx context.Context) error {
	for {
		sentence, err := w.sentences.Get(ctx)
		if err != nil {
			return nil
		}
		if sentence.Gen != w.gen.Current() {
			continue
		}
		if sentence.Final {
			if err := w.audio.Put(ctx, sentinelFor(sentence)); err != nil {
				return nil
			}
			continue
		}
		if err := w.synthesize(ctx, sentence); err != nil {
			return nil
		}
	}
}

// synthesize streams one sentence. A synthesis failure drops the
// remainder of the sentence and moves on; the speaker-final sentinel
// from the orchestrator still advances the scheduler. Only a cancelled
// ctx is returned, to stop the loop.
func (w *TTSWorker) synthesize(ctx context.Context, sentence Sentence) error {
	chunks, errs := w.synth.Synthesize(ctx, tts.Request{
		Text:       sentence.Text,
		Voice:      sentence.Voice,
		SampleRate: sentence.SampleRate,
	})

	index := 0
	failed := false
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if failed || len(chunk.PCM) == 0 {
				continue
			}
			out := AudioChunk{
				PCM:           chunk.PCM,
				SentenceIndex: sentence.SentenceIndex,
				ChunkIndex:    index,
				MessageID:     sentence.MessageID,
				CharacterID:   sentence.CharacterID,
				CharacterName: sentence.CharacterName,
				SampleRate:    sentence.SampleRate,
				SpeakerIndex:  sentence.SpeakerIndex,
				Gen:           sentence.Gen,
			}
			index++
			if err := w.audio.Put(ctx, out); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				failed = true
				w.metrics.addTTSFailure(ctx)
				w.log.Warn("tts synthesis failed, skipping sentence",
					slog.String("character", sentence.CharacterID),
					slog.Int("sentence", sentence.SentenceIndex),
					slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func sentinelFor(sentence Sentence) AudioChunk {
	return AudioChunk{
		SentenceIndex: sentence.SentenceIndex,
		MessageID:     sentence.MessageID,
		CharacterID:   sentence.CharacterID,
		CharacterName: sentence.CharacterName,
		SampleRate:    sentence.SampleRate,
		SpeakerIndex:  sentence.SpeakerIndex,
		Gen:           sentence.Gen,
		Final:         true,
	}
}
