package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ensemblelabs/ensemble-core/internal/protocol"
)

func startStreamer(t *testing.T) (*Queue[AudioChunk], *fakeSender, *Streamer) {
	t.Helper()
	audio := NewQueue[AudioChunk](32)
	sender := &fakeSender{}
	streamer := NewStreamer(audio, sender, &Generation{}, newTestMetrics(t), newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = streamer.Run(ctx) }()
	t.Cleanup(cancel)
	return audio, sender, streamer
}

func speakerChunk(speaker, sentence, index int, messageID string) AudioChunk {
	return AudioChunk{
		PCM:           []byte{0x10, 0x00},
		SentenceIndex: sentence,
		ChunkIndex:    index,
		MessageID:     messageID,
		CharacterID:   "alice",
		CharacterName: "Alice",
		SampleRate:    24000,
		SpeakerIndex:  speaker,
	}
}

func speakerSentinel(speaker int, messageID string) AudioChunk {
	return AudioChunk{
		MessageID:     messageID,
		CharacterID:   "alice",
		CharacterName: "Alice",
		SampleRate:    24000,
		SpeakerIndex:  speaker,
		Final:         true,
	}
}

func TestStreamerEmissionContract(t *testing.T) {
	audio, sender, _ := startStreamer(t)
	ctx := context.Background()

	audio.Put(ctx, speakerChunk(0, 0, 0, "m1"))
	audio.Put(ctx, speakerChunk(0, 0, 1, "m1"))
	audio.Put(ctx, speakerSentinel(0, "m1"))

	events := sender.waitFor(t, 2*time.Second, "audio_stream_stop", func(events []sentEvent) bool {
		return hasEvent(events, protocol.TypeAudioStreamStop)
	})

	var sequence []string
	for _, e := range events {
		sequence = append(sequence, e.Type)
	}
	want := []string{
		protocol.TypeAudioStreamStart,
		protocol.TypeAudioChunk, "binary",
		protocol.TypeAudioChunk, "binary",
		protocol.TypeAudioStreamStop,
	}
	if len(sequence) != len(want) {
		t.Fatalf("unexpected sequence: %v", sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("event %d: want %s, got %s (full: %v)", i, want[i], sequence[i], sequence)
		}
	}

	start := events[0].Data.(protocol.AudioStreamStart)
	if start.MessageID != "m1" || start.SampleRate != 24000 || start.SpeakerIndex != 0 {
		t.Fatalf("bad stream start: %+v", start)
	}
}

func TestStreamerOneStartStopPerMessage(t *testing.T) {
	audio, sender, _ := startStreamer(t)
	ctx := context.Background()

	for sentence := 0; sentence < 3; sentence++ {
		for i := 0; i < 2; i++ {
			audio.Put(ctx, speakerChunk(0, sentence, i, "m1"))
		}
	}
	audio.Put(ctx, speakerSentinel(0, "m1"))

	sender.waitFor(t, 2*time.Second, "audio_stream_stop", func(events []sentEvent) bool {
		return hasEvent(events, protocol.TypeAudioStreamStop)
	})

	if n := sender.count(protocol.TypeAudioStreamStart); n != 1 {
		t.Fatalf("expected exactly one stream start, got %d", n)
	}
	if n := sender.count(protocol.TypeAudioStreamStop); n != 1 {
		t.Fatalf("expected exactly one stream stop, got %d", n)
	}
}

func TestStreamerSentinelWithoutChunksStillStops(t *testing.T) {
	audio, sender, _ := startStreamer(t)
	ctx := context.Background()

	audio.Put(ctx, speakerSentinel(0, "m1"))
	events := sender.waitFor(t, 2*time.Second, "audio_stream_stop", func(events []sentEvent) bool {
		return hasEvent(events, protocol.TypeAudioStreamStop)
	})

	if hasEvent(events, protocol.TypeAudioStreamStart) {
		t.Fatal("no stream start expected for an empty reply")
	}
	if n := sender.count(protocol.TypeAudioStreamStop); n != 1 {
		t.Fatalf("expected exactly one stop, got %d", n)
	}
}

func TestStreamerSuppressSkipsPCM(t *testing.T) {
	audio, sender, streamer := startStreamer(t)
	ctx := context.Background()

	streamer.Suppress()
	audio.Put(ctx, speakerChunk(0, 0, 0, "m1"))
	audio.Put(ctx, speakerSentinel(0, "m1"))
	audio.Put(ctx, speakerChunk(1, 0, 0, "m2"))
	audio.Put(ctx, speakerSentinel(1, "m2"))

	events := sender.waitFor(t, 2*time.Second, "both stops", func(events []sentEvent) bool {
		n := 0
		for _, e := range events {
			if e.Type == protocol.TypeAudioStreamStop {
				n++
			}
		}
		return n == 2
	})

	// Metadata still flows while suppressed; PCM resumes after the stop.
	if n := sender.count(protocol.TypeAudioChunk); n != 2 {
		t.Fatalf("expected 2 chunk metadata events, got %d", n)
	}
	binaries := 0
	firstStop := indexOf(events, audioStopFor("m1"))
	for i, e := range events {
		if e.Type == "binary" {
			binaries++
			if i < firstStop {
				t.Fatal("suppressed PCM leaked before the stop")
			}
		}
	}
	if binaries != 1 {
		t.Fatalf("expected exactly 1 binary frame after suppression cleared, got %d", binaries)
	}
}
