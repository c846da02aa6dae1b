package pipeline

import "context"

// Sentence is one segmented sentence of a character reply, produced by
// the orchestrator and consumed by the TTS worker. A Final sentence is a
// sentinel: Text is empty and no further sentences for this SpeakerIndex
// will appear in the turn.
type Sentence struct {
	Text          string
	SentenceIndex int
	MessageID     string
	CharacterID   string
	CharacterName string
	Voice         string
	SampleRate    int
	SpeakerIndex  int
	Gen           uint64
	Final         bool
}

// AudioChunk is one synthesized PCM chunk, produced by the TTS worker
// and consumed by the audio streamer. A Final chunk is a sentinel with
// an empty payload marking the end of the speaker's audio stream.
type AudioChunk struct {
	PCM           []byte
	SentenceIndex int
	ChunkIndex    int
	MessageID     string
	CharacterID   string
	CharacterName string
	SampleRate    int
	SpeakerIndex  int
	Gen           uint64
	Final         bool
}

// Sender delivers framed messages to the client. A send error is treated
// as a disconnect by every component holding a Sender.
type Sender interface {
	SendEvent(ctx context.Context, msgType string, data any) error
	SendBinary(ctx context.Context, payload []byte) error
}
