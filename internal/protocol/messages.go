package protocol

import "encoding/json"

// Envelope is the framing for every JSON message on the client channel.
// Raw PCM travels as separate binary frames and carries no envelope.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound message types.
const (
	TypeTextStreamStart = "text_stream_start"
	TypeTextChunk       = "text_chunk"
	TypeTextStreamStop  = "text_stream_stop"

	TypeAudioStreamStart = "audio_stream_start"
	TypeAudioChunk       = "audio_chunk"
	TypeAudioStreamStop  = "audio_stream_stop"

	TypeInterruptAck = "interrupt_ack"
	TypePong         = "pong"

	TypeTranscriptionUpdate     = "transcription_update"
	TypeTranscriptionStabilized = "transcription_stabilized"
	TypeTranscriptionFinished   = "transcription_finished"
)

// Inbound message types.
const (
	TypeUserMessage    = "user_message"
	TypeInterrupt      = "interrupt"
	TypePing           = "ping"
	TypeStartListening = "start_listening"
	TypeStopListening  = "stop_listening"
	TypeModelSettings  = "model_settings"
)

// TextStreamStart opens one character reply on the client.
type TextStreamStart struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
}

// TextChunk carries an incremental textual delta of a reply.
type TextChunk struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	Text          string `json:"text"`
	Final         bool   `json:"is_final"`
}

// TextStreamStop closes one character reply with the full accumulated text.
type TextStreamStop struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	Text          string `json:"text"`
}

// AudioStreamStart announces the audio stream for one character reply.
type AudioStreamStart struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	SpeakerIndex  int    `json:"speaker_index"`
	SampleRate    int    `json:"sample_rate"`
}

// AudioChunkMeta precedes exactly one binary frame holding the PCM payload.
type AudioChunkMeta struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	SpeakerIndex  int    `json:"speaker_index"`
	SentenceIndex int    `json:"sentence_index"`
	ChunkIndex    int    `json:"chunk_index"`
}

// AudioStreamStop closes the audio stream for one character reply.
type AudioStreamStop struct {
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	SpeakerIndex  int    `json:"speaker_index"`
}

// Transcription carries STT output passed through to the client.
type Transcription struct {
	Text string `json:"text"`
}

// UserMessage is a typed text message, equivalent to an STT final result.
type UserMessage struct {
	Text string `json:"text"`
}

// ModelSettings adjusts LLM options for subsequent turns.
type ModelSettings struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Bus subjects mirrored onto NATS when the bus is enabled, so other
// runtime nodes can observe conversations without the client channel.
// The orchestrator publishes the turn and reply subjects; nothing in this
// module publishes on SubjectTranscriptFinal.
const (
	SubjectTurnStarted     = "chat.turn.started"
	SubjectTurnCompleted   = "chat.turn.completed"
	SubjectTurnCancelled   = "chat.turn.cancelled"
	SubjectTranscriptFinal = "chat.transcript.final"
	SubjectReplyFinal      = "chat.reply.final"
)

// TurnEvent is the bus mirror of a turn lifecycle transition.
type TurnEvent struct {
	SessionID string `json:"session_id"`
	Turn      int64  `json:"turn"`
	UserText  string `json:"user_text,omitempty"`
	Speakers  int    `json:"speakers,omitempty"`
}

// ReplyEvent is the bus mirror of one finished character reply.
type ReplyEvent struct {
	SessionID     string `json:"session_id"`
	Turn          int64  `json:"turn"`
	CharacterID   string `json:"character_id"`
	CharacterName string `json:"character_name"`
	MessageID     string `json:"message_id"`
	Text          string `json:"text"`
}
