package pipeline

import (
	"context"
	"sync"
)

// TurnState is the lifecycle of one user-message → replies cycle.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnLLM
	TurnTTS
	TurnStreaming
	TurnComplete
	TurnCancelled
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnLLM:
		return "llm"
	case TurnTTS:
		return "tts"
	case TurnStreaming:
		return "streaming"
	case TurnComplete:
		return "complete"
	case TurnCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is Complete or Cancelled.
func (s TurnState) Terminal() bool {
	return s == TurnComplete || s == TurnCancelled
}

// Turn tracks one cycle through the pipeline. Transitions past LLM are
// observational: the orchestrator moves on once the last sentinel is
// enqueued, and the streamer's lifecycle callbacks advance the state as
// the audio actually reaches the client.
type Turn struct {
	Number   int64
	UserText string

	mu           sync.Mutex
	state        TurnState
	cancel       context.CancelFunc
	firstSpeaker int
	lastSpeaker  int

	// loopDone closes when the orchestrator loop is finished with this
	// turn; the interrupt protocol waits on it before acknowledging.
	loopDone chan struct{}
}

func newTurn(number int64, userText string, cancel context.CancelFunc) *Turn {
	return &Turn{
		Number:       number,
		UserText:     userText,
		state:        TurnLLM,
		cancel:       cancel,
		firstSpeaker: -1,
		lastSpeaker:  -1,
		loopDone:     make(chan struct{}),
	}
}

func (t *Turn) State() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// advance moves the state forward; terminal states are sticky and the
// state never moves backward.
func (t *Turn) advance(next TurnState) {
	t.mu.Lock()
	if !t.state.Terminal() && next > t.state {
		t.state = next
	}
	t.mu.Unlock()
}

func (t *Turn) markCancelled() {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.state = TurnCancelled
	}
	t.mu.Unlock()
}

// Cancel fires the turn's cancellation signal.
func (t *Turn) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Turn) setSpeakerRange(first, last int) {
	t.mu.Lock()
	t.firstSpeaker = first
	t.lastSpeaker = last
	t.mu.Unlock()
}

func (t *Turn) speakerRange() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstSpeaker, t.lastSpeaker
}
