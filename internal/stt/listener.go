package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Callbacks receive recognizer output as the utterance progresses.
// OnFinal fires once per utterance with the finalized text.
type Callbacks struct {
	OnUpdate     func(text string)
	OnStabilized func(text string)
	OnFinal      func(text string)
}

// ListenerOptions tune the streaming recognizer session.
type ListenerOptions struct {
	SampleRate     int
	PartialEvery   time.Duration
	PublishInterim bool
}

// Listener accumulates microphone PCM and drives the recognizer with
// periodic partial passes and one final pass per utterance. It hosts the
// potentially blocking recognizer off the pipeline goroutines.
type Listener struct {
	opts       ListenerOptions
	recognizer Recognizer
	cb         Callbacks
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	listening    bool
	buffer       []byte
	inflight     bool
	pendingFinal bool
	lastPartial  time.Time
	lastText     string
}

func NewListener(parent context.Context, opts ListenerOptions, recognizer Recognizer, cb Callbacks, log *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(parent)
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	return &Listener{
		opts:       opts,
		recognizer: recognizer,
		cb:         cb,
		log:        log.With(slog.String("component", "stt-listener")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins a new utterance, discarding any leftover audio.
func (l *Listener) Start() {
	l.mu.Lock()
	l.listening = true
	l.buffer = nil
	l.lastText = ""
	l.lastPartial = time.Time{}
	l.mu.Unlock()
}

// Stop closes the current utterance and schedules the final pass.
func (l *Listener) Stop() {
	l.mu.Lock()
	wasListening := l.listening
	l.listening = false
	hasAudio := len(l.buffer) > 0
	l.mu.Unlock()
	if wasListening && hasAudio {
		l.schedule(true)
	}
}

// Feed appends a microphone frame. Frames arriving while not listening
// are dropped.
func (l *Listener) Feed(pcm []byte) {
	l.mu.Lock()
	if !l.listening {
		l.mu.Unlock()
		return
	}
	l.buffer = append(l.buffer, pcm...)
	schedulePartial := l.opts.PublishInterim && l.shouldSchedulePartialLocked()
	l.mu.Unlock()
	if schedulePartial {
		l.schedule(false)
	}
}

// Close cancels any in-flight recognition and waits for it to finish.
func (l *Listener) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Listener) shouldSchedulePartialLocked() bool {
	if l.inflight {
		return false
	}
	if l.lastPartial.IsZero() {
		l.lastPartial = time.Now()
		return true
	}
	if l.opts.PartialEvery <= 0 {
		return false
	}
	if time.Since(l.lastPartial) >= l.opts.PartialEvery {
		l.lastPartial = time.Now()
		return true
	}
	return false
}

func (l *Listener) schedule(final bool) {
	l.mu.Lock()
	if l.inflight {
		if final {
			l.pendingFinal = true
		}
		l.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), l.buffer...)
	l.inflight = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, 45*time.Second)
		defer cancel()

		result, err := l.recognizer.Transcribe(ctx, pcm, l.opts.SampleRate, final)
		if err != nil {
			l.log.Warn("stt transcription failed", slog.String("error", err.Error()))
		} else {
			l.deliver(result.Text, final)
		}

		l.mu.Lock()
		l.inflight = false
		pendingFinal := l.pendingFinal
		l.pendingFinal = false
		if !final {
			l.lastPartial = time.Now()
		} else {
			l.buffer = nil
		}
		l.mu.Unlock()

		if pendingFinal && !final {
			l.schedule(true)
		}
	}()
}

// deliver routes a transcript to the callbacks. A partial that repeats
// verbatim has stabilized.
func (l *Listener) deliver(text string, final bool) {
	if text == "" {
		return
	}
	if final {
		if l.cb.OnFinal != nil {
			l.cb.OnFinal(text)
		}
		return
	}
	l.mu.Lock()
	stabilized := text == l.lastText
	l.lastText = text
	l.mu.Unlock()
	if stabilized {
		if l.cb.OnStabilized != nil {
			l.cb.OnStabilized(text)
		}
		return
	}
	if l.cb.OnUpdate != nil {
		l.cb.OnUpdate(text)
	}
}
