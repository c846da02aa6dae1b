package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics aggregates the pipeline's counters. With no meter provider
// configured the global meter is a no-op, so the zero-config path stays
// cheap.
type Metrics struct {
	turnsStarted   metric.Int64Counter
	turnsCompleted metric.Int64Counter
	turnsCancelled metric.Int64Counter
	sentences      metric.Int64Counter
	audioChunks    metric.Int64Counter
	ttsFailures    metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("ensemble.pipeline")
	m := &Metrics{}
	var err error
	if m.turnsStarted, err = meter.Int64Counter("ensemble.turns.started"); err != nil {
		return nil, err
	}
	if m.turnsCompleted, err = meter.Int64Counter("ensemble.turns.completed"); err != nil {
		return nil, err
	}
	if m.turnsCancelled, err = meter.Int64Counter("ensemble.turns.cancelled"); err != nil {
		return nil, err
	}
	if m.sentences, err = meter.Int64Counter("ensemble.sentences.segmented"); err != nil {
		return nil, err
	}
	if m.audioChunks, err = meter.Int64Counter("ensemble.audio.chunks"); err != nil {
		return nil, err
	}
	if m.ttsFailures, err = meter.Int64Counter("ensemble.tts.failures"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) addTurnStarted(ctx context.Context) {
	if m != nil {
		m.turnsStarted.Add(ctx, 1)
	}
}

func (m *Metrics) addTurnCompleted(ctx context.Context) {
	if m != nil {
		m.turnsCompleted.Add(ctx, 1)
	}
}

func (m *Metrics) addTurnCancelled(ctx context.Context) {
	if m != nil {
		m.turnsCancelled.Add(ctx, 1)
	}
}

func (m *Metrics) addSentence(ctx context.Context) {
	if m != nil {
		m.sentences.Add(ctx, 1)
	}
}

func (m *Metrics) addAudioChunk(ctx context.Context) {
	if m != nil {
		m.audioChunks.Add(ctx, 1)
	}
}

func (m *Metrics) addTTSFailure(ctx context.Context) {
	if m != nil {
		m.ttsFailures.Add(ctx, 1)
	}
}
