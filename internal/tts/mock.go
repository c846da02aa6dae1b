package tts

import (
	"context"
	"encoding/binary"
	"math"
)

type mockSynth struct {
	chunkMS int
}

// NewMockSynth produces a quiet sine tone sized to the text length, in
// chunkMS slices. Useful for wiring tests and demos without a voice model.
func NewMockSynth(chunkMS int) Synthesizer {
	if chunkMS <= 0 {
		chunkMS = 200
	}
	return &mockSynth{chunkMS: chunkMS}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		rate := req.SampleRate
		if rate <= 0 {
			rate = 24000
		}
		// Roughly 60ms of audio per character of text.
		totalSamples := len(req.Text) * rate * 60 / 1000
		chunkSamples := rate * m.chunkMS / 1000
		if chunkSamples <= 0 {
			chunkSamples = 1
		}
		for offset := 0; offset < totalSamples; offset += chunkSamples {
			n := chunkSamples
			if offset+n > totalSamples {
				n = totalSamples - offset
			}
			pcm := make([]byte, n*2)
			for i := 0; i < n; i++ {
				sample := int16(2000 * math.Sin(2*math.Pi*220*float64(offset+i)/float64(rate)))
				binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
			}
			select {
			case chunks <- Chunk{PCM: pcm}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
