package narration

import (
	"context"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	latency    time.Duration
}

// NewMockSynth returns a synthesizer that emits one silent final chunk after
// a short delay.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, latency: 50 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.latency):
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Utterance:  req.Utterance,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        []byte{},
			Final:      true,
		}
	}()
	return chunks, errs
}
