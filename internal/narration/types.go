package narration

import (
	"context"
	"time"
)

// SynthRequest contains parameters to synthesize one utterance.
type SynthRequest struct {
	SessionID string
	Utterance string
	Text      string
	Voice     string
}

// SynthChunk carries little-endian 16-bit PCM.
type SynthChunk struct {
	SessionID  string
	Utterance  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Duration is the playback length of the chunk.
func (c SynthChunk) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / (2 * c.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
