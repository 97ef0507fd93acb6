package narration

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-lecture/internal/config"
)

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.NarrationConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, cfg.Authorization, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unknown narration mode %q", cfg.Mode)
	}
}
