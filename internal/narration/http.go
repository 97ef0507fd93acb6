package narration

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-audio/wav"
)

const (
	httpChunkBytes   = 32 * 1024
	maxResponseBytes = 64 << 20
)

// httpSynth posts {"text": ...} to a speech endpoint that answers with a WAV
// document, and streams the decoded samples as 16-bit PCM.
type httpSynth struct {
	endpoint      string
	authorization string
	client        *http.Client
}

type httpRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func NewHTTPSynth(endpoint, authorization string, timeout time.Duration) (Synthesizer, error) {
	if endpoint == "" {
		return nil, errors.New("narration endpoint empty")
	}
	return &httpSynth{
		endpoint:      endpoint,
		authorization: authorization,
		client:        &http.Client{Timeout: timeout},
	}, nil
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := h.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (h *httpSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	body, err := json.Marshal(httpRequest{Text: req.Text, Voice: req.Voice})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.authorization != "" {
		httpReq.Header.Set("Authorization", h.authorization)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("narration request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read narration audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("narration endpoint returned %s: %s", resp.Status, bytes.TrimSpace(truncate(data, 256)))
	}
	if len(data) == 0 {
		return errors.New("narration endpoint returned empty audio")
	}

	pcm, sampleRate, channels, err := decodeWAV(data)
	if err != nil {
		return err
	}

	sequence := 0
	for offset := 0; ; offset += httpChunkBytes {
		end := offset + httpChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := SynthChunk{
			SessionID:  req.SessionID,
			Utterance:  req.Utterance,
			Sequence:   sequence,
			SampleRate: sampleRate,
			Channels:   channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		if chunk.Final {
			return nil
		}
		sequence++
	}
}

// decodeWAV converts integer WAV samples of any bit depth to 16-bit
// little-endian PCM.
func decodeWAV(data []byte) ([]byte, int, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("narration audio is not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode narration audio: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 || len(buf.Data) == 0 {
		return nil, 0, 0, errors.New("narration audio has no samples")
	}

	depth := int(dec.BitDepth)
	pcm := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(to16(v, depth)))
	}
	return pcm, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

func to16(v, depth int) int16 {
	switch {
	case depth == 8:
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	default:
		return int16(v)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
