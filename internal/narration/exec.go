package narration

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external program per utterance. The program reads one
// JSON request on stdin and writes one JSON object per line on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse narration command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("narration command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start narration command: %w", err)
	}

	if _, err := stdin.Write(payload); err != nil {
		_ = cmd.Wait()
		return err
	}
	_ = stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	sequence := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode narration output: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode narration pcm: %w", err)
		}
		chunk := SynthChunk{
			SessionID:  req.SessionID,
			Utterance:  req.Utterance,
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      resp.Final,
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			_ = cmd.Wait()
			return ctx.Err()
		}
		sequence++
	}
	if err := cmd.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}
