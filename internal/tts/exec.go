package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/resilience"
	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command per sentence. The request is written as
// JSON on stdin; the command answers with NDJSON lines carrying base64
// little-endian float32 audio and, optionally, word timings.
type execSynth struct {
	cmd        []string
	sampleRate int
	slots      *resilience.Limiter
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string                `json:"pcm_f32_base64"`
	SampleRate int                   `json:"sample_rate"`
	Words      []protocol.WordTiming `json:"words"`
	Error      string                `json:"error"`
}

func NewExecSynth(cfg config.TTSConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: cfg.SampleRate, slots: resilience.NewLimiter(cfg.MaxConcurrent)}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	release, err := e.slots.Acquire(ctx)
	if err != nil {
		return SynthResult{}, err
	}
	defer release()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return SynthResult{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return SynthResult{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SynthResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return SynthResult{}, fmt.Errorf("start tts command: %w", err)
	}

	// The child may still be writing when we give up on it; kill it so Wait
	// does not block on a full stdout pipe.
	abort := func(err error) (SynthResult, error) {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return SynthResult{}, err
	}

	if _, err := stdin.Write(data); err != nil {
		return abort(err)
	}
	stdin.Close()

	result := SynthResult{SampleRate: e.sampleRate}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return abort(fmt.Errorf("decode tts response: %w", err))
		}
		if resp.Error != "" {
			return abort(fmt.Errorf("tts command: %s", resp.Error))
		}
		if resp.PCMBase64 != "" {
			raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return abort(fmt.Errorf("decode tts audio: %w", err))
			}
			samples, err := protocol.DecodeFloat32(raw)
			if err != nil {
				return abort(err)
			}
			result.Samples = append(result.Samples, samples...)
		}
		if resp.SampleRate > 0 {
			result.SampleRate = resp.SampleRate
		}
		result.Words = append(result.Words, resp.Words...)
	}
	if err := scanner.Err(); err != nil {
		return abort(err)
	}
	if err := cmd.Wait(); err != nil {
		return SynthResult{}, fmt.Errorf("tts command failed: %w", err)
	}
	return result, nil
}
