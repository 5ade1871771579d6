package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/resilience"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local command per segment. The command receives a
// WAV path and prints {"text": ..., "confidence": ...} on stdout. Calls run
// in parallel up to MaxConcurrent.
type execRecognizer struct {
	cmd   []string
	cfg   config.STTConfig
	slots *resilience.Limiter
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, slots: resilience.NewLimiter(cfg.MaxConcurrent)}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, prompt string) (TranscriptResult, error) {
	release, err := r.slots.Acquire(ctx)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer release()

	samples, err := protocol.DecodePCM16(pcm)
	if err != nil {
		return TranscriptResult{}, err
	}

	file, err := os.CreateTemp("", "loqa_speech_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WritePCM16WAV(file, samples, sampleRate, 1); err != nil {
		return TranscriptResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if prompt != "" {
		args = append(args, "--prompt", prompt)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	command.WaitDelay = time.Second
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}
