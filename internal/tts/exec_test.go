package tts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path
}

func TestExecSynthDecodesAudio(t *testing.T) {
	// Two little-endian float32 zeros, then word timings on a second line.
	cmd := writeScript(t, "cat >/dev/null\n"+
		`echo '{"pcm_f32_base64":"AAAAAAAAAAA=","sample_rate":16000}'`+"\n"+
		`echo '{"words":[{"word":"hi","start_ms":0,"end_ms":1}]}'`+"\n")
	synth, err := NewExecSynth(config.TTSConfig{Command: cmd, SampleRate: 24000})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(res.Samples) != 2 || res.SampleRate != 16000 || len(res.Words) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecSynthBadOutputDoesNotWaitForChild(t *testing.T) {
	// The child keeps writing after the bad line, enough to fill the pipe.
	cmd := writeScript(t, "cat >/dev/null\necho garbage\nwhile :; do echo filler; done\n")
	synth, err := NewExecSynth(config.TTSConfig{Command: cmd, SampleRate: 24000})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := time.Now()
	if _, err := synth.Synthesize(ctx, SynthRequest{Text: "hi"}); err == nil {
		t.Fatal("expected decode error")
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("expected prompt failure, took %v", elapsed)
	}
}

func TestExecSynthRunsSessionsInParallel(t *testing.T) {
	cmd := writeScript(t, "cat >/dev/null\nsleep 0.5\necho '{}'\n")
	synth, err := NewExecSynth(config.TTSConfig{Command: cmd, SampleRate: 24000})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	first := make(chan error, 1)
	go func() {
		_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "one"})
		first <- err
	}()
	time.Sleep(50 * time.Millisecond)

	started := time.Now()
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "two"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 900*time.Millisecond {
		t.Fatalf("expected concurrent calls, second took %v", elapsed)
	}
	if err := <-first; err != nil {
		t.Fatalf("first synthesize: %v", err)
	}
}
