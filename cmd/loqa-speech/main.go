package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/client"
	"github.com/loqalabs/loqa-speech/internal/playback"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

var version = "0.1.0-dev"

type commonFlags struct {
	server  string
	token   string
	timeout time.Duration
	verbose bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.server, "server", envOr("LOQA_SPEECH_URL", "http://localhost:3000"), "Speech server base URL")
	fs.StringVar(&c.token, "token", os.Getenv("LOQA_SPEECH_TOKEN"), "Bearer token")
	fs.DurationVar(&c.timeout, "timeout", 2*time.Minute, "Give up after this long")
	fs.BoolVar(&c.verbose, "v", false, "Verbose logging")
}

func (c *commonFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'speak' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "speak":
		err = runSpeak(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if protocol.KindOf(err) == protocol.KindAuthRejected {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func runTranscribe(ctx context.Context, args []string) error {
	var (
		common   commonFlags
		input    string
		realtime bool
		idle     time.Duration
	)
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&input, "file", "", "WAV file to transcribe")
	fs.BoolVar(&realtime, "realtime", false, "Send audio at playback speed")
	fs.DurationVar(&idle, "idle", 3*time.Second, "Stop waiting for transcripts after this much silence from the server")
	_ = fs.Parse(args)
	if input == "" {
		return errors.New("transcribe: -file is required")
	}

	f, err := os.Open(input)
	if err != nil {
		return err
	}
	samples, rate, err := audio.ReadWAV(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read %s: %w", input, err)
	}

	ctx, cancel := context.WithTimeout(ctx, common.timeout)
	defer cancel()
	sess, err := client.DialTranscribe(ctx, client.TranscribeConfig{
		URL:          common.server,
		Token:        common.token,
		DeviceRate:   rate,
		TargetRate:   16000,
		ChunkSamples: 4096,
		HintChars:    200,
		Capture:      f,
	}, common.logger())
	if err != nil {
		return err
	}
	defer sess.Close()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printTranscripts(sess.Events(), idle)
	}()

	step := max(rate/10, 1)
	for off := 0; off < len(samples); off += step {
		end := min(off+step, len(samples))
		if err := sess.Write(samples[off:end]); err != nil {
			return err
		}
		if realtime {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := sess.Commit(); err != nil {
		return err
	}
	<-printed
	return sess.Close()
}

// printTranscripts prints events until the channel closes or the server has
// been quiet for idle.
func printTranscripts(events <-chan protocol.ServerMessage, idle time.Duration) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case protocol.Transcript:
				fmt.Println(m.Text)
			case protocol.TranscribeError:
				fmt.Fprintf(os.Stderr, "error: %s\n", m.Error)
			}
			timer.Reset(idle)
		case <-timer.C:
			return
		}
	}
}

func runSpeak(ctx context.Context, args []string) error {
	var (
		common commonFlags
		text   string
		output string
		voice  string
		speed  float64
		rate   int
		words  bool
	)
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	common.register(fs)
	fs.StringVar(&text, "text", "", "Text to speak; read from stdin when empty")
	fs.StringVar(&output, "out", "speech.wav", "WAV file to write")
	fs.StringVar(&voice, "voice", "", "Voice override")
	fs.Float64Var(&speed, "speed", 0, "Speed override")
	fs.IntVar(&rate, "rate", 24000, "Output sample rate")
	fs.BoolVar(&words, "words", false, "Print word timings")
	_ = fs.Parse(args)

	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("speak: nothing to say")
	}

	ctx, cancel := context.WithTimeout(ctx, common.timeout)
	defer cancel()

	clock := &playback.ManualClock{}
	out := playback.NewWAVOutput(clock, rate)
	sess, err := client.DialSpeak(ctx, client.SpeakConfig{
		URL:        common.server,
		Token:      common.token,
		Voice:      voice,
		Speed:      speed,
		SampleRate: rate,
	}, clock, out, common.logger())
	if err != nil {
		return err
	}
	if err := sess.Synthesize(text); err != nil {
		_ = sess.Close()
		return err
	}

	var failed error
wait:
	for msg := range sess.Events() {
		switch m := msg.(type) {
		case protocol.Done:
			break wait
		case protocol.SpeakError:
			fmt.Fprintf(os.Stderr, "error: %s\n", m.Message)
			if m.Code.Fatal() {
				failed = &protocol.Error{Kind: m.Code, Index: -1, Err: errors.New(m.Message)}
				break wait
			}
		}
	}

	// Offline rendering: let the whole timeline play before releasing it.
	clock.Set(sess.Scheduler().End())
	if words {
		for _, h := range sess.Scheduler().Highlights() {
			fmt.Printf("%d\t%6dms\t%6dms\t%s\n", h.SentenceIndex, h.Word.StartMS, h.Word.EndMS, h.Word.Word)
		}
	}
	if err := sess.Close(); err != nil && failed == nil {
		failed = err
	}
	if err := ctx.Err(); err != nil && failed == nil {
		failed = err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := out.WriteWAV(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%s)\n", output, out.Duration().Round(time.Millisecond))
	return failed
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
