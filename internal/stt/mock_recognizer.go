package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, _ string) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	duration := time.Duration(0)
	if sampleRate > 0 {
		duration = time.Duration(len(pcm)/2) * time.Second / time.Duration(sampleRate)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript %s]", duration.Round(time.Millisecond)),
		Confidence: 0,
	}, nil
}
