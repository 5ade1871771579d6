package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// httpRecognizer talks to a Whisper-style server: POST /transcribe with
// base64 PCM16 and the language, answered by {"text", "segments"}.
type httpRecognizer struct {
	endpoint string
	language string
	client   *http.Client
}

type whisperRequest struct {
	Audio         string `json:"audio"`
	Language      string `json:"language"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

func NewHTTPRecognizer(cfg config.STTConfig, client *http.Client) (Recognizer, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("stt endpoint is empty")
	}
	if client == nil {
		client = &http.Client{}
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &httpRecognizer{endpoint: endpoint, language: language, client: client}, nil
}

func (r *httpRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, prompt string) (TranscriptResult, error) {
	body, err := json.Marshal(whisperRequest{
		Audio:         base64.StdEncoding.EncodeToString(pcm),
		Language:      r.language,
		InitialPrompt: prompt,
	})
	if err != nil {
		return TranscriptResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("call whisper: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TranscriptResult{}, fmt.Errorf("whisper returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode whisper response: %w", err)
	}
	text := decoded.Text
	if strings.TrimSpace(text) == "" && len(decoded.Segments) > 0 {
		var sb strings.Builder
		for _, seg := range decoded.Segments {
			sb.WriteString(seg.Text)
		}
		text = sb.String()
	}
	return TranscriptResult{Text: strings.TrimSpace(text)}, nil
}
