package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeTranscribeAudio(t *testing.T) {
	pcm := EncodePCM16([]int16{1, 2, 3})
	raw := `{"audio":"` + base64.StdEncoding.EncodeToString(pcm) + `","initial_prompt":"hello there"}`
	msg, err := DecodeTranscribeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	audio, ok := msg.(AudioMessage)
	if !ok {
		t.Fatalf("expected AudioMessage, got %T", msg)
	}
	if len(audio.Audio) != 6 || audio.InitialPrompt != "hello there" {
		t.Fatalf("unexpected audio message %+v", audio)
	}
}

func TestDecodeTranscribeControl(t *testing.T) {
	msg, err := DecodeTranscribeMessage([]byte(`{"type":"commit"}`))
	if err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if _, ok := msg.(CommitMessage); !ok {
		t.Fatalf("expected CommitMessage, got %T", msg)
	}

	msg, err = DecodeTranscribeMessage([]byte(`{"type":"auth","token":"Bearer abc"}`))
	if err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if auth := msg.(AuthMessage); auth.Token != "abc" {
		t.Fatalf("expected bearer prefix stripped, got %q", auth.Token)
	}
}

func TestDecodeTranscribeViolations(t *testing.T) {
	inputs := []string{
		`not json`,
		`{}`,
		`{"audio":"***"}`,
		`{"audio":"AQ=="}`,
		`{"type":"auth"}`,
		`{"type":"synthesize_append","text":"hi"}`,
	}
	for _, in := range inputs {
		if _, err := DecodeTranscribeMessage([]byte(in)); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("expected protocol violation for %s, got %v", in, err)
		}
	}
}

func TestDecodeSpeakMessages(t *testing.T) {
	msg, err := DecodeSpeakMessage([]byte(`{"type":"synthesize_append","text":"Hello world.","voice":"af_heart","speed":1.2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	appendMsg, ok := msg.(SynthesizeAppendMessage)
	if !ok {
		t.Fatalf("expected SynthesizeAppendMessage, got %T", msg)
	}
	if appendMsg.Text != "Hello world." || appendMsg.Voice != "af_heart" || appendMsg.Speed != 1.2 {
		t.Fatalf("unexpected append %+v", appendMsg)
	}

	msg, err = DecodeSpeakMessage([]byte(`{"type":"synthesize","text":"Hi"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if full := msg.(SynthesizeMessage); full.Speed != 0 {
		t.Fatalf("expected zero speed when omitted, got %v", full.Speed)
	}

	msg, err = DecodeSpeakMessage([]byte(`{"type":"stop"}`))
	if err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if _, ok := msg.(StopMessage); !ok {
		t.Fatalf("expected StopMessage, got %T", msg)
	}
}

func TestDecodeSpeakViolations(t *testing.T) {
	inputs := []string{
		`{"text":"no type"}`,
		`{"type":"synthesize_append"}`,
		`{"type":"synthesize_append","text":"x","speed":0}`,
		`{"type":"commit"}`,
		`[1,2]`,
	}
	for _, in := range inputs {
		if _, err := DecodeSpeakMessage([]byte(in)); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("expected protocol violation for %s, got %v", in, err)
		}
	}
}

func TestEncodePutsTypeFirst(t *testing.T) {
	data, err := Encode(WordTimings{SentenceIndex: 2, Words: []WordTiming{{Word: "hi", StartMS: 0, EndMS: 120}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"word_timing","sentence_index":2,"words":[{"word":"hi","start_ms":0,"end_ms":120}]}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}

	data, err = Encode(Stopped{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"type":"stopped"}` {
		t.Fatalf("unexpected empty message encoding %s", data)
	}
}

func TestSpeakEventsDecodeWhatEncodeProduces(t *testing.T) {
	idx := uint32(4)
	messages := []ServerMessage{
		AuthOK{Username: "alice"},
		SentenceDone{SentenceIndex: 4},
		SpeakError{Message: "boom", Code: KindSentenceSynthesisFailed, SentenceIndex: &idx},
		Done{},
	}
	for _, msg := range messages {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("encode %T: %v", msg, err)
		}
		decoded, err := DecodeSpeakEvent(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if decoded.MessageType() != msg.MessageType() {
			t.Fatalf("expected %s, got %s", msg.MessageType(), decoded.MessageType())
		}
	}
	decoded, _ := DecodeSpeakEvent([]byte(`{"type":"error","message":"boom","code":"sentence_synthesis_failed","sentence_index":4}`))
	speakErr := decoded.(SpeakError)
	if speakErr.SentenceIndex == nil || *speakErr.SentenceIndex != 4 || speakErr.Code != KindSentenceSynthesisFailed {
		t.Fatalf("unexpected speak error %+v", speakErr)
	}
}

func TestTranscribeErrorWireShape(t *testing.T) {
	id := uint64(9)
	data, err := Encode(TranscribeError{Error: "engine down", Code: KindSegmentTranscriptionFailed, SegmentID: &id})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if generic["type"] != "error" || generic["error"] != "engine down" || generic["segment_id"] != float64(9) {
		t.Fatalf("unexpected wire shape %v", generic)
	}
}

func TestErrorKinds(t *testing.T) {
	err := SentenceError(2, errors.New("engine failed"))
	if KindOf(err) != KindSentenceSynthesisFailed {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if errors.Is(err, ErrProtocolViolation) {
		t.Fatal("sentence error must not match protocol violation")
	}
	if KindSentenceSynthesisFailed.Fatal() || !KindAuthRejected.Fatal() || !KindTransportError.Fatal() {
		t.Fatal("unexpected fatality classification")
	}
}
