package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Control message discriminators.
const (
	TypeAuth             = "auth"
	TypeAudio            = "audio"
	TypeCommit           = "commit"
	TypeSynthesize       = "synthesize"
	TypeSynthesizeAppend = "synthesize_append"
	TypeStop             = "stop"

	TypeConnected    = "connected"
	TypeTranscript   = "transcript"
	TypeError        = "error"
	TypeAuthOK       = "auth_ok"
	TypeAuthError    = "auth_error"
	TypeWordTiming   = "word_timing"
	TypeSentenceDone = "sentence_done"
	TypeDone         = "done"
	TypeStopped      = "stopped"
)

// TranscribeMessage is a client message on the capture-to-text socket.
type TranscribeMessage interface{ isTranscribeMessage() }

// SpeakMessage is a client message on the text-to-speech socket.
type SpeakMessage interface{ isSpeakMessage() }

// AuthMessage carries a bearer credential.
type AuthMessage struct {
	Token string
}

// AudioMessage carries PCM16LE audio plus an optional transcript hint.
type AudioMessage struct {
	Audio         []byte
	InitialPrompt string
}

type CommitMessage struct{}

// SynthesizeAppendMessage appends a suffix to the session document.
type SynthesizeAppendMessage struct {
	Text  string
	Voice string
	Speed float64
}

// SynthesizeMessage resets the session and speaks the whole text.
type SynthesizeMessage struct {
	Text  string
	Voice string
	Speed float64
}

type StopMessage struct{}

func (AuthMessage) isTranscribeMessage()        {}
func (AuthMessage) isSpeakMessage()             {}
func (AudioMessage) isTranscribeMessage()       {}
func (CommitMessage) isTranscribeMessage()      {}
func (SynthesizeAppendMessage) isSpeakMessage() {}
func (SynthesizeMessage) isSpeakMessage()       {}
func (StopMessage) isSpeakMessage()             {}

type transcribeEnvelope struct {
	Type          string  `json:"type"`
	Audio         *string `json:"audio"`
	InitialPrompt string  `json:"initial_prompt"`
	Token         string  `json:"token"`
}

type speakEnvelope struct {
	Type  string   `json:"type"`
	Token string   `json:"token"`
	Text  *string  `json:"text"`
	Voice string   `json:"voice"`
	Speed *float64 `json:"speed"`
}

// DecodeTranscribeMessage validates a text frame from the capture side.
// Audio chunks have no type and an audio field, matching what browsers send.
func DecodeTranscribeMessage(data []byte) (TranscribeMessage, error) {
	var env transcribeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, violation("invalid json: %v", err)
	}
	switch env.Type {
	case "", TypeAudio:
		if env.Audio == nil {
			return nil, violation("message has no type and no audio")
		}
		pcm, err := base64.StdEncoding.DecodeString(*env.Audio)
		if err != nil {
			return nil, violation("audio is not valid base64: %v", err)
		}
		if len(pcm)%2 != 0 {
			return nil, violation("audio payload not aligned to pcm16: %d bytes", len(pcm))
		}
		return AudioMessage{Audio: pcm, InitialPrompt: env.InitialPrompt}, nil
	case TypeCommit:
		return CommitMessage{}, nil
	case TypeAuth:
		token := StripBearer(env.Token)
		if token == "" {
			return nil, violation("auth message without token")
		}
		return AuthMessage{Token: token}, nil
	default:
		return nil, violation("unknown message type %q", env.Type)
	}
}

// DecodeSpeakMessage validates a text frame from the synthesis side.
func DecodeSpeakMessage(data []byte) (SpeakMessage, error) {
	var env speakEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, violation("invalid json: %v", err)
	}
	switch env.Type {
	case TypeAuth:
		token := StripBearer(env.Token)
		if token == "" {
			return nil, violation("auth message without token")
		}
		return AuthMessage{Token: token}, nil
	case TypeSynthesizeAppend, TypeSynthesize:
		if env.Text == nil {
			return nil, violation("%s without text", env.Type)
		}
		var speed float64
		if env.Speed != nil {
			if *env.Speed <= 0 {
				return nil, violation("speed must be positive, got %v", *env.Speed)
			}
			speed = *env.Speed
		}
		if env.Type == TypeSynthesize {
			return SynthesizeMessage{Text: *env.Text, Voice: env.Voice, Speed: speed}, nil
		}
		return SynthesizeAppendMessage{Text: *env.Text, Voice: env.Voice, Speed: speed}, nil
	case TypeStop:
		return StopMessage{}, nil
	case "":
		return nil, violation("message without type")
	default:
		return nil, violation("unknown message type %q", env.Type)
	}
}

// StripBearer removes an optional "Bearer " prefix and surrounding space.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) >= 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// WordTiming is a word window relative to the start of its sentence audio.
type WordTiming struct {
	Word    string `json:"word"`
	StartMS uint32 `json:"start_ms"`
	EndMS   uint32 `json:"end_ms"`
}

// ServerMessage is any JSON event sent from the server.
type ServerMessage interface {
	MessageType() string
}

type Connected struct{}

type Transcript struct {
	Text      string `json:"text"`
	SegmentID uint64 `json:"segment_id"`
}

type TranscribeError struct {
	Error     string    `json:"error"`
	Code      ErrorKind `json:"code,omitempty"`
	SegmentID *uint64   `json:"segment_id,omitempty"`
}

type AuthOK struct {
	Username string `json:"username"`
}

type AuthError struct {
	Message string `json:"message"`
}

type WordTimings struct {
	SentenceIndex uint32       `json:"sentence_index"`
	Words         []WordTiming `json:"words"`
}

type SentenceDone struct {
	SentenceIndex uint32 `json:"sentence_index"`
}

type Done struct{}

type SpeakError struct {
	Message       string    `json:"message"`
	Code          ErrorKind `json:"code,omitempty"`
	SentenceIndex *uint32   `json:"sentence_index,omitempty"`
}

type Stopped struct{}

func (Connected) MessageType() string       { return TypeConnected }
func (Transcript) MessageType() string      { return TypeTranscript }
func (TranscribeError) MessageType() string { return TypeError }
func (AuthOK) MessageType() string          { return TypeAuthOK }
func (AuthError) MessageType() string       { return TypeAuthError }
func (WordTimings) MessageType() string     { return TypeWordTiming }
func (SentenceDone) MessageType() string    { return TypeSentenceDone }
func (Done) MessageType() string            { return TypeDone }
func (SpeakError) MessageType() string      { return TypeError }
func (Stopped) MessageType() string         { return TypeStopped }

// Encode marshals msg with its type discriminator as the first field.
func Encode(msg ServerMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	var out bytes.Buffer
	out.Grow(len(body) + 24)
	out.WriteString(`{"type":"`)
	out.WriteString(msg.MessageType())
	out.WriteByte('"')
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		out.WriteByte(',')
		out.Write(inner)
	}
	out.WriteByte('}')
	return out.Bytes(), nil
}

type typeHeader struct {
	Type string `json:"type"`
}

// DecodeTranscribeEvent parses a server message from the capture-to-text socket.
func DecodeTranscribeEvent(data []byte) (ServerMessage, error) {
	var head typeHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, violation("invalid json: %v", err)
	}
	switch head.Type {
	case TypeConnected:
		return Connected{}, nil
	case TypeTranscript:
		return decodeInto[Transcript](data)
	case TypeError:
		return decodeInto[TranscribeError](data)
	default:
		return nil, violation("unknown event type %q", head.Type)
	}
}

// DecodeSpeakEvent parses a server message from the text-to-speech socket.
func DecodeSpeakEvent(data []byte) (ServerMessage, error) {
	var head typeHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, violation("invalid json: %v", err)
	}
	switch head.Type {
	case TypeAuthOK:
		return decodeInto[AuthOK](data)
	case TypeAuthError:
		return decodeInto[AuthError](data)
	case TypeWordTiming:
		return decodeInto[WordTimings](data)
	case TypeSentenceDone:
		return decodeInto[SentenceDone](data)
	case TypeDone:
		return Done{}, nil
	case TypeError:
		return decodeInto[SpeakError](data)
	case TypeStopped:
		return Stopped{}, nil
	default:
		return nil, violation("unknown event type %q", head.Type)
	}
}

func decodeInto[T ServerMessage](data []byte) (ServerMessage, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, violation("decode %s: %v", msg.MessageType(), err)
	}
	return msg, nil
}
