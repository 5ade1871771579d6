package protocol

import "time"

// Direction names the pipeline a session belongs to.
type Direction string

const (
	DirectionCaptureToText Direction = "capture_to_text"
	DirectionTextToSpeech  Direction = "text_to_speech"
)

// BusEvent is the envelope for lifecycle events mirrored onto the bus.
type BusEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Direction Direction `json:"direction"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// SessionOpened is published once a session passes the handshake.
type SessionOpened struct {
	Principal string `json:"principal"`
	Remote    string `json:"remote,omitempty"`
}

// SessionClosed is published when the connection handler exits.
type SessionClosed struct {
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// TranscriptEvent is emitted once per finalized segment, in finalization order.
type TranscriptEvent struct {
	SegmentID uint64    `json:"segment_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SentenceEvent summarizes one synthesized sentence.
type SentenceEvent struct {
	SentenceIndex uint32 `json:"sentence_index"`
	Text          string `json:"text"`
	Samples       int    `json:"samples"`
	Words         int    `json:"words"`
}

// FailureEvent records a recoverable, scoped pipeline error.
type FailureEvent struct {
	Kind    ErrorKind `json:"kind"`
	Index   int64     `json:"index"`
	Message string    `json:"message"`
}

// Websocket endpoints of the two pipelines.
const (
	TranscribePath = "/ws/transcribe"
	LivePath       = "/ws/live"
)

const (
	SubjectSessionOpened = "speech.session.opened"
	SubjectSessionClosed = "speech.session.closed"
	SubjectTranscript    = "speech.stt.transcript"
	SubjectSTTError      = "speech.stt.error"
	SubjectSentence      = "speech.tts.sentence"
	SubjectTTSError      = "speech.tts.error"
)
