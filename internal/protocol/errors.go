package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by either pipeline.
type ErrorKind string

const (
	KindAuthRejected               ErrorKind = "auth_rejected"
	KindSegmentTranscriptionFailed ErrorKind = "segment_transcription_failed"
	KindSentenceSynthesisFailed    ErrorKind = "sentence_synthesis_failed"
	KindTransportError             ErrorKind = "transport_error"
	KindProtocolViolation          ErrorKind = "protocol_violation"
)

// Fatal reports whether an error of this kind ends the session.
func (k ErrorKind) Fatal() bool {
	return k == KindAuthRejected || k == KindTransportError
}

// Error is a typed pipeline error. Index is the segment or sentence the
// error is scoped to, or -1 when it applies to the whole session.
type Error struct {
	Kind  ErrorKind
	Index int64
	Err   error
}

func (e *Error) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s [%d]: %v", e.Kind, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can write errors.Is(err, protocol.ErrProtocolViolation).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Index < 0 || other.Index == e.Index)
	}
	return false
}

var (
	ErrAuthRejected      = &Error{Kind: KindAuthRejected, Index: -1, Err: errors.New("authentication rejected")}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation, Index: -1, Err: errors.New("protocol violation")}
	ErrTransport         = &Error{Kind: KindTransportError, Index: -1, Err: errors.New("transport error")}
)

func violation(format string, args ...any) error {
	return &Error{Kind: KindProtocolViolation, Index: -1, Err: fmt.Errorf(format, args...)}
}

// SegmentError scopes a transcription failure to one segment.
func SegmentError(segmentID uint64, err error) *Error {
	return &Error{Kind: KindSegmentTranscriptionFailed, Index: int64(segmentID), Err: err}
}

// SentenceError scopes a synthesis failure to one sentence.
func SentenceError(sentenceIndex uint32, err error) *Error {
	return &Error{Kind: KindSentenceSynthesisFailed, Index: int64(sentenceIndex), Err: err}
}

// KindOf extracts the kind of a pipeline error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
