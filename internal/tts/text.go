package tts

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// Pending text ending in one of these is treated as a complete batch.
func isCompleteEnding(r rune) bool {
	return isTerminator(r) || r == ':' || r == ';'
}

// SplitSentences cuts text after every terminator. Sentences are trimmed and
// a trailing fragment without a terminator is kept as the last sentence.
func SplitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if !isTerminator(r) {
			continue
		}
		end := i + utf8.RuneLen(r)
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// lastBoundary returns the byte offset just past the last terminator, or 0.
func lastBoundary(text string) int {
	boundary := 0
	for i, r := range text {
		if isTerminator(r) {
			boundary = i + utf8.RuneLen(r)
		}
	}
	return boundary
}

// Appender accumulates incrementally streamed text and releases only
// complete sentences. An incomplete tail is held until more text arrives.
type Appender struct {
	pending string
}

func (a *Appender) Append(text string) []string {
	a.pending += text
	sentences := SplitSentences(a.pending)
	if len(sentences) == 0 {
		return nil
	}
	trimmed := strings.TrimRightFunc(a.pending, unicode.IsSpace)
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if isCompleteEnding(last) {
		a.pending = ""
		return sentences
	}
	if len(sentences) == 1 {
		return nil
	}
	a.pending = strings.TrimLeftFunc(a.pending[lastBoundary(a.pending):], unicode.IsSpace)
	return sentences[:len(sentences)-1]
}

// Pending is the held-back tail.
func (a *Appender) Pending() string { return a.pending }

// Flush releases the held-back tail as a final sentence.
func (a *Appender) Flush() (string, bool) {
	tail := strings.TrimSpace(a.pending)
	a.pending = ""
	return tail, tail != ""
}

func (a *Appender) Reset() { a.pending = "" }

// EstimateWordTimings spreads the audio duration over the words of text in
// proportion to their character counts. The windows are contiguous and the
// last one ends at the end of the audio.
func EstimateWordTimings(text string, totalSamples, sampleRate int) []protocol.WordTiming {
	words := strings.Fields(text)
	if len(words) == 0 || sampleRate <= 0 {
		return nil
	}
	totalMS := uint32(int64(totalSamples) * 1000 / int64(sampleRate))
	totalChars := 0
	for _, w := range words {
		totalChars += utf8.RuneCountInString(w)
	}

	out := make([]protocol.WordTiming, 0, len(words))
	var current uint32
	for i, w := range words {
		duration := uint32(float64(totalMS) * float64(utf8.RuneCountInString(w)) / float64(totalChars))
		end := current + duration
		if i == len(words)-1 || end > totalMS {
			end = totalMS
		}
		out = append(out, protocol.WordTiming{Word: w, StartMS: current, EndMS: end})
		current = end
	}
	return out
}

// NormalizeWordTimings sorts engine-provided timings by start and repairs
// them so windows never overlap and never end before they start. When
// totalMS is non-zero windows are clamped to it.
func NormalizeWordTimings(words []protocol.WordTiming, totalMS uint32) []protocol.WordTiming {
	out := make([]protocol.WordTiming, 0, len(words))
	for _, w := range words {
		if strings.TrimSpace(w.Word) == "" {
			continue
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartMS < out[j].StartMS })

	var floor uint32
	for i := range out {
		w := &out[i]
		if w.StartMS < floor {
			w.StartMS = floor
		}
		if totalMS > 0 && w.StartMS > totalMS {
			w.StartMS = totalMS
		}
		if w.EndMS < w.StartMS {
			w.EndMS = w.StartMS
		}
		if totalMS > 0 && w.EndMS > totalMS {
			w.EndMS = totalMS
		}
		floor = w.EndMS
	}
	return out
}
