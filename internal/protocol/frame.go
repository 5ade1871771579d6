package protocol

import (
	"encoding/binary"
	"math"
)

// FrameHeaderSize is the width of the sentence index prefix on every binary audio frame.
const FrameHeaderSize = 4

// AudioFrame is one binary unit of synthesized audio for a sentence.
type AudioFrame struct {
	SentenceIndex uint32
	Samples       []float32
}

// EncodeFrame lays out the little-endian sentence index followed by
// little-endian IEEE-754 float32 samples.
func EncodeFrame(frame AudioFrame) []byte {
	buf := make([]byte, FrameHeaderSize+len(frame.Samples)*4)
	binary.LittleEndian.PutUint32(buf, frame.SentenceIndex)
	for i, sample := range frame.Samples {
		binary.LittleEndian.PutUint32(buf[FrameHeaderSize+i*4:], math.Float32bits(sample))
	}
	return buf
}

func DecodeFrame(data []byte) (AudioFrame, error) {
	if len(data) < FrameHeaderSize {
		return AudioFrame{}, violation("audio frame too short: %d bytes", len(data))
	}
	samples, err := DecodeFloat32(data[FrameHeaderSize:])
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{
		SentenceIndex: binary.LittleEndian.Uint32(data),
		Samples:       samples,
	}, nil
}

// EncodePCM16 packs signed 16-bit samples as little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DecodePCM16 unpacks little-endian signed 16-bit samples.
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, violation("pcm16 payload not aligned: %d bytes", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// DecodeFloat32 unpacks little-endian IEEE-754 float32 samples.
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, violation("float32 payload not aligned: %d bytes", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}
