package audio

import "math"

// Resample converts samples between rates by nearest-sample lookup.
// It is not band-limited; output length is floor(len(in)*toRate/fromRate).
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || len(in) == 0 {
		return nil
	}
	if fromRate == toRate {
		return append([]float32(nil), in...)
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]float32, n)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		idx := int(float64(i) * ratio)
		if idx >= len(in) {
			idx = len(in) - 1
		}
		out[i] = in[idx]
	}
	return out
}

// StreamResampler applies the same nearest-sample mapping as Resample to a
// stream delivered in arbitrary buffers. Positions are tracked across calls,
// so the output count never drifts from floor(total*toRate/fromRate).
type StreamResampler struct {
	from, to int64
	consumed int64 // input samples seen
	produced int64 // output samples emitted
	last     float32
}

func NewStreamResampler(fromRate, toRate int) *StreamResampler {
	return &StreamResampler{from: int64(fromRate), to: int64(toRate)}
}

// Process returns the output samples that became available with in.
func (r *StreamResampler) Process(in []float32) []float32 {
	if r.from <= 0 || r.to <= 0 || len(in) == 0 {
		return nil
	}
	base := r.consumed
	r.consumed += int64(len(in))
	target := r.consumed * r.to / r.from
	out := make([]float32, 0, max(target-r.produced, 0))
	for ; r.produced < target; r.produced++ {
		idx := r.produced*r.from/r.to - base
		switch {
		case idx < 0:
			out = append(out, r.last)
		case idx >= int64(len(in)):
			out = append(out, in[len(in)-1])
		default:
			out = append(out, in[idx])
		}
	}
	r.last = in[len(in)-1]
	return out
}

// QuantizePCM16 clamps to [-1, 1] and scales to signed 16-bit.
func QuantizePCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(math.Round(float64(s) * 32768))
		} else {
			out[i] = int16(math.Round(float64(s) * 32767))
		}
	}
	return out
}

// PCM16ToFloat maps signed 16-bit samples into [-1, 1).
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}
