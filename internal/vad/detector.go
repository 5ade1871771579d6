// Package vad implements an energy-based voice activity detector for PCM16 audio.
package vad

import "math"

const (
	initialNoiseFloor = 0.005
	noiseFloorDecay   = 0.95
)

// Detector classifies frames as speech or silence. The threshold adapts to
// twice the running noise floor, which only moves while no speech is present.
type Detector struct {
	threshold  float64
	noiseFloor float64
	speaking   bool
}

func NewDetector(threshold float64) *Detector {
	return &Detector{threshold: threshold, noiseFloor: initialNoiseFloor}
}

// Energy returns the RMS of samples normalized to [0, 1].
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// IsSpeech evaluates one frame and updates the noise floor.
func (d *Detector) IsSpeech(frame []int16) bool {
	energy := Energy(frame)
	if !d.speaking {
		d.noiseFloor = d.noiseFloor*noiseFloorDecay + energy*(1-noiseFloorDecay)
	}
	d.speaking = energy > d.Threshold()
	return d.speaking
}

// Threshold is the effective speech threshold for the next frame.
func (d *Detector) Threshold() float64 {
	return math.Max(d.threshold, d.noiseFloor*2)
}

func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

// Reset clears speaking state but keeps the learned noise floor.
func (d *Detector) Reset() {
	d.speaking = false
}
