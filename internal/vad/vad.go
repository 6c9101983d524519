// Package vad implements a stateless-per-frame voice activity classifier for
// mono 16-bit PCM audio. Each call to Classify looks only at the frame it is
// given; hangover and consecutive-frame counting belong to the capture
// pipeline's own Woke/Listening bookkeeping, not to this package.
package vad

import "math"

const (
	// DefaultThreshold is the RMS level (of a normalized [-1,1] signal) below
	// which a frame is classified as silence (~-46 dBFS). Low enough to pass
	// quiet speech, high enough to suppress background hum and open-mic noise.
	DefaultThreshold = float32(0.005)

	// FrameLength is the fixed VAD frame length in samples: 480 samples is
	// 30 ms at 16 kHz, matching CaptureConfig's VAD frame length.
	FrameLength = 480
)

// VAD is a single-channel, stateless-per-frame voice activity classifier.
// Zero value is not usable; use New().
type VAD struct {
	threshold float32
	enabled   bool
}

// New returns a VAD with DefaultThreshold, enabled by default.
func New() *VAD {
	return &VAD{threshold: DefaultThreshold, enabled: true}
}

// SetEnabled enables or disables the classifier. When disabled, Classify
// always reports speech (pass-through).
func (v *VAD) SetEnabled(enabled bool) { v.enabled = enabled }

// Enabled reports whether the classifier is active.
func (v *VAD) Enabled() bool { return v.enabled }

// SetThreshold sets the RMS silence threshold. level is in [0, 100] and maps
// to an RMS range of [0.001, 0.05] (linear amplitude, input normalized to
// [-1, 1]). Lower values are more sensitive (detect quieter speech).
func (v *VAD) SetThreshold(level int) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	v.threshold = 0.001 + float32(level)/100.0*0.049
}

// Classify reports whether frame (int16 PCM, any length) is speech. A
// zero-length frame is never speech.
func (v *VAD) Classify(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}
	if !v.enabled {
		return true
	}
	return RMS(frame) > v.threshold
}

// RMS returns the root-mean-square of an int16 PCM frame, normalized to the
// [0, 1] amplitude range used by the threshold.
func RMS(frame []int16) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
