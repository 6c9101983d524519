package main

// AudioFrame is an exclusively-owned block of 16-bit signed PCM samples at a
// single sample rate, single channel after preprocessing. It is moved
// through the pipeline rather than copied: Take() transfers ownership and
// leaves the source frame empty, so a frame is never read from two places at
// once.
type AudioFrame struct {
	samples []int16
}

// NewAudioFrame allocates a frame of the given length, zero-filled.
func NewAudioFrame(length int) AudioFrame {
	if length <= 0 {
		return AudioFrame{}
	}
	return AudioFrame{samples: make([]int16, length)}
}

// EmptyAudioFrame returns the sentinel empty frame produced by a short read.
func EmptyAudioFrame() AudioFrame {
	return AudioFrame{}
}

// IsEmpty reports whether the frame carries no samples — the sentinel for a
// short or failed read. A frame either holds samples or is this sentinel,
// which every consumer discards without acting on it.
func (f AudioFrame) IsEmpty() bool {
	return len(f.samples) == 0
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int {
	return len(f.samples)
}

// Samples exposes the underlying buffer for in-place preprocessing
// (stereo2mono, AEC, denoise). Callers must not retain the slice beyond the
// frame's own lifetime — ownership, not the backing array, is what moves.
func (f AudioFrame) Samples() []int16 {
	return f.samples
}

// Take transfers ownership of f's backing buffer to the caller and clears f,
// so the original variable can no longer observe or mutate the samples.
func (f *AudioFrame) Take() AudioFrame {
	out := AudioFrame{samples: f.samples}
	f.samples = nil
	return out
}

// CaptureConfig is frozen at capture init: sample rate, the two fixed frame
// lengths (wake-word frame W, VAD frame V — V is always 480 samples, 30 ms
// at 16 kHz), channel count, and the preprocessing flags that select how
// multi-channel input is demuxed into the mono frame the detectors see.
type CaptureConfig struct {
	SampleRate      int
	WakeFrameLength int
	VADFrameLength  int
	Channels        int
	Stereo2Mono     bool
	ECLoopback      bool
	ECEnabled       bool
}

// DefaultCaptureConfig returns the standard capture settings: 16 kHz, a
// 30 ms (480-sample) VAD frame, mono input, no echo cancellation.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:      16000,
		WakeFrameLength: 1280,
		VADFrameLength:  480,
		Channels:        1,
		Stereo2Mono:     false,
		ECLoopback:      false,
		ECEnabled:       false,
	}
}
