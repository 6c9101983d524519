// Package denoise applies a frequency-domain spectral-subtraction noise
// suppressor to the single-channel output of the echo canceller on the
// ec_loopback capture path. It tracks a per-bin noise-floor estimate across
// frames and subtracts a level-scaled multiple of that floor from each
// frame's magnitude spectrum, leaving phase untouched.
package denoise

import (
	"math"
	"sync"
)

// FrameSize is the fixed frame length this package processes, matching
// CaptureConfig's VAD frame length.
const FrameSize = 480

// noiseWarmupFrames is how many frames the noise-floor estimate tracks
// every bin unconditionally before switching to minimum-statistics tracking
// (only tightening the floor when a bin is quieter than the current
// estimate, so transient speech energy never pollutes the floor).
const noiseWarmupFrames = 10

// noiseAdaptRate is the exponential smoothing factor applied when the
// noise-floor estimate for a bin is updated.
const noiseAdaptRate = 0.1

// Denoiser applies spectral-subtraction denoise/dereverb to mono int16 PCM
// frames.
type Denoiser struct {
	mu      sync.Mutex
	level   float32 // 0.0 = bypass, 1.0 = full suppression
	enabled bool

	noiseMag   []float64 // running per-bin noise-floor magnitude estimate
	framesSeen int

	// Scratch DFT buffers, reused per frame to avoid per-call allocation.
	re, im []float64
}

// New allocates a Denoiser and its noise-floor and scratch buffers.
func New() *Denoiser {
	return &Denoiser{
		level:    1.0,
		enabled:  true,
		noiseMag: make([]float64, FrameSize/2+1),
		re:       make([]float64, FrameSize),
		im:       make([]float64, FrameSize),
	}
}

// SetEnabled enables or disables denoising.
func (d *Denoiser) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}

// Enabled reports whether denoising is active.
func (d *Denoiser) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetLevel sets the suppression blend level (0.0 = bypass, 1.0 = full
// suppression). Values are clamped to [0, 1].
func (d *Denoiser) SetLevel(level float32) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	d.mu.Lock()
	d.level = level
	d.mu.Unlock()
}

// Process applies denoise/dereverb in-place to buf, which must be exactly
// FrameSize samples (the post-AEC mic frame on the ec_loopback path). No-op
// when disabled or level == 0.
func (d *Denoiser) Process(buf []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled || d.level == 0 {
		return
	}
	if len(buf) != FrameSize {
		return
	}

	for i, s := range buf {
		d.re[i] = float64(s)
		d.im[i] = 0
	}
	dft(d.re, d.im)

	level := float64(d.level)
	bins := len(d.noiseMag)
	for k := 0; k < bins; k++ {
		mag := math.Hypot(d.re[k], d.im[k])

		if d.framesSeen < noiseWarmupFrames || mag < d.noiseMag[k] {
			d.noiseMag[k] += noiseAdaptRate * (mag - d.noiseMag[k])
		}

		subtracted := mag - level*d.noiseMag[k]
		if subtracted < 0 {
			subtracted = 0
		}
		if mag == 0 {
			continue
		}
		scale := subtracted / mag
		d.re[k] *= scale
		d.im[k] *= scale
		if mirror := FrameSize - k; k > 0 && mirror < FrameSize {
			d.re[mirror] *= scale
			d.im[mirror] *= scale
		}
	}
	d.framesSeen++

	idft(d.re, d.im)
	for i := range buf {
		buf[i] = clampInt16(d.re[i] / FrameSize)
	}
}

// Close releases the Denoiser. There is no native resource to free now that
// the implementation is pure Go; kept so callers that defer Close() for
// other components (such as the onnx wake-word engine) don't need a special
// case for this one.
func (d *Denoiser) Close() {}

// dft computes the discrete Fourier transform of (re, im) in place, using
// the direct O(n^2) definition. FrameSize is small (480 samples = 30 ms),
// so this runs comfortably within one frame period without needing an FFT.
func dft(re, im []float64) {
	n := len(re)
	outRe := make([]float64, n)
	outIm := make([]float64, n)
	for k := 0; k < n; k++ {
		var sr, si float64
		for t := 0; t < n; t++ {
			angle := -2 * math.Pi * float64(k) * float64(t) / float64(n)
			sin, cos := math.Sincos(angle)
			sr += re[t]*cos - im[t]*sin
			si += re[t]*sin + im[t]*cos
		}
		outRe[k] = sr
		outIm[k] = si
	}
	copy(re, outRe)
	copy(im, outIm)
}

// idft computes the inverse discrete Fourier transform of (re, im) in
// place, unnormalized (callers divide by n themselves on their way out).
func idft(re, im []float64) {
	n := len(re)
	outRe := make([]float64, n)
	outIm := make([]float64, n)
	for t := 0; t < n; t++ {
		var sr, si float64
		for k := 0; k < n; k++ {
			angle := 2 * math.Pi * float64(k) * float64(t) / float64(n)
			sin, cos := math.Sincos(angle)
			sr += re[k]*cos - im[k]*sin
			si += re[k]*sin + im[k]*cos
		}
		outRe[t] = sr
		outIm[t] = si
	}
	copy(re, outRe)
	copy(im, outIm)
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
