// Package aec provides a Normalized Least Mean Squares (NLMS) acoustic echo
// canceller for the capture pipeline's ec_loopback path: a mic frame and a
// playback reference frame, both mono 16-bit PCM at 16 kHz, 480 samples
// (30 ms) each.
//
// Usage:
//
//	aecProc := aec.New(480) // 480 samples = 30 ms @ 16 kHz
//
//	// Whenever a playback reference frame is available (channel 3 of the
//	// ec_loopback capture stream):
//	aecProc.FeedFarEnd(ref)
//
//	// On the mic frame, before VAD/wake-word:
//	aecProc.Process(mic) // modifies mic in-place
package aec

import "sync"

const (
	// DefaultDelay is the bulk delay (samples) assumed between playback and
	// the echo arriving at the microphone. 640 samples = 40 ms at 16 kHz,
	// covering typical system latency (DAC + acoustic path + ADC).
	DefaultDelay = 640

	// DefaultTaps is the NLMS filter length (samples). 160 samples = 10 ms at
	// 16 kHz. The filter handles residual delay and room response within this
	// window after the bulk delay.
	DefaultTaps = 160

	// DefaultStep is the NLMS step size mu (0 < mu < 2). Smaller values
	// converge more slowly but are more stable; 0.1 is conservative.
	DefaultStep = 0.1
)

// AEC is an NLMS-based acoustic echo canceller operating on int16 mono PCM.
//
// The far-end circular buffer is large enough that the writer (FeedFarEnd)
// and reader (Process) access disjoint regions, so the mutex is only held
// briefly for the reference copy and for configuration changes.
type AEC struct {
	mu      sync.Mutex
	enabled bool

	// NLMS filter state
	weights []float64 // adaptive filter coefficients [tapLen]
	tapLen  int
	step    float64 // NLMS step size (mu)

	// Shared circular buffer for the far-end (playback) reference signal,
	// normalized to [-1, 1]. Size = frameSize + delayLen + tapLen; large
	// enough that the writer and reader are always in disjoint regions.
	farBuf    []float64
	farHead   int // next write position in farBuf
	bufLen    int
	delayLen  int
	frameSize int
}

// New creates an AEC for the given PCM frame size (in samples). frameSize is
// 480 for 30 ms at 16 kHz (CaptureConfig's VAD frame length).
func New(frameSize int) *AEC {
	bufLen := frameSize + DefaultDelay + DefaultTaps
	return &AEC{
		enabled:   true,
		weights:   make([]float64, DefaultTaps),
		tapLen:    DefaultTaps,
		step:      DefaultStep,
		farBuf:    make([]float64, bufLen),
		bufLen:    bufLen,
		delayLen:  DefaultDelay,
		frameSize: frameSize,
	}
}

// SetEnabled enables or disables echo cancellation. Enabling resets the
// filter weights so it adapts cleanly from scratch.
func (a *AEC) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	if enabled {
		for i := range a.weights {
			a.weights[i] = 0
		}
	}
	a.mu.Unlock()
}

// Enabled reports whether echo cancellation is active.
func (a *AEC) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// FeedFarEnd stores the most recent playback reference frame (channel 3 of
// the ec_loopback capture stream) as the far-end reference.
func (a *AEC) FeedFarEnd(frame []int16) {
	a.mu.Lock()
	for _, s := range frame {
		a.farBuf[a.farHead] = float64(s) / 32768.0
		a.farHead = (a.farHead + 1) % a.bufLen
	}
	a.mu.Unlock()
}

// Process applies echo cancellation to a captured mic frame in-place.
//
// The algorithm:
//  1. Copies the relevant far-end reference window (locked briefly).
//  2. Runs NLMS sample-by-sample outside the lock.
//  3. Output sample = near_end[i] − Σ w[k]*far_end[i+tapLen−1−k].
//     The NLMS update adapts the weights toward the actual echo path.
func (a *AEC) Process(frame []int16) {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}

	// Copy the reference window into a contiguous slice so NLMS runs outside
	// the mutex. We need frameSize+tapLen−1 samples, starting at:
	//   startIdx = farHead − frameSize − delayLen − tapLen + 1
	// For sample i, tap k: ref[i + tapLen − 1 − k].
	refLen := a.frameSize + a.tapLen - 1
	ref := make([]float64, refLen)
	startIdx := a.farHead - a.frameSize - a.delayLen - a.tapLen + 1
	for j := range refLen {
		// Add 3*bufLen to guarantee a positive dividend before modulo.
		idx := ((startIdx + j) % a.bufLen + 3*a.bufLen) % a.bufLen
		ref[j] = a.farBuf[idx]
	}
	a.mu.Unlock()

	// NLMS processing: weights are only modified here (single goroutine).
	for i := range frame {
		// refBase: index into ref of the most-recent tap (k=0) for sample i.
		refBase := i + a.tapLen - 1

		// Compute filter output y and power of the reference vector.
		var y, powerSum float64
		for k := 0; k < a.tapLen; k++ {
			x := ref[refBase-k]
			y += a.weights[k] * x
			powerSum += x * x
		}

		near := float64(frame[i]) / 32768.0
		e := near - y

		// Normalised weight update: w[k] += mu * e * x[k] / (||x||² + ε).
		if powerSum > 1e-10 {
			step := a.step * e / powerSum
			for k := 0; k < a.tapLen; k++ {
				a.weights[k] += step * ref[refBase-k]
			}
		}

		frame[i] = clampInt16(e * 32768.0)
	}
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
