package denoise

import (
	"math"
	"testing"
)

func TestDenoiserDisabledPassthrough(t *testing.T) {
	d := New()
	defer d.Close()
	d.SetEnabled(false)

	buf := make([]int16, FrameSize)
	for i := range buf {
		buf[i] = int16(i)
	}
	original := append([]int16(nil), buf...)

	d.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v", i, buf[i], original[i])
		}
	}
}

func TestDenoiserZeroLevelPassthrough(t *testing.T) {
	d := New()
	defer d.Close()
	d.SetLevel(0)

	buf := make([]int16, FrameSize)
	for i := range buf {
		buf[i] = int16(i)
	}
	original := append([]int16(nil), buf...)

	d.Process(buf)

	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("sample[%d]: got %v, want %v", i, buf[i], original[i])
		}
	}
}

func TestDenoiserWrongFrameSizeNoop(t *testing.T) {
	d := New()
	defer d.Close()

	buf := make([]int16, FrameSize-1)
	original := append([]int16(nil), buf...)
	d.Process(buf)
	for i := range buf {
		if buf[i] != original[i] {
			t.Fatalf("wrong-size frame should be untouched")
		}
	}
}

func TestDenoiserLevelClamping(t *testing.T) {
	d := New()
	defer d.Close()
	d.SetLevel(-1)
	if d.level != 0 {
		t.Errorf("level below min: got %v, want 0", d.level)
	}
	d.SetLevel(2)
	if d.level != 1 {
		t.Errorf("level above max: got %v, want 1", d.level)
	}
}

func TestDenoiserEnabledDefault(t *testing.T) {
	d := New()
	defer d.Close()
	if !d.Enabled() {
		t.Error("expected enabled by default")
	}
}

// toneFrame builds a fixed-frequency tone buried in low-amplitude noise, the
// shape the enabled/default-level path is meant to clean up.
func toneFrame(seed int) []int16 {
	buf := make([]int16, FrameSize)
	for i := range buf {
		tone := 6000 * math.Sin(2*math.Pi*440*float64(i)/16000)
		noise := float64((i*7+seed*13)%23-11) * 40
		buf[i] = clampInt16(tone + noise)
	}
	return buf
}

// TestDenoiserEnabledKeepsToneAudible exercises the enabled, default-level
// (1.0) path end to end: several noise-only frames warm up the per-bin
// floor estimate, then a tone-plus-noise frame is processed and must stay
// in range and not come back silent (the subtraction floors at zero, but
// it must not zero out the signal entirely).
func TestDenoiserEnabledKeepsToneAudible(t *testing.T) {
	d := New()
	defer d.Close()

	for i := 0; i < noiseWarmupFrames+2; i++ {
		noiseOnly := make([]int16, FrameSize)
		for j := range noiseOnly {
			noiseOnly[j] = int16((j*7+i*13)%23-11) * 40
		}
		d.Process(noiseOnly)
	}

	buf := toneFrame(1)
	d.Process(buf)

	var energy float64
	for _, s := range buf {
		energy += float64(s) * float64(s)
		if s > 32767 || s < -32768 {
			t.Fatalf("sample out of int16 range: %d", s)
		}
	}
	if energy == 0 {
		t.Fatal("expected residual tone energy after denoise, got silence")
	}
}
