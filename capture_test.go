package main

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/corevox/voxcore/internal/aec"
	"github.com/corevox/voxcore/internal/config"
	"github.com/corevox/voxcore/internal/denoise"
	"github.com/corevox/voxcore/internal/vad"
	"github.com/corevox/voxcore/internal/wakeword"
)

// errStreamStopped is what the fake input stream's Read() returns once
// exhausted or stopped, standing in for the error a real PortAudio stream
// surfaces from a Read() unblocked by Stop().
var errStreamStopped = errors.New("fake input stream stopped")

// fakeInputStream feeds preset int16 frames into a shared raw buffer on each
// Read(). Once the scripted frames are exhausted, or once Stop() is called,
// Read() unblocks with an error so the capture goroutine can exit instead of
// hanging forever (a real PortAudio stream's Read unblocks the same way when
// Stop() is called on it mid-read).
type fakeInputStream struct {
	mu      sync.Mutex
	frames  [][]int16
	idx     int
	raw     []int16
	started bool
	closed  bool
	stopped chan struct{}
}

func newFakeInputStream(raw []int16, frames [][]int16) *fakeInputStream {
	return &fakeInputStream{raw: raw, frames: frames, stopped: make(chan struct{})}
}

func (s *fakeInputStream) Start() error { s.started = true; return nil }

func (s *fakeInputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
	return nil
}

func (s *fakeInputStream) Close() error { s.closed = true; return nil }

func (s *fakeInputStream) Read() error {
	s.mu.Lock()
	select {
	case <-s.stopped:
		s.mu.Unlock()
		return errStreamStopped
	default:
	}
	if s.idx >= len(s.frames) {
		stopped := s.stopped
		s.mu.Unlock()
		<-stopped
		return errStreamStopped
	}
	copy(s.raw, s.frames[s.idx])
	s.idx++
	s.mu.Unlock()
	return nil
}

func testCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:      16000,
		WakeFrameLength: 1280,
		VADFrameLength:  480,
		Channels:        1,
	}
}

func testVADConfig() config.VAD {
	return config.VAD{
		StartSpeakingMS:      2000,
		DoneSpeakingMS:       300,
		InputDetectedNoiseMS: 300,
		ListenTimeoutMS:      10000,
	}
}

func silentFrame() []int16 { return make([]int16, 480) }

func loudFrame() []int16 {
	f := make([]int16, 480)
	for i := range f {
		if i%2 == 0 {
			f[i] = 12000
		} else {
			f[i] = -12000
		}
	}
	return f
}

// stubWakeOnNthFrame fires a detection on the Nth call to Classify and never
// again, so tests can control exactly when the pipeline leaves Waiting.
type stubWakeOnNthFrame struct {
	n     int
	count int
}

func (s *stubWakeOnNthFrame) Classify(_ []int16) (wakeword.Result, error) {
	s.count++
	if s.count == s.n {
		return wakeword.Result{Detected: true, Score: 1}, nil
	}
	return wakeword.Result{}, nil
}
func (s *stubWakeOnNthFrame) Reset() error { s.count = 0; return nil }
func (s *stubWakeOnNthFrame) Close() error { return nil }

func TestCaptureWakeDrainsRingAndEmitsWake(t *testing.T) {
	bus := NewEventBus()
	cfg := testCaptureConfig()
	raw := make([]int16, cfg.VADFrameLength)
	frames := [][]int16{silentFrame(), silentFrame(), loudFrame()}
	stream := newFakeInputStream(raw, frames)

	p := NewCapturePipeline(cfg, testVADConfig(), bus, &stubWakeOnNthFrame{n: 3}, vad.New(), nil, nil)

	if err := p.startWithStream(stream); err != nil {
		t.Fatalf("startWithStream: %v", err)
	}
	defer p.Stop()

	ev, ok := bus.Dequeue()
	if !ok || ev.Kind != EventWake {
		t.Fatalf("expected EventWake first, got kind=%d ok=%v", ev.Kind, ok)
	}

	// All three frames (including the one that triggered detection, which is
	// ring-appended before being classified) should drain from the ring as
	// InputFrame events immediately following the Wake event.
	for i := 0; i < 3; i++ {
		ev, ok := bus.Dequeue()
		if !ok || ev.Kind != EventInputFrame {
			t.Fatalf("expected drained InputFrame %d, got kind=%d ok=%v", i, ev.Kind, ok)
		}
	}
}

func TestCaptureExternalWakeIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	cfg := testCaptureConfig()
	raw := make([]int16, cfg.VADFrameLength)
	frames := make([][]int16, 0, 50)
	for i := 0; i < 50; i++ {
		frames = append(frames, silentFrame())
	}
	stream := newFakeInputStream(raw, frames)

	p := NewCapturePipeline(cfg, testVADConfig(), bus, wakeword.NewStubEngine(), vad.New(), nil, nil)
	if err := p.startWithStream(stream); err != nil {
		t.Fatalf("startWithStream: %v", err)
	}
	defer p.Stop()

	p.Wake()
	p.Wake() // second call must be a no-op (already Woke)

	ev, ok := bus.Dequeue()
	if !ok || ev.Kind != EventWake {
		t.Fatalf("expected exactly one EventWake, got kind=%d ok=%v", ev.Kind, ok)
	}
	time.Sleep(20 * time.Millisecond)
	// Drain any InputFrame events the woke state emits; none should be a
	// second Wake.
	for bus.Len() > 0 {
		ev, _ := bus.Dequeue()
		if ev.Kind == EventWake {
			t.Fatal("got a second EventWake from a redundant Wake() call")
		}
	}
}

func TestCaptureNoInputReturnsToWaiting(t *testing.T) {
	bus := NewEventBus()
	cfg := testCaptureConfig()
	vcfg := testVADConfig()
	vcfg.StartSpeakingMS = 100 // small: 3 frames at 480/16000 (30ms each)
	raw := make([]int16, cfg.VADFrameLength)
	frames := make([][]int16, 0, 20)
	for i := 0; i < 20; i++ {
		frames = append(frames, silentFrame())
	}
	stream := newFakeInputStream(raw, frames)

	p := NewCapturePipeline(cfg, vcfg, bus, wakeword.NewStubEngine(), vad.New(), nil, nil)
	if err := p.startWithStream(stream); err != nil {
		t.Fatalf("startWithStream: %v", err)
	}
	defer p.Stop()

	p.Wake()

	var gotDone bool
	deadline := time.After(2 * time.Second)
	for !gotDone {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for InputDone(false)")
		default:
		}
		ev, ok := bus.Dequeue()
		if !ok {
			continue
		}
		if ev.Kind == EventInputDone {
			if ev.Detected {
				t.Fatal("expected Detected=false for a silent utterance")
			}
			gotDone = true
		}
	}
}

// failingInputStream errors on every Read without Stop having been called,
// standing in for a capture device that disappears mid-run.
type failingInputStream struct{}

func (s *failingInputStream) Start() error { return nil }
func (s *failingInputStream) Stop() error  { return nil }
func (s *failingInputStream) Close() error { return nil }
func (s *failingInputStream) Read() error  { return errors.New("device gone") }

func TestCaptureDeviceErrorIsFatal(t *testing.T) {
	bus := NewEventBus()
	p := NewCapturePipeline(testCaptureConfig(), testVADConfig(), bus, wakeword.NewStubEngine(), vad.New(), nil, nil)

	fatal := make(chan error, 1)
	p.onFatal = func(err error) { fatal <- err }

	if err := p.startWithStream(&failingInputStream{}); err != nil {
		t.Fatalf("startWithStream: %v", err)
	}

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("expected onFatal on a device read error")
	}
	p.Stop() // must not hang: the pipeline thread already exited

	if bus.Len() != 0 {
		t.Errorf("no events may be emitted after a fatal device error, got %d queued", bus.Len())
	}
}

func TestCaptureTimingFrameCounts(t *testing.T) {
	timing := computeTiming(config.VAD{
		StartSpeakingMS:      2000,
		DoneSpeakingMS:       300,
		InputDetectedNoiseMS: 300,
		ListenTimeoutMS:      10000,
	}, 480, 16000)

	if timing.doneFrames != 10 {
		t.Errorf("doneFrames: got %d, want 10 (300ms of 480-sample frames at 16kHz)", timing.doneFrames)
	}
	if timing.listenTimeout != 10*time.Second {
		t.Errorf("listenTimeout: got %s, want 10s", timing.listenTimeout)
	}
}

// TestPreprocessDenoiseRequiresLoopbackAndECEnabled covers the scoping of
// the denoise/dereverb step to 3-channel input with both ec_loopback and
// ec_enabled set: without ec_loopback there is no reference channel at all,
// and with ec_loopback but echo cancellation disabled the mic average still
// passes through untouched — the preprocessor runs on the echo-cancelled
// output only.
func TestPreprocessDenoiseRequiresLoopbackAndECEnabled(t *testing.T) {
	n := denoise.FrameSize

	noise := make([]int16, n)
	for i := range noise {
		noise[i] = int16((i*37)%600 - 300)
	}
	buildRaw3 := func() []int16 {
		raw := make([]int16, n*3)
		for i := 0; i < n; i++ {
			raw[3*i] = noise[i]
			raw[3*i+1] = noise[i]
			raw[3*i+2] = 0
		}
		return raw
	}

	newPipeline := func(loopback, ecEnabled bool, d *denoise.Denoiser) *CapturePipeline {
		cfg := CaptureConfig{SampleRate: 16000, VADFrameLength: n, Channels: 3, ECLoopback: loopback, ECEnabled: ecEnabled}
		return NewCapturePipeline(cfg, config.VAD{}, nil, wakeword.NewStubEngine(), vad.New(), aec.New(n), d)
	}

	assertPassthrough := func(p *CapturePipeline, label string) {
		copy(p.raw, buildRaw3())
		out := p.preprocess()
		for i, s := range out.Samples() {
			if s != noise[i] {
				t.Fatalf("%s sample[%d]: expected denoise-free passthrough, got %d want %d", label, i, s, noise[i])
			}
		}
	}

	// Without ec_loopback, the denoiser must never run: the output is
	// exactly the L/R mic average, untouched.
	assertPassthrough(newPipeline(false, false, denoise.New()), "no loopback")

	// With the loopback reference captured but echo cancellation disabled,
	// the mic average must still pass through untouched.
	assertPassthrough(newPipeline(true, false, denoise.New()), "ec disabled")

	// With both set, a denoiser whose noise floor has been warmed up on
	// this exact signal must attenuate it sharply (subtracted magnitude
	// collapses toward zero once the floor estimate matches the signal).
	// The zero-valued reference channel makes the echo canceller itself an
	// exact passthrough, so any attenuation observed is the denoiser's.
	d := denoise.New()
	warm := append([]int16(nil), noise...)
	for i := 0; i < 20; i++ {
		d.Process(warm)
		copy(warm, noise)
	}
	with := newPipeline(true, true, d)
	copy(with.raw, buildRaw3())
	denoised := with.preprocess()

	var outEnergy, inEnergy float64
	for _, s := range denoised.Samples() {
		outEnergy += float64(s) * float64(s)
	}
	for _, s := range noise {
		inEnergy += float64(s) * float64(s)
	}
	if outEnergy >= inEnergy/4 {
		t.Fatalf("expected denoised energy well below input on the echo-cancelled path, got %v vs input %v", outEnergy, inEnergy)
	}
}
