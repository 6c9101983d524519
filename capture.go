package main

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/corevox/voxcore/internal/aec"
	"github.com/corevox/voxcore/internal/config"
	"github.com/corevox/voxcore/internal/denoise"
	"github.com/corevox/voxcore/internal/vad"
	"github.com/corevox/voxcore/internal/wakeword"
)

// captureState is the pipeline's internal state, distinct from the dialog
// State the state machine owns. It is read and CAS'd across the
// capture thread and any external caller of Wake(), so it lives in an
// atomic.Int32 rather than behind the pipeline's own mutex.
type captureState int32

const (
	capWaiting captureState = iota
	capWoke
	capListening
	capClosed
)

// wakeRingCapacity bounds the pre-roll ring buffered while Waiting; oldest
// frames are dropped once full.
const wakeRingCapacity = 32

// inputStream abstracts the blocking PortAudio read call so the pipeline can
// be exercised without a real device.
type inputStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// CapturePipeline owns one capture device handle and runs its read loop on
// its own goroutine, producing Events onto the bus.
type CapturePipeline struct {
	cfg      CaptureConfig
	bus      *EventBus
	wake     wakeword.Engine
	vadEng   *vad.VAD
	aecEng   *aec.AEC
	denoiser *denoise.Denoiser

	timing captureTiming

	state atomic.Int32

	stream inputStream
	raw    []int16 // interleaved, len = VADFrameLength * cfg.Channels

	mono   []int16 // scratch: preprocessed single-channel output frame
	micBuf []int16 // scratch: 3-channel input, mean of mic channels 1-2
	refBuf []int16 // scratch: 3-channel input, loopback reference channel 3

	ringMu sync.Mutex
	ring   []AudioFrame

	// onFatal is invoked at most once, from the capture goroutine, when the
	// device read fails outside of an orderly Stop. Device errors are fatal:
	// the orchestrator logs and exits.
	onFatal   func(error)
	fatalOnce sync.Once

	consecSilence int
	consecNoise   int
	wokeFrames    int

	listenTimer *time.Timer
	stopTimer   chan struct{}

	wg sync.WaitGroup
}

// captureTiming holds the frame-count thresholds derived from config.VAD's
// millisecond settings: frames = floor(sample_rate*ms/1000/frame_length).
type captureTiming struct {
	startNoiseFrames int
	startFrames      int
	doneFrames       int
	listenTimeout    time.Duration
}

func computeTiming(v config.VAD, frameLength, sampleRate int) captureTiming {
	toFrames := func(ms int) int {
		f := (sampleRate * ms) / (1000 * frameLength)
		if f < 1 {
			f = 1
		}
		return f
	}
	return captureTiming{
		startNoiseFrames: toFrames(v.InputDetectedNoiseMS),
		startFrames:      toFrames(v.StartSpeakingMS),
		doneFrames:       toFrames(v.DoneSpeakingMS),
		listenTimeout:    time.Duration(v.ListenTimeoutMS) * time.Millisecond,
	}
}

// NewCapturePipeline wires the pipeline to its collaborators. The PortAudio
// stream is opened lazily in Start so a pipeline can be constructed (and,
// in tests, given a fake stream) before any device I/O occurs.
func NewCapturePipeline(cfg CaptureConfig, vadCfg config.VAD, bus *EventBus, wakeEng wakeword.Engine, vadEng *vad.VAD, aecEng *aec.AEC, denoiser *denoise.Denoiser) *CapturePipeline {
	p := &CapturePipeline{
		cfg:      cfg,
		bus:      bus,
		wake:     wakeEng,
		vadEng:   vadEng,
		aecEng:   aecEng,
		denoiser: denoiser,
		timing:   computeTiming(vadCfg, cfg.VADFrameLength, cfg.SampleRate),
		raw:      make([]int16, cfg.VADFrameLength*cfg.Channels),
		mono:     make([]int16, cfg.VADFrameLength),
		micBuf:   make([]int16, cfg.VADFrameLength),
		refBuf:   make([]int16, cfg.VADFrameLength),
		ring:     make([]AudioFrame, 0, wakeRingCapacity),
	}
	p.state.Store(int32(capWaiting))
	return p
}

// Start opens the default input device at cfg.SampleRate/cfg.Channels and
// launches the read loop. Library/device load failure at init aborts
// startup.
func (p *CapturePipeline) Start() error {
	inputDev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("capture: default input device: %w", err)
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: p.cfg.Channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.cfg.SampleRate),
		FramesPerBuffer: p.cfg.VADFrameLength,
	}
	stream, err := portaudio.OpenStream(params, p.raw)
	if err != nil {
		return fmt.Errorf("capture: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("capture: start stream: %w", err)
	}
	return p.startWithStream(stream)
}

// startWithStream lets tests inject a fake inputStream that writes into
// p.raw on Read() without opening a real device.
func (p *CapturePipeline) startWithStream(stream inputStream) error {
	p.stream = stream
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runLoop()
	}()
	return nil
}

// Wake synthesizes a Wake event from any thread via an atomic CAS from
// Waiting to Woke; a no-op if the pipeline is not currently Waiting.
func (p *CapturePipeline) Wake() {
	p.tryEnterWoke()
}

// tryEnterWoke performs the Waiting→Woke CAS shared by both Wake() and the
// read loop's own detector-fire path, so an external Wake() racing a
// detector firing in the same cycle never double-emits.
func (p *CapturePipeline) tryEnterWoke() bool {
	if !p.state.CompareAndSwap(int32(capWaiting), int32(capWoke)) {
		return false
	}
	p.bus.Publish(newEvent(EventWake))

	p.ringMu.Lock()
	drained := p.ring
	p.ring = make([]AudioFrame, 0, wakeRingCapacity)
	p.ringMu.Unlock()
	for _, f := range drained {
		p.bus.Publish(Event{Kind: EventInputFrame, Frame: f})
	}
	return true
}

// Stop sets the pipeline state to Closed, stops and closes the device, and
// joins the read-loop goroutine.
func (p *CapturePipeline) Stop() {
	p.state.Store(int32(capClosed))
	if p.stream != nil {
		p.stream.Stop()
	}
	p.wg.Wait()
	if p.stream != nil {
		p.stream.Close()
	}
	p.cancelListenTimeout()
}

func (p *CapturePipeline) loadState() captureState {
	return captureState(p.state.Load())
}

func (p *CapturePipeline) runLoop() {
	prev := capWaiting
	for {
		st := p.loadState()
		if st == capWoke && prev != capWoke {
			// The endpointing counters belong to this goroutine alone; an
			// external Wake() only flips the atomic state (the one datum
			// shared across threads), so the counters reset here, on first
			// observation of the transition.
			p.consecSilence = 0
			p.consecNoise = 0
			p.wokeFrames = 0
		}
		prev = st
		switch st {
		case capClosed:
			return
		case capWaiting:
			p.stepWaiting()
		case capWoke:
			p.stepWoke()
		case capListening:
			p.stepListening()
		}
	}
}

// readFrame blocks on the device and returns the preprocessed mono frame,
// or an empty sentinel on a short/failed read.
func (p *CapturePipeline) readFrame() AudioFrame {
	if err := p.stream.Read(); err != nil {
		if p.loadState() == capClosed {
			// Stop() unblocked the read; an orderly shutdown, not a fault.
			return EmptyAudioFrame()
		}
		log.Printf("[capture] device read error: %v", err)
		p.state.Store(int32(capClosed))
		if p.onFatal != nil {
			p.fatalOnce.Do(func() { p.onFatal(err) })
		}
		return EmptyAudioFrame()
	}
	return p.preprocess()
}

func (p *CapturePipeline) stepWaiting() {
	frame := p.readFrame()
	if frame.IsEmpty() {
		return
	}

	p.ringMu.Lock()
	if len(p.ring) >= wakeRingCapacity {
		p.ring = p.ring[1:]
	}
	p.ring = append(p.ring, frame)
	p.ringMu.Unlock()

	result, err := p.wake.Classify(frame.Samples())
	if err != nil {
		log.Printf("[capture] wake classify error: %v", err)
		return
	}
	if result.Detected {
		p.tryEnterWoke()
	}
}

func (p *CapturePipeline) stepWoke() {
	frame := p.readFrame()
	if frame.IsEmpty() {
		return
	}
	p.bus.Publish(Event{Kind: EventInputFrame, Frame: frame})

	if p.vadEng.Classify(frame.Samples()) {
		p.consecNoise++
		p.consecSilence = 0
	} else {
		p.consecSilence++
		p.consecNoise = 0
	}
	p.wokeFrames++

	if p.consecNoise >= p.timing.startNoiseFrames {
		if p.state.CompareAndSwap(int32(capWoke), int32(capListening)) {
			p.consecSilence = 0
			p.startListenTimeout()
		}
		return
	}
	if p.wokeFrames >= p.timing.startFrames {
		if p.state.CompareAndSwap(int32(capWoke), int32(capWaiting)) {
			p.bus.Publish(Event{Kind: EventInputDone, Detected: false})
		}
	}
}

func (p *CapturePipeline) stepListening() {
	frame := p.readFrame()
	if frame.IsEmpty() {
		return
	}
	p.bus.Publish(Event{Kind: EventInputFrame, Frame: frame})

	if p.vadEng.Classify(frame.Samples()) {
		p.consecSilence = 0
	} else {
		p.consecSilence++
	}

	if p.consecSilence >= p.timing.doneFrames {
		if p.state.CompareAndSwap(int32(capListening), int32(capWaiting)) {
			p.cancelListenTimeout()
			p.bus.Publish(Event{Kind: EventInputDone, Detected: true})
		}
	}
}

// startListenTimeout arms the vad.listen_timeout_ms timer. If Listening
// has not completed by the time it fires, an
// InputTimeout event is published and the pipeline returns to Waiting.
func (p *CapturePipeline) startListenTimeout() {
	p.cancelListenTimeout()
	if p.timing.listenTimeout <= 0 {
		return
	}
	stop := make(chan struct{})
	p.stopTimer = stop
	timer := time.AfterFunc(p.timing.listenTimeout, func() {
		select {
		case <-stop:
			return
		default:
		}
		if p.state.CompareAndSwap(int32(capListening), int32(capWaiting)) {
			p.bus.Publish(newEvent(EventInputTimeout))
		}
	})
	p.listenTimer = timer
}

func (p *CapturePipeline) cancelListenTimeout() {
	if p.listenTimer != nil {
		p.listenTimer.Stop()
		p.listenTimer = nil
	}
	if p.stopTimer != nil {
		close(p.stopTimer)
		p.stopTimer = nil
	}
}

// preprocess converts the raw interleaved read buffer into a single mono
// AudioFrame per cfg. All conversions use
// fixed preallocated scratch buffers — no per-frame allocation beyond the
// AudioFrame handed off to the event bus.
func (p *CapturePipeline) preprocess() AudioFrame {
	n := p.cfg.VADFrameLength
	switch p.cfg.Channels {
	case 1:
		copy(p.mono, p.raw[:n])
	case 2:
		for i := 0; i < n; i++ {
			l := p.raw[2*i]
			r := p.raw[2*i+1]
			if p.cfg.Stereo2Mono {
				p.mono[i] = int16((int32(l) + int32(r)) / 2)
			} else {
				p.mono[i] = l
			}
		}
	case 3:
		for i := 0; i < n; i++ {
			p.micBuf[i] = int16((int32(p.raw[3*i]) + int32(p.raw[3*i+1])) / 2)
			p.refBuf[i] = p.raw[3*i+2]
		}
		if p.cfg.ECLoopback && p.cfg.ECEnabled && p.aecEng != nil {
			p.aecEng.FeedFarEnd(p.refBuf)
			p.aecEng.Process(p.micBuf)
		}
		copy(p.mono, p.micBuf)
		// Denoise/dereverb runs only on the echo-cancelled output: with
		// ec_enabled off, the mic average passes through untouched.
		if p.cfg.ECLoopback && p.cfg.ECEnabled && p.denoiser != nil {
			p.denoiser.Process(p.mono)
		}
	default:
		copy(p.mono, p.raw[:n])
	}

	out := NewAudioFrame(n)
	copy(out.samples, p.mono)
	return out
}
