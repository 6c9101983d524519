package main

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corevox/voxcore/internal/aec"
	"github.com/corevox/voxcore/internal/config"
	"github.com/corevox/voxcore/internal/denoise"
	"github.com/corevox/voxcore/internal/vad"
	"github.com/corevox/voxcore/internal/wakeword"
)

// shutdownGrace bounds how long Orchestrator.Shutdown waits for the capture
// thread and network clients to join before giving up.
const shutdownGrace = 5 * time.Second

// Orchestrator owns every long-lived component and runs the event bus's sole
// consumer loop: it is the "control thread" the state machine,
// capture pipeline, and both network clients are documented against.
type Orchestrator struct {
	cfg *config.Config
	bus *EventBus

	capture *CapturePipeline
	sm      *StateMachine
	conv    *ConversationClient
	stt     *STTClient
	audio   *AudioSubprotocolHandler

	wakeEng  wakeword.Engine
	vadEng   *vad.VAD
	aecEng   *aec.AEC
	denoiser *denoise.Denoiser

	cancel     context.CancelFunc
	done       chan struct{}
	captureErr error
}

// NewOrchestrator wires every component from cfg. player, leds, mixer, and
// spotify are the external collaborators the core never implements itself;
// the caller (main.go) supplies concrete drivers, or test doubles.
func NewOrchestrator(cfg *config.Config, player Player, leds LEDDriver, mixer VolumeController, spotify SpotifyChildProcess) *Orchestrator {
	bus := NewEventBus()

	wakeEng := newWakeEngine(cfg.Wakeword)
	vadEng := vad.New()
	aecEng := aec.New(480)
	denoiser := denoise.New()

	captureCfg := CaptureConfig{
		SampleRate:      16000,
		WakeFrameLength: 1280,
		VADFrameLength:  480,
		Channels:        1,
		Stereo2Mono:     cfg.Audio.Stereo2Mono,
		ECLoopback:      cfg.Audio.ECLoopback,
		ECEnabled:       cfg.Audio.ECEnabled,
	}
	if cfg.Audio.ECLoopback {
		captureCfg.Channels = 3 // mic-L, mic-R, loopback reference
	} else if cfg.Audio.Stereo2Mono {
		captureCfg.Channels = 2
	}

	capture := NewCapturePipeline(captureCfg, cfg.VAD, bus, wakeEng, vadEng, aecEng, denoiser)

	duck := newDuckController(mixer, 20)

	var sendAudioProto func(map[string]any)
	conv := NewConversationClient(cfg.General, bus, nil)
	audio := NewAudioSubprotocolHandler(bus, duck, spotify, func(resp map[string]any) {
		if sendAudioProto != nil {
			sendAudioProto(resp)
		}
	})
	sendAudioProto = conv.writeControl
	conv.audio = audio

	stt := NewSTTClient(cfg.General.NLURL, cfg.General.Locale, bus)

	sm := NewStateMachine(player, leds, duck, stt, conv, spotify, capture)

	return &Orchestrator{
		cfg:      cfg,
		bus:      bus,
		capture:  capture,
		sm:       sm,
		conv:     conv,
		stt:      stt,
		audio:    audio,
		wakeEng:  wakeEng,
		vadEng:   vadEng,
		aecEng:   aecEng,
		denoiser: denoiser,
		done:     make(chan struct{}),
	}
}

// newWakeEngine selects the ONNX engine when a model path is configured, the
// stub engine otherwise — a stub keeps the rest of the pipeline exercisable
// without model assets on disk.
func newWakeEngine(cfg config.Wakeword) wakeword.Engine {
	if cfg.ModelPath == "" {
		return wakeword.NewStubEngine()
	}
	eng, err := wakeword.NewONNXEngine(wakeword.Config{
		LibraryPath: cfg.LibraryPath,
		ModelPath:   cfg.ModelPath,
		KeywordPath: cfg.KeywordPath,
		Sensitivity: cfg.Sensitivity,
		Pattern:     cfg.Pattern,
	})
	if err != nil {
		log.Printf("[orchestrator] onnx wake engine unavailable, falling back to stub: %v", err)
		return wakeword.NewStubEngine()
	}
	return eng
}

// Run starts every component and blocks the caller's goroutine in the event
// bus consumer loop until ctx is cancelled or Shutdown is called. A fatal
// capture device error tears the run down and is returned to the caller;
// the wrapping service supervisor restarts the process.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.capture.onFatal = func(err error) {
		log.Printf("[orchestrator] capture pipeline failed: %v", err)
		o.captureErr = err
		cancel()
	}

	if err := o.capture.Start(); err != nil {
		cancel()
		return err
	}

	go o.conv.Run(ctx)

	go func() {
		<-ctx.Done()
		o.Shutdown()
	}()

	o.consumeLoop()
	close(o.done)
	return o.captureErr
}

// consumeLoop is the event bus's sole consumer: every Event is
// dispatched to the state machine from this one goroutine, so the state
// machine itself never needs its own locking.
func (o *Orchestrator) consumeLoop() {
	for {
		ev, ok := o.bus.Dequeue()
		if !ok {
			return
		}
		o.sm.Dispatch(ev)
	}
}

// Done reports when Run has returned, e.g. for main.go to wait on before
// exiting the process.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Shutdown runs the cancellation sequence: stop accepting new
// input, join the capture thread and cancel the network clients
// concurrently with a bounded wait, then drain the event bus without
// dispatching so the state machine quiesces cleanly.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}

	eg, _ := errgroup.WithContext(context.Background())
	eg.Go(func() error {
		o.capture.Stop()
		return nil
	})
	eg.Go(func() error {
		o.conv.Stop()
		return nil
	})
	eg.Go(func() error {
		o.stt.Abort()
		return nil
	})

	joined := make(chan struct{})
	go func() {
		eg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(shutdownGrace):
		log.Printf("[orchestrator] shutdown: component join timed out after %s", shutdownGrace)
	}

	o.wakeEng.Close()
	o.bus.Close()
}
