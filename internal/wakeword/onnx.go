package wakeword

import (
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// windowSize is the number of samples fed to the scoring model per
// inference, 512 samples (32 ms at 16 kHz) — the same window Silero-style
// single-pass wakeword models expect.
const windowSize = 512

// Config holds the paths and tuning knobs for an ONNXEngine, mirroring the
// wakeword.* config keys in §6: library_path (the ONNX Runtime shared
// library), model_path (the scoring model), keyword_path (an optional
// keyword-specific asset some bundled models ship alongside the scoring
// graph — logged, not required by the graph itself), sensitivity, pattern.
type Config struct {
	LibraryPath string
	ModelPath   string
	KeywordPath string // informational; not consumed by the scoring graph

	Sensitivity float64       // 0..1, default 0.7 per §6
	Pattern     string        // keyword phrase identifier, logged only
	Cooldown    time.Duration // minimum time between detections
}

func (c *Config) defaults() {
	if c.Sensitivity <= 0 {
		c.Sensitivity = 0.7
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 1500 * time.Millisecond
	}
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXEngine runs a single-model wakeword scoring pipeline via ONNX Runtime.
// It accumulates arbitrary-length frames into windowSize-sample windows and
// runs inference once per full window, tracking a trailing score-window
// maximum (like openWakeWord's multi-frame peak handling) so an utterance
// that straddles two windows is not missed by frame-alignment jitter.
type ONNXEngine struct {
	cfg Config

	session *ort.AdvancedSession
	in      *ort.Tensor[float32]
	state   *ort.Tensor[float32]
	out     *ort.Tensor[float32]
	stateN  *ort.Tensor[float32]

	buf         []float32
	scoreWindow [5]float32
	scoreIdx    int
	lastDetect  time.Time
}

// NewONNXEngine initializes ONNX Runtime (once per process) and loads the
// scoring model described by cfg.
func NewONNXEngine(cfg Config) (*ONNXEngine, error) {
	cfg.defaults()

	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("wakeword: onnx runtime init: %w", ortInitErr)
	}

	in, err := ort.NewEmptyTensor[float32](ort.NewShape(1, windowSize))
	if err != nil {
		return nil, fmt.Errorf("wakeword: input tensor: %w", err)
	}
	state, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("wakeword: state tensor: %w", err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		in.Destroy()
		state.Destroy()
		return nil, fmt.Errorf("wakeword: output tensor: %w", err)
	}
	stateN, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		in.Destroy()
		state.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("wakeword: stateN tensor: %w", err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		in.Destroy()
		state.Destroy()
		out.Destroy()
		stateN.Destroy()
		return nil, fmt.Errorf("wakeword: model introspection: %w", err)
	}
	if len(inInfo) < 2 || len(outInfo) < 2 {
		in.Destroy()
		state.Destroy()
		out.Destroy()
		stateN.Destroy()
		return nil, fmt.Errorf("wakeword: model %s does not expose the expected input/state tensors", cfg.ModelPath)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{inInfo[0].Name, inInfo[1].Name},
		[]string{outInfo[0].Name, outInfo[1].Name},
		[]ort.Value{in, state},
		[]ort.Value{out, stateN},
		nil,
	)
	if err != nil {
		in.Destroy()
		state.Destroy()
		out.Destroy()
		stateN.Destroy()
		return nil, fmt.Errorf("wakeword: create session: %w", err)
	}

	return &ONNXEngine{
		cfg:     cfg,
		session: session,
		in:      in,
		state:   state,
		out:     out,
		stateN:  stateN,
		buf:     make([]float32, 0, windowSize*2),
	}, nil
}

// Classify appends frame to the internal sample buffer and runs inference
// for each completed window. Detected is reported if the trailing score
// window's maximum crosses the configured sensitivity and the cooldown has
// elapsed since the last detection.
func (e *ONNXEngine) Classify(frame []int16) (Result, error) {
	for _, s := range frame {
		e.buf = append(e.buf, float32(s)/32768.0)
	}

	var best Result
	for len(e.buf) >= windowSize {
		score, err := e.infer(e.buf[:windowSize])
		if err != nil {
			return Result{}, err
		}
		e.buf = e.buf[windowSize:]

		e.scoreWindow[e.scoreIdx%len(e.scoreWindow)] = score
		e.scoreIdx++

		var max float32
		for _, s := range e.scoreWindow {
			if s > max {
				max = s
			}
		}

		now := time.Now()
		if float64(max) >= e.cfg.Sensitivity && now.Sub(e.lastDetect) > e.cfg.Cooldown {
			e.lastDetect = now
			for i := range e.scoreWindow {
				e.scoreWindow[i] = 0
			}
			best = Result{Detected: true, Score: score}
		} else if score > best.Score {
			best.Score = score
		}
	}
	return best, nil
}

func (e *ONNXEngine) infer(window []float32) (float32, error) {
	copy(e.in.GetData(), window)
	if err := e.session.Run(); err != nil {
		return 0, fmt.Errorf("wakeword: inference: %w", err)
	}
	score := e.out.GetData()[0]
	copy(e.state.GetData(), e.stateN.GetData())
	return score, nil
}

// Reset clears the sample buffer, recurrent state, and score window.
func (e *ONNXEngine) Reset() error {
	e.buf = e.buf[:0]
	for i := range e.state.GetData() {
		e.state.GetData()[i] = 0
	}
	for i := range e.scoreWindow {
		e.scoreWindow[i] = 0
	}
	e.scoreIdx = 0
	return nil
}

// Close releases the ONNX Runtime session and tensors. Safe to call once.
func (e *ONNXEngine) Close() error {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.in != nil {
		e.in.Destroy()
		e.in = nil
	}
	if e.state != nil {
		e.state.Destroy()
		e.state = nil
	}
	if e.out != nil {
		e.out.Destroy()
		e.out = nil
	}
	if e.stateN != nil {
		e.stateN.Destroy()
		e.stateN = nil
	}
	return nil
}
