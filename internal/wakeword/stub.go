package wakeword

// StubToggleInterval is the number of frames after which the stub engine
// fires a detection. Used when no ONNX model is configured (wakeword.model_path
// empty) so the rest of the pipeline remains exercisable without model
// assets on disk.
const StubToggleInterval = 150 // ~4.5s at 30ms frames

// StubScore is the fixed score the stub engine reports on a detection frame.
const StubScore float32 = 0.99

// StubEngine deterministically reports a detection every StubToggleInterval
// frames. It does not inspect audio data.
type StubEngine struct {
	counter int
}

// NewStubEngine creates a StubEngine.
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

// Classify ignores frame content and fires on a fixed cadence.
func (e *StubEngine) Classify(_ []int16) (Result, error) {
	e.counter++
	if e.counter >= StubToggleInterval {
		e.counter = 0
		return Result{Detected: true, Score: StubScore}, nil
	}
	return Result{}, nil
}

// Reset returns the engine to its initial state.
func (e *StubEngine) Reset() error {
	e.counter = 0
	return nil
}

// Close is a no-op for the stub engine.
func (e *StubEngine) Close() error {
	return nil
}
