package wakeword

import "testing"

func TestStubEngineTogglesOnInterval(t *testing.T) {
	e := NewStubEngine()
	frame := make([]int16, 480)

	var detections int
	for range StubToggleInterval * 3 {
		res, err := e.Classify(frame)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if res.Detected {
			detections++
			if res.Score != StubScore {
				t.Errorf("detection score: got %v, want %v", res.Score, StubScore)
			}
		}
	}
	if detections != 3 {
		t.Errorf("detections over 3 intervals: got %d, want 3", detections)
	}
}

func TestStubEngineResetClearsCounter(t *testing.T) {
	e := NewStubEngine()
	frame := make([]int16, 480)
	for range StubToggleInterval - 1 {
		if _, err := e.Classify(frame); err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}
	if err := e.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for range StubToggleInterval - 1 {
		res, err := e.Classify(frame)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if res.Detected {
			t.Fatal("unexpected detection before interval elapsed after reset")
		}
	}
}

func TestStubEngineCloseNoop(t *testing.T) {
	e := NewStubEngine()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
