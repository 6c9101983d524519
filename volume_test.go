package main

import "testing"

// fakeMixer is a hand-rolled in-memory VolumeController.
type fakeMixer struct {
	level int
}

func newFakeMixer(level int) *fakeMixer { return &fakeMixer{level: level} }

func (m *fakeMixer) GetVolume() int { return m.level }
func (m *fakeMixer) SetVolume(level int) { m.level = level }
func (m *fakeMixer) Adjust(delta int) {
	m.level += delta
	if m.level < 0 {
		m.level = 0
	}
	if m.level > 100 {
		m.level = 100
	}
}

func TestDuckUnduckRoundTrip(t *testing.T) {
	mixer := newFakeMixer(80)
	d := newDuckController(mixer, 20)

	d.Duck()
	if mixer.GetVolume() != 20 {
		t.Fatalf("after Duck: got %d, want 20", mixer.GetVolume())
	}
	d.Unduck()
	if mixer.GetVolume() != 80 {
		t.Fatalf("after Unduck: got %d, want 80 (pre-duck level)", mixer.GetVolume())
	}
}

func TestDuckNestedCallsComposeCorrectly(t *testing.T) {
	mixer := newFakeMixer(80)
	d := newDuckController(mixer, 20)

	d.Duck() // depth 1: media ducked for speech
	d.Duck() // depth 2: a cue plays while already ducked
	if mixer.GetVolume() != 20 {
		t.Fatalf("after nested Duck: got %d, want 20", mixer.GetVolume())
	}

	d.Unduck() // depth 1: cue ends, still ducked for speech
	if mixer.GetVolume() != 20 {
		t.Fatalf("after first Unduck with depth remaining: got %d, want still ducked at 20", mixer.GetVolume())
	}

	d.Unduck() // depth 0: restore
	if mixer.GetVolume() != 80 {
		t.Fatalf("after final Unduck: got %d, want 80", mixer.GetVolume())
	}
}

func TestUnduckWithoutDuckIsNoop(t *testing.T) {
	mixer := newFakeMixer(80)
	d := newDuckController(mixer, 20)
	d.Unduck()
	if mixer.GetVolume() != 80 {
		t.Fatalf("unmatched Unduck changed volume: got %d, want 80", mixer.GetVolume())
	}
	if d.Depth() != 0 {
		t.Fatalf("depth should not go negative: got %d", d.Depth())
	}
}

func TestAdjustAndSetPassThrough(t *testing.T) {
	mixer := newFakeMixer(50)
	d := newDuckController(mixer, 20)
	d.SetVolume(60)
	if mixer.GetVolume() != 60 {
		t.Fatalf("SetVolume: got %d, want 60", mixer.GetVolume())
	}
	d.Adjust(10)
	if mixer.GetVolume() != 70 {
		t.Fatalf("Adjust: got %d, want 70", mixer.GetVolume())
	}
}
