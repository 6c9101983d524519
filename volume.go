package main

import "sync"

// duckController wraps a VolumeController with a saturating duck-depth
// counter so nested Duck/Unduck calls compose correctly: the pre-duck
// level is restored only once the depth returns to zero, and a cue that
// plays while media is already ducked for speech does not prematurely
// restore volume.
type duckController struct {
	mu       sync.Mutex
	mixer    VolumeController
	depth    int
	preLevel int
	ducked   bool

	duckLevel int // target level while ducked, e.g. 20
}

// newDuckController wraps mixer; duckLevel is the volume level (0..100) held
// while at least one duck is active.
func newDuckController(mixer VolumeController, duckLevel int) *duckController {
	return &duckController{mixer: mixer, duckLevel: duckLevel}
}

// Duck lowers the mixer to duckLevel on the first call; subsequent nested
// calls only increment the depth counter.
func (d *duckController) Duck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.depth == 0 {
		d.preLevel = d.mixer.GetVolume()
		d.mixer.SetVolume(d.duckLevel)
		d.ducked = true
	}
	d.depth++
}

// Unduck decrements the depth counter; the mixer is restored to its
// pre-duck level only when depth returns to zero. Calling Unduck with no
// matching Duck is a no-op (depth never goes negative).
func (d *duckController) Unduck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.depth == 0 {
		return
	}
	d.depth--
	if d.depth == 0 && d.ducked {
		d.mixer.SetVolume(d.preLevel)
		d.ducked = false
	}
}

// Depth reports the current duck nesting depth. Exposed for tests.
func (d *duckController) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// GetVolume, SetVolume, Adjust pass straight through to the underlying
// mixer driver; only Duck/Unduck need the saturating-counter wrapper.
func (d *duckController) GetVolume() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mixer.GetVolume()
}

func (d *duckController) SetVolume(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mixer.SetVolume(level)
}

func (d *duckController) Adjust(delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mixer.Adjust(delta)
}
