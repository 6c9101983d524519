package main

import "log"

// The concrete Player, LEDDriver, VolumeController, and SpotifyChildProcess
// drivers are external collaborators the core never implements. These
// logging stand-ins let main.go build and run end-to-end without a real
// media stack, LED hardware, system mixer, or Spotify Connect child
// process present.

type stubPlayer struct{}

func newStubPlayer() *stubPlayer { return &stubPlayer{} }

func (p *stubPlayer) PlayURL(url string, destination PlayerDestination) {
	log.Printf("[player] play-url dest=%d url=%s", destination, url)
}

func (p *stubPlayer) Say(text string, textID int64) {
	log.Printf("[player] say id=%d text=%q", textID, text)
}

func (p *stubPlayer) PlaySound(kind SoundKind, destination PlayerDestination) {
	log.Printf("[player] play-sound kind=%d dest=%d", kind, destination)
}

func (p *stubPlayer) Stop()       { log.Printf("[player] stop") }
func (p *stubPlayer) Resume()     { log.Printf("[player] resume") }
func (p *stubPlayer) CleanQueue() { log.Printf("[player] clean-queue") }

type stubLEDDriver struct{}

func newStubLEDDriver() *stubLEDDriver { return &stubLEDDriver{} }

func (l *stubLEDDriver) Animate(state LedState) {
	log.Printf("[leds] animate state=%d", state)
}

type stubVolumeController struct {
	level int
}

func newStubVolumeController() *stubVolumeController {
	return &stubVolumeController{level: 50}
}

func (v *stubVolumeController) GetVolume() int { return v.level }

func (v *stubVolumeController) SetVolume(level int) {
	v.level = level
	log.Printf("[volume] set-volume level=%d", level)
}

func (v *stubVolumeController) Adjust(delta int) {
	v.level += delta
	if v.level < 0 {
		v.level = 0
	}
	if v.level > 100 {
		v.level = 100
	}
	log.Printf("[volume] adjust delta=%d new=%d", delta, v.level)
}

type stubSpotifyChildProcess struct{}

func newStubSpotifyChildProcess() *stubSpotifyChildProcess { return &stubSpotifyChildProcess{} }

func (s *stubSpotifyChildProcess) SetCredentials(username, accessToken string) {
	log.Printf("[spotify] set-credentials user=%s", username)
}
