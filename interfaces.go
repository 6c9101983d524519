package main

// PlayerDestination selects which mixed output bus a playback request
// targets.
type PlayerDestination int

const (
	DestinationMusic PlayerDestination = iota
	DestinationVoice
	DestinationAlerts
)

// Player is the external media-playback engine collaborator. The core never
// renders audio itself; it only drives this narrow
// interface and consumes the PlayerStreamEnter/PlayerStreamEnd events the
// player emits back onto the event bus.
type Player interface {
	PlayURL(url string, destination PlayerDestination)
	Say(text string, textID int64)
	PlaySound(kind SoundKind, destination PlayerDestination)
	Stop()
	Resume()
	CleanQueue()
}

// LedState is the LED driver's state vocabulary.
type LedState int

const (
	LedStarting LedState = iota
	LedSleeping
	LedListening
	LedProcessing
	LedSaying
	LedConfig
	LedError
	LedNetError
	LedDisabled
)

// LEDDriver is the external LED-effect-driver collaborator.
type LEDDriver interface {
	Animate(state LedState)
}

// VolumeController is the external volume-mixer-driver collaborator. Duck
// depth is tracked by the caller (see duckController in volume.go), not by
// this interface, which has no Duck/Unduck of its own: it exposes only the
// raw mixer-level operations (get, set, adjust) a driver provides.
type VolumeController interface {
	GetVolume() int // 0..100
	SetVolume(level int)
	Adjust(delta int)
}

// SpotifyChildProcess is the external Spotify Connect child-process
// supervisor collaborator; the core only needs to hand it fresh credentials
// when the conversation server issues a new-device event.
type SpotifyChildProcess interface {
	SetCredentials(username, accessToken string)
}
