package main

import (
	"log"
	"time"
)

// State names the dialog state machine's states.
type State int

const (
	StateSleeping State = iota
	StateListening
	StateProcessing
	StateSaying
	StateDisabled
	StateConfig
)

func (s State) String() string {
	switch s {
	case StateSleeping:
		return "Sleeping"
	case StateListening:
		return "Listening"
	case StateProcessing:
		return "Processing"
	case StateSaying:
		return "Saying"
	case StateDisabled:
		return "Disabled"
	case StateConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// dialogState is the current State plus the extra fields the Saying variant
// carries (text_id, follow_up), and the enter-time
// timestamp every state snapshots for elapsed-time transition logging.
type dialogState struct {
	kind       State
	textID     int64
	followUp   bool
	ttsStartAt time.Time
	enteredAt  time.Time
}

// sttSession is the subset of the STT Client the state machine drives.
type sttSession interface {
	BeginSession()
	SendFrame(frame AudioFrame)
	SendDone()
	Abort()
}

// commandSender is the subset of the Conversation Client the state machine
// drives to relay a finished STT transcript upstream.
type commandSender interface {
	SendCommand(text string)
}

// captureWaker synthesizes a wake on the capture pipeline, used when the
// dialog enters Listening without a spoken wake-word: an externally
// synthesized Wake event, or follow-up listening after a Saying round. A
// no-op when the pipeline is already awake.
type captureWaker interface {
	Wake()
}

// StateMachine is single-threaded: all transitions run on whatever
// goroutine calls Dispatch, which the orchestrator guarantees is always the
// control thread by only ever calling it from the event bus consumer loop.
// Producers reach it indirectly through the thread-safe EventBus.
type StateMachine struct {
	state dialogState

	player  Player
	leds    LEDDriver
	volume  *duckController
	stt     sttSession
	conv    commandSender
	spotify SpotifyChildProcess
	waker   captureWaker

	// Collaborators are narrow capability handles handed in at construction
	// rather than a back-pointer into a parent application object.
}

// NewStateMachine wires the state machine to its collaborators. It starts in
// Sleeping.
func NewStateMachine(player Player, leds LEDDriver, volume *duckController, stt sttSession, conv commandSender, spotify SpotifyChildProcess, waker captureWaker) *StateMachine {
	return &StateMachine{
		state:   dialogState{kind: StateSleeping, enteredAt: time.Now()},
		player:  player,
		leds:    leds,
		volume:  volume,
		stt:     stt,
		conv:    conv,
		spotify: spotify,
		waker:   waker,
	}
}

// Current returns the current dialog state, for diagnostics/tests.
func (m *StateMachine) Current() State {
	return m.state.kind
}

// Dispatch processes one event against the current state. It must only be
// called from the control thread (the event bus's single consumer).
func (m *StateMachine) Dispatch(ev Event) {
	// The audio subprotocol and Panic apply uniformly regardless of dialog
	// state; handle them first.
	if ev.Kind == EventAudioRequest {
		m.handleAudioRequest(ev.AudioRequest)
		return
	}
	if ev.Kind == EventPanic {
		m.player.Stop()
		m.leds.Animate(LedError)
		m.transition(dialogState{kind: StateSleeping})
		return
	}
	// Spotify credentials arrive whenever a new-device{kind:"com.spotify"}
	// message lands, independent of dialog state, so this is handled the
	// same way as Panic/AudioRequest above rather than per-state.
	if ev.Kind == EventSpotifyCredentials {
		if m.spotify != nil {
			m.spotify.SetCredentials(ev.SpotifyUsername, ev.SpotifyToken)
		}
		return
	}
	// AdjustVolume comes from the external button-event source the same way
	// ToggleDisabled/ToggleConfigMode/Panic do, and applies regardless of
	// dialog state.
	if ev.Kind == EventAdjustVolume {
		m.volume.Adjust(ev.VolumeDelta)
		return
	}
	// Server-driven media (sound cues and audio URLs) plays in every state
	// except Disabled, which swallows it.
	if ev.Kind == EventSoundMessage || ev.Kind == EventAudioMessage {
		if m.state.kind == StateDisabled {
			m.drop(ev)
			return
		}
		if ev.Kind == EventSoundMessage {
			m.player.PlaySound(ev.Sound, DestinationMusic)
		} else {
			m.player.PlayURL(ev.URL, DestinationMusic)
		}
		return
	}

	switch m.state.kind {
	case StateSleeping:
		m.dispatchSleeping(ev)
	case StateListening:
		m.dispatchListening(ev)
	case StateProcessing:
		m.dispatchProcessing(ev)
	case StateSaying:
		m.dispatchSaying(ev)
	case StateDisabled:
		m.dispatchDisabled(ev)
	case StateConfig:
		m.dispatchConfig(ev)
	}
}

func (m *StateMachine) dispatchSleeping(ev Event) {
	switch ev.Kind {
	case EventWake:
		m.player.PlaySound(SoundWake, DestinationAlerts)
		m.volume.Duck()
		m.leds.Animate(LedListening)
		m.stt.BeginSession()
		// A no-op for a detector-originated wake (the pipeline already woke
		// itself); necessary for an externally synthesized one.
		if m.waker != nil {
			m.waker.Wake()
		}
		m.transition(dialogState{kind: StateListening})
	case EventToggleDisabled:
		m.leds.Animate(LedDisabled)
		m.transition(dialogState{kind: StateDisabled})
	case EventToggleConfigMode:
		m.leds.Animate(LedConfig)
		m.transition(dialogState{kind: StateConfig})
	default:
		m.drop(ev)
	}
}

func (m *StateMachine) dispatchListening(ev Event) {
	switch ev.Kind {
	case EventInputFrame:
		m.stt.SendFrame(ev.Frame)
	case EventInputDone:
		if ev.Detected {
			m.stt.SendDone()
			m.leds.Animate(LedProcessing)
			m.transition(dialogState{kind: StateProcessing})
		} else {
			m.stt.Abort()
			m.player.PlaySound(SoundNoInput, DestinationAlerts)
			m.volume.Unduck()
			m.leds.Animate(LedSleeping)
			m.transition(dialogState{kind: StateSleeping})
		}
	case EventInputTimeout:
		m.stt.Abort()
		m.player.PlaySound(SoundNoInput, DestinationAlerts)
		m.volume.Unduck()
		m.leds.Animate(LedSleeping)
		m.transition(dialogState{kind: StateSleeping})
	default:
		m.drop(ev)
	}
}

func (m *StateMachine) dispatchProcessing(ev Event) {
	switch ev.Kind {
	case EventSTTText:
		m.player.CleanQueue()
		m.conv.SendCommand(ev.STTText)
	case EventSTTError:
		m.player.PlaySound(SoundSTLError, DestinationAlerts)
		m.player.Resume()
		m.volume.Unduck()
		m.leds.Animate(LedSleeping)
		m.transition(dialogState{kind: StateSleeping})
	case EventTextMessage:
		m.player.Say(ev.Text, ev.TextID)
		m.leds.Animate(LedSaying)
		m.transition(dialogState{kind: StateSaying, textID: ev.TextID, followUp: false})
	default:
		m.drop(ev)
	}
}

func (m *StateMachine) dispatchSaying(ev Event) {
	switch ev.Kind {
	case EventAskSpecial:
		if ev.TextID == m.state.textID && ev.AskKind != "" {
			m.state.followUp = true
		}
	case EventPlayerStreamEnter:
		if ev.RefID == m.state.textID {
			m.state.ttsStartAt = time.Now()
		}
	case EventPlayerStreamEnd:
		if ev.RefID != m.state.textID {
			return
		}
		if m.state.followUp {
			// Follow-up listening: a fresh STT session and a synthesized
			// capture wake, without the wake cue or a second duck.
			m.stt.BeginSession()
			if m.waker != nil {
				m.waker.Wake()
			}
			m.leds.Animate(LedListening)
			m.transition(dialogState{kind: StateListening})
		} else {
			m.volume.Unduck()
			m.leds.Animate(LedSleeping)
			m.transition(dialogState{kind: StateSleeping})
		}
	default:
		m.drop(ev)
	}
}

func (m *StateMachine) dispatchDisabled(ev Event) {
	switch ev.Kind {
	case EventToggleDisabled:
		m.leds.Animate(LedSleeping)
		m.transition(dialogState{kind: StateSleeping})
	default:
		m.drop(ev)
	}
}

func (m *StateMachine) dispatchConfig(ev Event) {
	switch ev.Kind {
	case EventToggleConfigMode:
		// Stopping AP mode is the embedded HTTP configuration UI's
		// responsibility; the state machine only signals the transition
		// back to Sleeping.
		m.leds.Animate(LedSleeping)
		m.transition(dialogState{kind: StateSleeping})
	default:
		m.drop(ev)
	}
}

// handleAudioRequest applies the Audio Subprotocol operations that affect
// dialog-visible state (play-urls clears and refills the player queue);
// every op is guaranteed exactly one response by AudioRequest itself:
// audio_subprotocol.go constructs the AudioRequest passed here already
// bound to a response closure.
func (m *StateMachine) handleAudioRequest(req *AudioRequest) {
	if req == nil {
		return
	}
	if m.state.kind == StateDisabled {
		// Dropped, but never ignored: the server must still see a response
		// so it does not stall waiting on this req.
		req.Resolve(map[string]any{})
		return
	}
	switch req.Op {
	case OpPlayURLs:
		urls := stringSliceParam(req.Params["urls"])
		m.player.CleanQueue()
		for _, u := range urls {
			m.player.PlayURL(u, DestinationMusic)
		}
		req.Resolve(map[string]any{})
	case OpStop:
		m.player.CleanQueue()
		req.Resolve(map[string]any{})
	default:
		// check/prepare/set-volume/set-mute either do not affect dialog
		// state or are not reachable through the state machine at all
		// (they resolve directly in the Audio Subprotocol Handler); if one
		// arrives here unhandled, resolve it anyway so the server is never
		// left stalled.
		req.Resolve(map[string]any{})
	}
}

func (m *StateMachine) transition(next dialogState) {
	next.enteredAt = time.Now()
	elapsed := time.Since(m.state.enteredAt)
	log.Printf("[state] %s -> %s (after %s)", m.state.kind, next.kind, elapsed)
	m.state = next
}

func (m *StateMachine) drop(ev Event) {
	log.Printf("[state] dropping unhandled event kind=%d in state %s", ev.Kind, m.state.kind)
}
