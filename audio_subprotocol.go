package main

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// AudioSubprotocolHandler is the request/response router for the
// "protocol:audio" subprotocol. Every request bearing a req id
// must receive exactly one response; this is enforced two ways depending on
// where the op is handled:
//
//   - check/prepare/set-volume/set-mute are answered synchronously, right
//     here, under the scoped-acquisition guarantee in process(): if a case
//     returns without resolving, the deferred guard rejects on its behalf.
//   - stop/play-urls are dialog-visible (they touch the player queue), so
//     they are published onto the event bus as an AudioRequest and answered
//     by the state machine's handleAudioRequest, which resolves every case
//     including its default branch — the same guarantee, just applied on
//     the control thread instead of inline.
type AudioSubprotocolHandler struct {
	bus    *EventBus
	volume *duckController
	send   func(resp map[string]any) // transmits {type:"protocol:audio", req:..., ...} on the conversation connection

	muted       bool
	preMuteVol  int
	spotifyAuth SpotifyChildProcess

	// pendingMu/pending track in-flight requests under a session-local
	// correlation id (uuid.NewString()), distinct from the wire req integer
	// the server assigns: the wire req id is only unique within one
	// connection, so it is unsuitable as a durable log-correlation key
	// across a reconnect. Entries are removed once respond() fires.
	pendingMu sync.Mutex
	pending   map[string]int64
}

// NewAudioSubprotocolHandler wires the handler to the event bus (for
// dialog-visible ops), the volume controller (for set-volume/set-mute), the
// Spotify child-process collaborator (for prepare's credential dispatch),
// and a send function bound to the live conversation connection.
func NewAudioSubprotocolHandler(bus *EventBus, volume *duckController, spotify SpotifyChildProcess, send func(map[string]any)) *AudioSubprotocolHandler {
	return &AudioSubprotocolHandler{bus: bus, volume: volume, spotifyAuth: spotify, send: send, pending: make(map[string]int64)}
}

// Handle parses one incoming protocol:audio message and dispatches it.
// reqID, op, and params come from the already-decoded JSON envelope
// (conversation.go owns JSON unmarshalling of the {type, req, op, ...}
// shape before calling in here).
func (h *AudioSubprotocolHandler) Handle(reqID int64, op AudioRequestOp, params map[string]any) {
	traceID := uuid.NewString()
	h.pendingMu.Lock()
	h.pending[traceID] = reqID
	h.pendingMu.Unlock()
	log.Printf("[audio-proto] dispatch trace=%s req=%d op=%s", traceID, reqID, op)

	req := &AudioRequest{
		Op:     op,
		ReqID:  reqID,
		Params: params,
		resolve: func(result map[string]any) {
			h.respond(traceID, reqID, result, nil)
		},
		reject: func(code, message string) {
			h.respond(traceID, reqID, nil, &audioError{Code: code, Message: message})
		},
	}

	switch op {
	case OpStop, OpPlayURLs:
		// Dialog-visible: let the state machine own player-queue mutation
		// and the response, on the control thread.
		h.bus.Publish(Event{Kind: EventAudioRequest, AudioRequest: req})
	default:
		h.process(req)
	}
}

// process answers check/prepare/set-volume/set-mute synchronously. The
// deferred guard makes the response exactly-once even on paths that forget:
// if the switch below returns without calling Resolve/Reject, the request
// is still answered, never left to stall the server.
func (h *AudioSubprotocolHandler) process(req *AudioRequest) {
	defer func() {
		if !req.resolved {
			req.Reject("EINVAL", "handler exited without a response")
		}
	}()

	switch req.Op {
	case OpCheck:
		h.handleCheck(req)
	case OpPrepare:
		h.handlePrepare(req)
	case OpSetVolume:
		h.handleSetVolume(req)
	case OpSetMute:
		h.handleSetMute(req)
	default:
		req.Reject("ENOSYS", fmt.Sprintf("unsupported op %q", req.Op))
	}
}

func (h *AudioSubprotocolHandler) handleCheck(req *AudioRequest) {
	spec, ok := req.Params["spec"].(map[string]any)
	if !ok {
		req.Reject("EINVAL", "missing or invalid player spec in check message")
		return
	}
	specType, ok := spec["type"].(string)
	if !ok {
		req.Reject("EINVAL", "invalid player spec in check message (missing type)")
		return
	}
	switch specType {
	case "url":
		req.Resolve(map[string]any{"ok": true})
	case "spotify":
		username, _ := spec["username"].(string)
		token, _ := spec["accessToken"].(string)
		req.Resolve(map[string]any{"ok": username != "" && token != ""})
	case "custom":
		req.Resolve(map[string]any{"ok": false, "detail": "custom playback specs are not supported"})
	default:
		req.Reject("EINVAL", fmt.Sprintf("unknown spec.type %q", specType))
	}
}

// handlePrepare accepts an optional spec shaped like check's; a spotify one
// hands the embedded credentials to the child-process supervisor before the
// player queue is cleared.
func (h *AudioSubprotocolHandler) handlePrepare(req *AudioRequest) {
	if spec, ok := req.Params["spec"].(map[string]any); ok {
		specType, ok := spec["type"].(string)
		if !ok {
			req.Reject("EINVAL", "invalid player spec in prepare message (missing type)")
			return
		}
		switch specType {
		case "spotify":
			username, _ := spec["username"].(string)
			token, _ := spec["accessToken"].(string)
			if h.spotifyAuth != nil {
				h.spotifyAuth.SetCredentials(username, token)
			}
		case "custom":
			req.Reject("ENOSUP", "custom playback specs are not supported")
			return
		}
	}
	h.bus.Publish(Event{Kind: EventAudioRequest, AudioRequest: &AudioRequest{Op: OpStop}})
	req.Resolve(map[string]any{})
}

func (h *AudioSubprotocolHandler) handleSetVolume(req *AudioRequest) {
	level, ok := numericParam(req.Params["volume"])
	if !ok || level < 0 || level > 100 {
		req.Reject("EINVAL", "volume must be an integer in [0,100]")
		return
	}
	h.volume.SetVolume(level)
	req.Resolve(map[string]any{})
}

func (h *AudioSubprotocolHandler) handleSetMute(req *AudioRequest) {
	mute, ok := req.Params["mute"].(bool)
	if !ok {
		req.Reject("EINVAL", "mute must be a boolean")
		return
	}
	switch {
	case mute && !h.muted:
		h.preMuteVol = h.volume.GetVolume()
		h.volume.SetVolume(0)
		h.muted = true
	case !mute && h.muted:
		h.volume.SetVolume(h.preMuteVol)
		h.muted = false
	}
	req.Resolve(map[string]any{})
}

func (h *AudioSubprotocolHandler) respond(traceID string, reqID int64, result map[string]any, audioErr *audioError) {
	h.pendingMu.Lock()
	delete(h.pending, traceID)
	h.pendingMu.Unlock()

	if h.send == nil {
		log.Printf("[audio-proto] no send sink configured; dropping response for trace=%s req=%d", traceID, reqID)
		return
	}
	msg := map[string]any{"type": "protocol:audio", "req": reqID}
	if audioErr != nil {
		msg["error"] = map[string]any{"code": audioErr.Code, "message": audioErr.Message}
		log.Printf("[audio-proto] reject trace=%s req=%d code=%s", traceID, reqID, audioErr.Code)
	} else {
		for k, v := range result {
			msg[k] = v
		}
	}
	h.send(msg)
}

type audioError struct {
	Code    string
	Message string
}

// stringSliceParam accepts both the []any that encoding/json produces for a
// JSON array and a []string constructed directly; non-string elements are
// skipped.
func stringSliceParam(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// numericParam accepts the numeric types JSON decoding commonly produces
// (float64 from encoding/json, or int if the caller constructed the map
// directly in tests) and returns an int.
func numericParam(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
