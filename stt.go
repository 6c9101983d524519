package main

import (
	"encoding/json"
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// sttConnState tracks the STT session's connection lifecycle.
type sttConnState int

const (
	sttDisconnected sttConnState = iota
	sttConnecting
	sttOpen
	sttClosing
)

// sttHelloVersion is the protocol version sent in the opening hello
// message.
const sttHelloVersion = 1

// sttResponse is the server's JSON reply shape: status=0 and result="ok"
// carries a transcript; any other status is an error.
type sttResponse struct {
	Status  int    `json:"status"`
	Result  string `json:"result"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// STTClient streams one utterance at a time to the speech-to-text service.
// It opens a duplex text connection to {nlp_base}/{locale}/voice/stream
// (http→ws scheme swap), buffers frames sent before the socket is open,
// and drains them in order on open before any new frame.
type STTClient struct {
	mu sync.Mutex

	nlBase string
	locale string
	bus    *EventBus

	conn  *websocket.Conn
	state sttConnState
	queue []AudioFrame

	accepting     bool
	doneQueued    bool
	textDelivered bool
}

// NewSTTClient creates an STTClient targeting {nlpBase}/{locale}/voice/stream.
// Events are published onto bus as EventSTTText/EventSTTError.
func NewSTTClient(nlpBase, locale string, bus *EventBus) *STTClient {
	return &STTClient{nlBase: nlpBase, locale: locale, bus: bus, state: sttDisconnected}
}

func (c *STTClient) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.nlBase, "/") + "/" + c.locale + "/voice/stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// BeginSession opens the connection in the background. Safe to call once
// per utterance; a session already open or connecting is left untouched.
func (c *STTClient) BeginSession() {
	c.mu.Lock()
	if c.state != sttDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = sttConnecting
	c.accepting = true
	c.doneQueued = false
	c.textDelivered = false
	c.mu.Unlock()

	go c.connect()
}

func (c *STTClient) connect() {
	target, err := c.streamURL()
	if err != nil {
		log.Printf("[stt] invalid stream URL: %v", err)
		c.emitError(-1, err.Error())
		c.reset()
		return
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Printf("[stt] dial failed: %v", err)
		c.emitError(-1, err.Error())
		c.reset()
		return
	}

	hello, _ := json.Marshal(map[string]any{"ver": sttHelloVersion})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		log.Printf("[stt] hello write failed: %v", err)
		conn.Close()
		c.emitError(-1, err.Error())
		c.reset()
		return
	}

	c.mu.Lock()
	if c.state != sttConnecting {
		// Aborted while the dial was in flight; the session is already dead.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = sttOpen
	queued := c.queue
	c.queue = nil
	sendEnd := c.doneQueued
	c.doneQueued = false
	c.mu.Unlock()

	for _, frame := range queued {
		c.writeFrame(frame)
	}
	if sendEnd {
		c.writeEnd(conn)
	}

	go c.readLoop(conn)
}

// writeEnd sends the end-of-utterance marker, after which the server is
// expected to respond with the transcript or an error.
func (c *STTClient) writeEnd(conn *websocket.Conn) {
	end, _ := json.Marshal(map[string]any{"end": true})
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		log.Printf("[stt] end write failed: %v", err)
	}
}

func (c *STTClient) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			delivered := c.textDelivered
			wasOpen := c.state == sttOpen
			c.mu.Unlock()
			if wasOpen && !delivered {
				c.emitError(-1, err.Error())
			}
			c.reset()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var resp sttResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[stt] malformed response: %v", err)
			continue
		}
		if resp.Status == 0 && resp.Result == "ok" {
			c.mu.Lock()
			c.textDelivered = true
			c.mu.Unlock()
			c.bus.Publish(Event{Kind: EventSTTText, STTText: resp.Text})
		} else {
			c.emitError(resp.Status, resp.Message)
		}
		conn.Close()
		c.reset()
		return
	}
}

func (c *STTClient) emitError(code int, message string) {
	c.bus.Publish(Event{Kind: EventSTTError, STTCode: code, STTMsg: message})
}

// SendFrame forwards frame to the open connection, or enqueues it if the
// socket is still connecting. Frames arriving after the session has been
// reset to Disconnected (post InputDone) are discarded.
func (c *STTClient) SendFrame(frame AudioFrame) {
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		return
	}
	if c.state != sttOpen {
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.writeFrame(frame)
}

func (c *STTClient) writeFrame(frame AudioFrame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || frame.IsEmpty() {
		return
	}
	buf := int16ToLEBytes(frame.Samples())
	if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		log.Printf("[stt] frame write failed: %v", err)
	}
}

// SendDone signals end-of-utterance to the server and stops accepting new
// frames. If the socket is still connecting, the marker is queued and sent
// after the buffered frames drain on open, so the server never waits on an
// utterance that already finished.
func (c *STTClient) SendDone() {
	c.mu.Lock()
	c.accepting = false
	if c.state == sttConnecting {
		c.doneQueued = true
		c.mu.Unlock()
		return
	}
	conn := c.conn
	open := c.state == sttOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return
	}
	c.writeEnd(conn)
}

// Abort closes the session immediately, dropping any queued frames.
// Idempotent: a second call is a no-op.
func (c *STTClient) Abort() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.accepting = false
	c.doneQueued = false
	already := c.state == sttDisconnected
	c.state = sttDisconnected
	c.mu.Unlock()
	if already || conn == nil {
		return
	}
	conn.Close()
}

func (c *STTClient) reset() {
	c.mu.Lock()
	c.conn = nil
	c.queue = nil
	c.accepting = false
	c.doneQueued = false
	c.state = sttDisconnected
	c.mu.Unlock()
}

// int16ToLEBytes serializes PCM samples as raw 16-bit little-endian mono,
// the binary wire format of the voice stream.
func int16ToLEBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
