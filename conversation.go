package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corevox/voxcore/internal/config"
)

// connState is the Conversation Client's connection lifecycle.
type connState int

const (
	connDisconnected connState = iota
	connConnecting
	connOpen
	connClosing
)

const (
	conversationPingInterval = 30 * time.Second
	auxPOSTTimeout           = 5 * time.Second
)

// supportedSubprotocols is requested on every connect.
var supportedSubprotocols = []string{"audio"}

// soundNameTable maps wire sound names to SoundKind. Unrecognized names
// are logged and dropped, never erroring.
var soundNameTable = map[string]SoundKind{
	"wake":                SoundWake,
	"news-intro":          SoundNewsIntro,
	"alarm-clock-elapsed": SoundAlarmClockElapsed,
	"no-input":            SoundNoInput,
	"too-much-input":      SoundTooMuchInput,
	"stt-error":           SoundSTLError,
	"working":             SoundWorking,
}

// ConversationClient maintains the long-lived duplex connection to the
// dialog agent: reconnect with a fixed retry interval, mode-specific auth,
// 30s ping heartbeat, main-protocol message routing, and a queued-send
// discipline gated on subprotocol readiness.
type ConversationClient struct {
	cfg  config.General
	bus  *EventBus
	http *http.Client

	// audio routes "protocol:audio" envelopes; nil is valid (messages are
	// logged and dropped) for tests that don't exercise the subprotocol.
	audio *AudioSubprotocolHandler

	mu               sync.Mutex
	conn             *websocket.Conn
	state            connState
	conversationID   string
	lastSaidTextID   int64
	askSpecialTextID int64
	pendingSubproto  map[string]bool // requested, not yet acked ready
	outQueue         [][]byte

	oauthAccessToken string

	stopPing chan struct{}
}

// NewConversationClient wires the client to its event bus and the Audio
// Subprotocol Handler that answers "protocol:audio" requests.
func NewConversationClient(cfg config.General, bus *EventBus, audio *AudioSubprotocolHandler) *ConversationClient {
	return &ConversationClient{
		cfg:   cfg,
		bus:   bus,
		audio: audio,
		http:  &http.Client{Timeout: auxPOSTTimeout},
		state: connDisconnected,
	}
}

// Run blocks, reconnecting with cfg.RetryIntervalMS between attempts, until
// ctx is cancelled.
func (c *ConversationClient) Run(ctx context.Context) {
	retry := time.Duration(c.cfg.RetryIntervalMS) * time.Millisecond
	if retry <= 0 {
		retry = 3 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectOnce(ctx); err != nil {
			log.Printf("[conversation] connection attempt failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (c *ConversationClient) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("skip_history", "1")
	q.Set("sync_devices", "1")
	// A server-assigned id from an earlier connect wins over the configured
	// one, so a reconnect resumes the same conversation.
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == "" {
		id = c.cfg.ConversationID
	}
	if id != "" {
		q.Set("id", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectOnce performs one dial+serve cycle, blocking until the connection
// drops or ctx is cancelled.
func (c *ConversationClient) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	c.state = connConnecting
	c.mu.Unlock()

	target, err := c.streamURL()
	if err != nil {
		return fmt.Errorf("conversation: bad url: %w", err)
	}

	header, err := c.authHeader(ctx)
	if err != nil {
		return fmt.Errorf("conversation: auth: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("conversation: dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.state = connOpen
	c.pendingSubproto = make(map[string]bool, len(supportedSubprotocols))
	for _, name := range supportedSubprotocols {
		c.pendingSubproto[name] = true
	}
	c.mu.Unlock()

	for _, name := range supportedSubprotocols {
		c.writeControl(map[string]any{"type": "req-subproto", "proto": name, "caps": []string{}})
	}

	stopPing := make(chan struct{})
	c.mu.Lock()
	c.stopPing = stopPing
	c.mu.Unlock()
	go c.pingLoop(stopPing)
	defer close(stopPing)

	return c.readLoop(conn)
}

func (c *ConversationClient) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(conversationPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeControl(map[string]any{"type": "ping"})
		}
	}
}

func (c *ConversationClient) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.state = connDisconnected
			c.conn = nil
			c.mu.Unlock()
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleMessage(data)
	}
}

func (c *ConversationClient) handleMessage(data []byte) {
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.Printf("[conversation] malformed message: %v", err)
		return
	}
	msgType, _ := envelope["type"].(string)
	if strings.HasPrefix(msgType, "protocol:") {
		c.routeSubprotocol(strings.TrimPrefix(msgType, "protocol:"), envelope)
		return
	}

	switch msgType {
	case "id":
		if id, ok := envelope["id"].(string); ok {
			c.mu.Lock()
			c.conversationID = id
			c.mu.Unlock()
		}
	case "ping":
		c.writeControl(map[string]any{"type": "pong"})
	case "askSpecial":
		ask, _ := envelope["ask"].(string)
		c.mu.Lock()
		textID := c.askSpecialTextID
		c.askSpecialTextID = 0 // consumed; a later askSpecial must not reuse it
		c.mu.Unlock()
		c.bus.Publish(Event{Kind: EventAskSpecial, TextID: textID, AskKind: ask})
	case "error":
		errMsg, _ := envelope["error"].(string)
		log.Printf("[conversation] server error: %s", errMsg)
	case "new-device":
		c.handleNewDevice(envelope)
	case "text":
		c.handleText(envelope)
	case "sound":
		name, _ := envelope["name"].(string)
		kind, ok := soundNameTable[name]
		if !ok {
			log.Printf("[conversation] unrecognized sound name %q, dropping", name)
			return
		}
		c.bus.Publish(Event{Kind: EventSoundMessage, Sound: kind})
	case "audio":
		urlStr, _ := envelope["url"].(string)
		c.bus.Publish(Event{Kind: EventAudioMessage, URL: urlStr})
	case "command", "new-program", "rdl", "link", "button", "video", "picture", "choice":
		// Display-surface messages this headless client has no use for.
	default:
		log.Printf("[conversation] unknown message type %q", msgType)
	}
}

func (c *ConversationClient) handleText(envelope map[string]any) {
	id, ok := numericParam(envelope["id"])
	if !ok {
		return
	}
	text, _ := envelope["text"].(string)

	c.mu.Lock()
	if int64(id) <= c.lastSaidTextID {
		c.mu.Unlock()
		return
	}
	c.lastSaidTextID = int64(id)
	c.askSpecialTextID = int64(id)
	c.mu.Unlock()

	c.bus.Publish(Event{Kind: EventTextMessage, TextID: int64(id), Text: text})
}

func (c *ConversationClient) handleNewDevice(envelope map[string]any) {
	state, _ := envelope["state"].(map[string]any)
	if state == nil {
		return
	}
	kind, _ := state["kind"].(string)
	if kind != "com.spotify" {
		log.Printf("[conversation] ignoring new-device of kind %q", kind)
		return
	}
	username, _ := state["id"].(string)
	token, _ := state["accessToken"].(string)
	c.bus.Publish(Event{Kind: EventSpotifyCredentials, SpotifyUsername: username, SpotifyToken: token})
}

// routeSubprotocol dispatches a "protocol:<name>" envelope. Only "audio" is
// implemented; anything else is logged and dropped. Acking of readiness
// (first message on a newly requested subprotocol, regardless of op, marks
// it ready) gates the outgoing queue.
func (c *ConversationClient) routeSubprotocol(name string, envelope map[string]any) {
	c.mu.Lock()
	if c.pendingSubproto[name] {
		delete(c.pendingSubproto, name)
	}
	ready := len(c.pendingSubproto) == 0
	c.mu.Unlock()
	if ready {
		c.flushQueue()
	}

	if name != "audio" {
		log.Printf("[conversation] unhandled subprotocol %q", name)
		return
	}
	if c.audio == nil {
		return
	}
	if _, hasReq := envelope["req"]; !hasReq {
		// Not a request (the readiness ack, or a server notification):
		// nothing to answer.
		return
	}
	reqID, _ := numericParam(envelope["req"])
	op, _ := envelope["op"].(string)
	params := make(map[string]any, len(envelope))
	for k, v := range envelope {
		if k == "type" || k == "req" || k == "op" {
			continue
		}
		params[k] = v
	}
	c.audio.Handle(int64(reqID), AudioRequestOp(op), params)
}

// SendCommand enqueues a user utterance for the agent.
func (c *ConversationClient) SendCommand(text string) {
	c.writeRaw(map[string]any{"type": "command", "text": text})
}

// SendThingtalk enqueues a pre-parsed ThingTalk program.
func (c *ConversationClient) SendThingtalk(code string) {
	c.writeRaw(map[string]any{"type": "tt", "code": code})
}

// writeControl writes msg directly to the live connection, bypassing the
// readiness gate. Protocol negotiation and the ping/pong heartbeat are
// connection infrastructure, not user-queued data, so they must not wait
// behind subprotocol readiness the way SendCommand/SendThingtalk do.
func (c *ConversationClient) writeControl(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[conversation] marshal failed: %v", err)
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[conversation] control write failed: %v", err)
	}
}

// writeRaw marshals msg and either writes it immediately (connection open
// and every requested subprotocol ready) or enqueues it for flush on
// readiness.
func (c *ConversationClient) writeRaw(msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[conversation] marshal failed: %v", err)
		return
	}

	c.mu.Lock()
	ready := c.state == connOpen && len(c.pendingSubproto) == 0
	conn := c.conn
	if !ready {
		c.outQueue = append(c.outQueue, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[conversation] write failed: %v", err)
	}
}

func (c *ConversationClient) flushQueue() {
	c.mu.Lock()
	queued := c.outQueue
	c.outQueue = nil
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	for _, data := range queued {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("[conversation] flush write failed: %v", err)
			return
		}
	}
}

// authHeader builds the upgrade-request header set for cfg.AuthMode,
// performing whatever auxiliary HTTP exchange each mode requires before the
// WebSocket handshake.
func (c *ConversationClient) authHeader(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	switch c.cfg.AuthMode {
	case config.AuthNone, "":
		return header, nil
	case config.AuthBearer:
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		return header, nil
	case config.AuthCookie:
		token, err := c.fetchIngressSession(ctx, c.cfg.URL)
		if err != nil {
			return nil, err
		}
		header.Set("Cookie", "ingress_session="+token)
		return header, nil
	case config.AuthHomeAssistant:
		token, err := c.fetchIngressSession(ctx, c.cfg.URL)
		if err != nil {
			return nil, err
		}
		header.Set("Cookie", "ingress_session="+token)
		return header, nil
	case config.AuthOAuth2:
		token, err := c.oauthToken(ctx)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
		return header, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", c.cfg.AuthMode)
	}
}

// fetchIngressSession performs the auxiliary POST required before COOKIE and
// HOME_ASSISTANT auth can upgrade. wsURL's host is reused for the
// ingress-session endpoint.
func (c *ConversationClient) fetchIngressSession(ctx context.Context, wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s/auth/ingress_session", scheme, u.Host)

	ctx, cancel := context.WithTimeout(ctx, auxPOSTTimeout)
	defer cancel()
	body, _ := json.Marshal(map[string]string{"accessToken": c.cfg.AccessToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ingress session POST: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ingress session POST: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ingress session response: %w", err)
	}
	return out.Token, nil
}

// oauthToken exchanges the configured refresh token for an access token and
// verifies it with a profile GET. A cached access token is reused while the
// profile check accepts it; when the check fails (a 401 or any other error),
// one refresh is made and the new token is verified the same way.
func (c *ConversationClient) oauthToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.oauthAccessToken
	c.mu.Unlock()
	if cached != "" {
		if err := c.verifyOAuthToken(ctx, cached); err == nil {
			return cached, nil
		}
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	tokenEndpoint := fmt.Sprintf("%s://%s/oauth2/token", scheme, u.Host)

	ctx2, cancel := context.WithTimeout(ctx, auxPOSTTimeout)
	defer cancel()
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": c.cfg.AccessToken,
	})
	req, err := http.NewRequestWithContext(ctx2, http.MethodPost, tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth2 token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth2 token exchange: status %d", resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("oauth2 token response: %w", err)
	}
	if err := c.verifyOAuthToken(ctx, out.AccessToken); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.oauthAccessToken = out.AccessToken
	c.mu.Unlock()
	return out.AccessToken, nil
}

func (c *ConversationClient) verifyOAuthToken(ctx context.Context, token string) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return err
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	profileEndpoint := fmt.Sprintf("%s://%s/oauth2/profile", scheme, u.Host)

	ctx2, cancel := context.WithTimeout(ctx, auxPOSTTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx2, http.MethodGet, profileEndpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("oauth2 profile check: token expired")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth2 profile check: status %d", resp.StatusCode)
	}
	return nil
}

// Stop closes the active connection, if any, forcing Run's current
// connectOnce to return so the retry loop can observe ctx cancellation.
func (c *ConversationClient) Stop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
