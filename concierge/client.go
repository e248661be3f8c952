package concierge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"vigiliahub/backend"
)

// ErrNotConnected is returned when no realtime session is open.
var ErrNotConnected = errors.New("concierge not connected")

// Backend is the part of the hub backend the concierge needs.
type Backend interface {
	StartConciergeSession(ctx context.Context) (backend.ConciergeSession, error)
	EndConciergeSession(ctx context.Context, sessionID string) error
	ExecuteTool(ctx context.Context, sessionID, name string, args json.RawMessage) (json.RawMessage, error)
	On(event string, h backend.Handler) (off func())
}

// Config describes the realtime model session.
type Config struct {
	URL                string
	Model              string
	DebugKey           string
	Voice              string
	TranscriptionModel string
	Language           string
	SampleRate         int
	VADThreshold       float64
	VADPrefix          time.Duration
	VADSilence         time.Duration
	Instructions       string
	ConnectTimeout     time.Duration
	EndCallGrace       time.Duration
}

// Client runs one realtime voice session per call.
type Client struct {
	cfg     Config
	log     *logrus.Entry
	backend Backend
	dialer  *websocket.Dialer

	mu             sync.Mutex
	sess           *session
	active         bool
	unit           string
	interrupted    bool
	responseActive bool
	subs           map[uint64]func(Event)
	nextSub        uint64
}

type session struct {
	id          string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	closed      core.Fuse
	offDecision func()
}

func (s *session) send(ev clientEvent) error {
	if s.closed.IsBroken() {
		return ErrNotConnected
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func NewClient(cfg Config, be Backend, log *logrus.Entry) *Client {
	if cfg.Instructions == "" {
		cfg.Instructions = defaultInstructions
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		backend: be,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		subs:    make(map[uint64]func(Event)),
	}
}

// Subscribe registers fn for every event until the returned func is called.
// fn runs on the transport goroutine and must not block.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Connect opens a fresh realtime session and configures it. Any previous
// session is closed first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	old := c.sess
	c.sess = nil
	c.active = false
	c.mu.Unlock()
	if old != nil {
		c.closeSession(old)
	}

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	token, sessionID, err := c.credentials(ctx)
	if err != nil {
		return err
	}
	target := c.cfg.URL + "?model=" + url.QueryEscape(c.cfg.Model)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.DialContext(ctx, target, hdr)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial realtime: %w", err)
	}

	s := &session{id: sessionID, conn: conn}
	if err := s.send(clientEvent{Type: "session.update", Session: c.sessionConfig()}); err != nil {
		conn.Close()
		return fmt.Errorf("configure session: %w", err)
	}
	if c.backend != nil && sessionID != "" {
		s.offDecision = c.backend.On("visitor:response:"+sessionID, func(data json.RawMessage) {
			c.onResidentDecision(s, data)
		})
	}

	c.mu.Lock()
	c.sess = s
	c.interrupted = false
	c.responseActive = false
	c.mu.Unlock()

	go c.readLoop(s)
	c.log.WithField("session", sessionID).Info("realtime session connected")
	return nil
}

func (c *Client) credentials(ctx context.Context) (token, sessionID string, err error) {
	if c.cfg.DebugKey != "" {
		c.log.Warn("using debug API key, backend session bypassed")
		return c.cfg.DebugKey, "", nil
	}
	if c.backend == nil {
		return "", "", errors.New("no backend for session credentials")
	}
	s, err := c.backend.StartConciergeSession(ctx)
	if err != nil {
		return "", "", err
	}
	return s.EphemeralToken, s.SessionID, nil
}

func (c *Client) sessionConfig() *sessionConfig {
	format := audioFormat{Type: "audio/pcm", Rate: c.cfg.SampleRate}
	return &sessionConfig{
		Type:         "realtime",
		Instructions: "You are the voice interface of the building access system. Wait for context.",
		Audio: audioSetup{
			Input: audioInput{
				Format:        format,
				Transcription: transcription{Model: c.cfg.TranscriptionModel, Language: c.cfg.Language},
				TurnDetection: turnDetection{
					Type:              "server_vad",
					Threshold:         c.cfg.VADThreshold,
					PrefixPaddingMS:   int(c.cfg.VADPrefix / time.Millisecond),
					SilenceDurationMS: int(c.cfg.VADSilence / time.Millisecond),
					CreateResponse:    true,
					InterruptResponse: true,
				},
			},
			Output: audioOutput{Format: format, Voice: c.cfg.Voice},
		},
		Tools:      tools,
		ToolChoice: "auto",
	}
}

// StartConversation gives the model the dialed unit and asks it to greet.
func (c *Client) StartConversation(ctx context.Context, unit string) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.active = true
	c.unit = unit
	c.mu.Unlock()

	if err := s.send(systemMessage(render(c.cfg.Instructions, unit))); err != nil {
		return fmt.Errorf("send context: %w", err)
	}
	greet, _ := json.Marshal(map[string]string{"instructions": render(defaultGreeting, unit)})
	if err := s.send(clientEvent{Type: "response.create", Response: greet}); err != nil {
		return fmt.Errorf("request greeting: %w", err)
	}
	c.log.WithField("unit", unit).Info("conversation started")
	return nil
}

// SendAudio forwards a captured frame. Frames outside a conversation are
// dropped.
func (c *Client) SendAudio(frame []byte) {
	c.mu.Lock()
	s, active := c.sess, c.active
	c.mu.Unlock()
	if !active || s == nil {
		return
	}
	if err := s.send(clientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(frame)}); err != nil {
		c.log.Debugf("send audio: %v", err)
	}
}

// Active reports whether a conversation is in progress.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// EndConversation ends the current conversation and closes its session.
// Calling it with nothing open does nothing.
func (c *Client) EndConversation() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	c.endSession(s, "hub request")
}

// endSession ends s if it is still the current session.
func (c *Client) endSession(s *session, reason string) {
	c.mu.Lock()
	if s == nil || c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	was := c.active
	c.active = false
	c.unit = ""
	c.mu.Unlock()

	if was {
		c.log.WithField("reason", reason).Info("conversation ended")
		c.emit(ConversationEnded{Reason: reason})
	}
	go c.closeSession(s)
}

func (c *Client) closeSession(s *session) {
	if s.offDecision != nil {
		s.offDecision()
	}
	s.closed.Break()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.conn.Close()

	if s.id == "" || c.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.backend.EndConciergeSession(ctx, s.id); err != nil {
		c.log.Errorf("end session %s on backend: %v", s.id, err)
		return
	}
	c.log.WithField("session", s.id).Info("session closed on backend")
}

// Close ends any open session for shutdown.
func (c *Client) Close() {
	c.EndConversation()
}

func (c *Client) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == s
}

func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.IsBroken() {
				c.log.Warnf("realtime socket closed: %v", err)
				c.endSession(s, "transport closed")
			}
			return
		}
		if !c.current(s) {
			continue
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warnf("malformed realtime event: %v", err)
			continue
		}
		c.handle(s, ev)
	}
}

func (c *Client) handle(s *session, ev serverEvent) {
	switch ev.Type {
	case "session.created", "session.updated":
		c.log.Debugf("realtime %s", ev.Type)

	case "response.created":
		c.mu.Lock()
		c.interrupted = false
		c.responseActive = true
		c.mu.Unlock()

	case "response.done":
		c.mu.Lock()
		c.responseActive = false
		c.mu.Unlock()

	case "response.audio.delta", "response.output_audio.delta":
		c.mu.Lock()
		skip := c.interrupted
		c.mu.Unlock()
		if skip {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warnf("audio delta not base64: %v", err)
			return
		}
		c.log.Tracef("audio delta %d bytes", len(pcm))
		c.emit(AudioReceived{PCM: pcm})

	case "response.audio.done", "response.output_audio.done":
		c.emit(ResponseDone{})

	case "input_audio_buffer.speech_started":
		c.mu.Lock()
		c.interrupted = true
		cancel := c.responseActive
		c.mu.Unlock()
		if cancel {
			if err := s.send(clientEvent{Type: "response.cancel"}); err != nil {
				c.log.Debugf("cancel response: %v", err)
			}
		}
		c.emit(SpeechStarted{})

	case "input_audio_buffer.speech_stopped":
		c.log.Debug("caller stopped speaking")

	case "conversation.item.input_audio_transcription.completed":
		c.log.WithField("who", "visitor").Info(ev.Transcript)

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		c.log.WithField("who", "assistant").Info(ev.Transcript)

	case "response.function_call_arguments.done":
		go c.handleToolCall(s, ev.Name, ev.CallID, ev.Arguments)

	case "error":
		if ev.Error != nil {
			c.log.Errorf("realtime error %s: %s", ev.Error.Code, ev.Error.Message)
		} else {
			c.log.Error("realtime error without detail")
		}

	default:
		c.log.Tracef("unhandled realtime event %s", ev.Type)
	}
}

func (c *Client) handleToolCall(s *session, name, callID, args string) {
	log := c.log.WithFields(logrus.Fields{"tool": name, "call": callID})

	if !json.Valid([]byte(args)) {
		log.Errorf("malformed tool arguments: %.200s", args)
		c.replyTool(s, callID, toolError("invalid tool arguments", errors.New("arguments are not valid JSON")), true)
		return
	}
	log.Infof("tool call %s", args)

	if name == toolEndCall {
		out, _ := json.Marshal(map[string]any{"ended": true, "message": "The call will close automatically."})
		c.replyTool(s, callID, out, false)
		go func() {
			t := time.NewTimer(c.cfg.EndCallGrace)
			defer t.Stop()
			select {
			case <-t.C:
				c.endSession(s, "assistant ended call")
			case <-s.closed.Watch():
			}
		}()
		return
	}

	if c.backend == nil || s.id == "" {
		c.replyTool(s, callID, toolError("tool execution failed", errors.New("no backend session")), true)
		return
	}
	out, err := c.backend.ExecuteTool(context.Background(), s.id, name, json.RawMessage(args))
	if err != nil {
		log.Errorf("tool failed: %v", err)
		c.replyTool(s, callID, toolError("tool execution failed", err), true)
		return
	}
	c.replyTool(s, callID, out, true)
}

func (c *Client) replyTool(s *session, callID string, out []byte, respond bool) {
	if err := s.send(toolOutput(callID, out)); err != nil {
		c.log.Warnf("send tool output: %v", err)
		return
	}
	if respond {
		if err := s.send(clientEvent{Type: "response.create"}); err != nil {
			c.log.Warnf("request response: %v", err)
		}
	}
}

func (c *Client) onResidentDecision(s *session, data json.RawMessage) {
	var d struct {
		Approved bool `json:"approved"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.Warnf("malformed resident decision: %v", err)
		return
	}
	c.mu.Lock()
	active := c.active && c.sess == s
	c.mu.Unlock()
	if !active {
		c.log.Warn("resident decision arrived after the conversation ended")
		return
	}
	c.log.WithField("approved", d.Approved).Info("resident decision received")
	if err := s.send(systemMessage(decisionText(d.Approved))); err != nil {
		c.log.Warnf("inject decision: %v", err)
		return
	}
	_ = s.send(clientEvent{Type: "response.create"})
}
