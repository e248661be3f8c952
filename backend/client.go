package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"vigiliahub/unitcache"
)

// ErrOffline is returned when the hub socket is not connected or the
// network check failed.
var ErrOffline = errors.New("backend offline")

// Config holds backend endpoints and credentials.
type Config struct {
	URL            string
	APIURL         string
	HubID          string
	Secret         string
	HostIP         string
	Heartbeat      time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	UnitsTimeout   time.Duration
	ToolTimeout    time.Duration
	SessionTimeout time.Duration
}

// Handler receives the payload of a hub event.
type Handler func(data json.RawMessage)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client keeps the hub socket to the backend alive and wraps its REST API.
type Client struct {
	cfg    Config
	log    *logrus.Entry
	http   *http.Client
	dialer *websocket.Dialer
	online *Connectivity

	// OnConnState is called with true after a socket is established and false
	// when it drops.
	OnConnState func(connected bool)

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	handlers map[string]map[uint64]Handler
	nextID   uint64

	writeMu sync.Mutex
}

// NewClient creates a Client. online may be nil to skip network checks.
func NewClient(cfg Config, online *Connectivity, log *logrus.Entry) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = cfg.URL
	}
	if cfg.HubID == "" {
		cfg.HubID = uuid.NewString()
		log.Warnf("no hub id configured, using %s", cfg.HubID)
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		http:     &http.Client{},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		online:   online,
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Run maintains the hub socket until ctx is cancelled, reconnecting with a
// capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := retry.WithCappedDuration(c.cfg.ReconnectMax, retry.NewExponential(c.cfg.ReconnectMin))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.session(ctx); err != nil {
			c.log.Warnf("hub socket: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) session(ctx context.Context) error {
	if c.online != nil && !c.online.Online(ctx) {
		return ErrOffline
	}
	u, err := hubURL(c.cfg.URL)
	if err != nil {
		return err
	}
	socketID := uuid.NewString()
	hdr := http.Header{}
	hdr.Set("X-Hub-Id", c.cfg.HubID)
	hdr.Set("X-Hub-Secret", c.cfg.Secret)
	hdr.Set("X-Socket-Id", socketID)

	conn, resp, err := c.dialer.DialContext(ctx, u, hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", u, err)
	}
	c.setConn(conn, socketID)
	defer c.setConn(nil, "")
	c.log.WithField("socket", socketID).Info("hub socket connected")

	if err := c.Emit("hub:hello", map[string]any{"hubId": c.cfg.HubID, "ip": c.cfg.HostIP}); err != nil {
		conn.Close()
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
			<-readErr
			return nil
		case err := <-readErr:
			conn.Close()
			return fmt.Errorf("hub socket closed: %w", err)
		case <-ticker.C:
			hb := map[string]any{"timestamp": time.Now().UnixMilli(), "status": "active"}
			if err := c.Emit("heartbeat", hb); err != nil {
				c.log.Warnf("heartbeat: %v", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warnf("malformed hub message: %.120s", data)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	if len(hs) == 0 {
		c.log.Debugf("unhandled hub event %s", env.Event)
	}
	for _, h := range hs {
		h(env.Data)
	}
}

func (c *Client) setConn(conn *websocket.Conn, socketID string) {
	c.mu.Lock()
	c.conn = conn
	c.socketID = socketID
	c.mu.Unlock()
	if c.OnConnState != nil {
		c.OnConnState(conn != nil)
	}
}

// On subscribes h to event and returns a function that removes it.
func (c *Client) On(event string, h Handler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// Emit sends an event over the hub socket.
func (c *Client) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Connected reports whether the hub socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SocketID identifies the current hub socket so the backend can route
// resident decisions back to this hub. Empty while disconnected.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// UnitDialed reports a confirmed unit to the backend. Offline is not an error.
func (c *Client) UnitDialed(unit string) {
	err := c.Emit("keypad", map[string]any{"houseNumber": unit, "timestamp": time.Now().UnixMilli()})
	if err != nil {
		c.log.Debugf("keypad event not sent: %v", err)
	}
}

// FetchUnits lists the units with the AI concierge enabled.
func (c *Client) FetchUnits(ctx context.Context) ([]unitcache.Unit, error) {
	var units []unitcache.Unit
	err := c.do(ctx, c.cfg.UnitsTimeout, http.MethodGet, c.cfg.URL+"/api/v1/units/ai-enabled", nil, &units)
	return units, err
}

// ExecuteTool runs a concierge tool on the backend and returns its raw result.
func (c *Client) ExecuteTool(ctx context.Context, sessionID, name string, args json.RawMessage) (json.RawMessage, error) {
	body := map[string]any{"toolName": name, "parameters": args}
	var out json.RawMessage
	path := fmt.Sprintf("%s/api/v1/concierge/session/%s/execute-tool", c.cfg.APIURL, url.PathEscape(sessionID))
	if err := c.do(ctx, c.cfg.ToolTimeout, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}

// ConciergeSession is the credential for one realtime AI session.
type ConciergeSession struct {
	EphemeralToken string `json:"ephemeralToken"`
	SessionID      string `json:"sessionId"`
}

// StartConciergeSession asks the backend for an ephemeral AI credential.
func (c *Client) StartConciergeSession(ctx context.Context) (ConciergeSession, error) {
	var s ConciergeSession
	body := map[string]any{"socketId": c.SocketID(), "hubId": c.cfg.HubID}
	err := c.do(ctx, c.cfg.SessionTimeout, http.MethodPost, c.cfg.APIURL+"/api/v1/concierge/session/start", body, &s)
	if err != nil {
		return s, fmt.Errorf("start concierge session: %w", err)
	}
	if s.EphemeralToken == "" {
		return s, errors.New("start concierge session: empty token")
	}
	return s, nil
}

// EndConciergeSession marks a session completed on the backend.
func (c *Client) EndConciergeSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("%s/api/v1/concierge/session/%s/end", c.cfg.APIURL, url.PathEscape(sessionID))
	return c.do(ctx, c.cfg.SessionTimeout, http.MethodPost, path, map[string]string{"finalStatus": "completed"}, nil)
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, target string, in, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Hub-Secret", c.cfg.Secret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// hubURL turns the backend base URL into the hub socket URL.
func hubURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("backend url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/hub"
	return u.String(), nil
}
