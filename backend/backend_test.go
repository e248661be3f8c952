package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		HubID:          "hub-1",
		Secret:         "s3cret",
		Heartbeat:      20 * time.Millisecond,
		ReconnectMin:   10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
		UnitsTimeout:   time.Second,
		ToolTimeout:    time.Second,
		SessionTimeout: time.Second,
	}
}

func TestFetchUnits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/units/ai-enabled", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("X-Hub-Secret"))
		_, _ = w.Write([]byte(`[{"houseNumber":"1204","hasAI":true,"familyId":"f1"}]`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil, testLog())
	units, err := c.FetchUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "1204", units[0].HouseNumber)
	assert.True(t, units[0].HasAI)
}

func TestExecuteToolAndStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/concierge/session/sess-1/execute-tool":
			var body struct {
				ToolName   string          `json:"toolName"`
				Parameters json.RawMessage `json:"parameters"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "buscar_residente", body.ToolName)
			assert.JSONEq(t, `{"house":"12"}`, string(body.Parameters))
			_, _ = w.Write([]byte(`{"found":true}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil, testLog())
	out, err := c.ExecuteTool(context.Background(), "sess-1", "buscar_residente", json.RawMessage(`{"house":"12"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"found":true}`, string(out))

	_, err = c.ExecuteTool(context.Background(), "other", "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestConciergeSessionLifecycle(t *testing.T) {
	var ended atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/concierge/session/start":
			_, _ = w.Write([]byte(`{"ephemeralToken":"ek_1","sessionId":"sess-9"}`))
		case "/api/v1/concierge/session/sess-9/end":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			ended.Store(body["finalStatus"] == "completed")
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil, testLog())
	s, err := c.StartConciergeSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ek_1", s.EphemeralToken)
	assert.Equal(t, "sess-9", s.SessionID)

	require.NoError(t, c.EndConciergeSession(context.Background(), s.SessionID))
	assert.True(t, ended.Load())
}

func TestHubSocketEventsAndHeartbeat(t *testing.T) {
	upgrader := websocket.Upgrader{}
	heartbeats := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hub", r.URL.Path)
		assert.Equal(t, "hub-1", r.Header.Get("X-Hub-Id"))
		assert.NotEmpty(t, r.Header.Get("X-Socket-Id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"hub:door_open","data":{"type":"vehicular","visitId":"v1"}}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			_ = json.Unmarshal(data, &env)
			if env.Event == "heartbeat" {
				heartbeats <- struct{}{}
			}
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), nil, testLog())
	got := make(chan json.RawMessage, 1)
	off := c.On("hub:door_open", func(data json.RawMessage) { got <- data })
	defer off()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case data := <-got:
		assert.JSONEq(t, `{"type":"vehicular","visitId":"v1"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("door event not delivered")
	}
	select {
	case <-heartbeats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
	assert.True(t, c.Connected())
	assert.NotEmpty(t, c.SocketID())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, c.Connected())
}

func TestOffRemovesHandler(t *testing.T) {
	c := NewClient(testConfig("http://localhost"), nil, testLog())
	calls := 0
	off := c.On("x", func(json.RawMessage) { calls++ })
	c.dispatch(envelope{Event: "x"})
	off()
	off()
	c.dispatch(envelope{Event: "x"})
	assert.Equal(t, 1, calls)
	require.ErrorIs(t, c.Emit("x", nil), ErrOffline)
}

func TestHubURL(t *testing.T) {
	u, err := hubURL("https://api.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/hub", u)

	_, err = hubURL("ftp://x")
	require.Error(t, err)
}

func TestConnectivityCachesResult(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		heads.Add(1)
	}))
	defer srv.Close()

	c := NewConnectivity(srv.URL, time.Hour, testLog())
	c.lookup = func(context.Context, string) ([]string, error) { return []string{"1.2.3.4"}, nil }

	assert.True(t, c.Online(context.Background()))
	assert.True(t, c.Online(context.Background()))
	assert.EqualValues(t, 1, heads.Load())

	c.lookup = func(context.Context, string) ([]string, error) { return nil, errors.New("no dns") }
	assert.False(t, c.Check(context.Background()))
	assert.False(t, c.Online(context.Background()))
}
