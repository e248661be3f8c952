package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"vigiliahub/audio"
	"vigiliahub/backend"
	"vigiliahub/concierge"
	"vigiliahub/dtmf"
	"vigiliahub/gpio"
	"vigiliahub/hw"
	"vigiliahub/metrics"
	"vigiliahub/router"
	"vigiliahub/unitcache"
)

const doorOpenEvent = "hub:door_open"

// Hub connects the keypad, the interception relays, the audio devices and
// the backend around the audio router.
type Hub struct {
	settings *Settings
	metrics  *metrics.Metrics

	bank    *gpio.Bank
	line    *hw.LineInterceptor
	door    *hw.DoorController
	audio   *audio.Manager
	online  *backend.Connectivity
	backend *backend.Client
	cache   *unitcache.Cache
	ai      *concierge.Client
	router  *router.Router
}

// NewHub builds every component. console feeds simulated keys when the
// GPIO bank is simulated and [gpio] console is set.
func NewHub(s *Settings, console io.Reader) (*Hub, error) {
	if err := s.RequireBackend(); err != nil {
		return nil, err
	}
	h := &Hub{settings: s, metrics: metrics.New("")}

	hostIP, err := hostAddress(s.BackendURL())
	if err != nil {
		coreLog.Warnf("host address unknown: %v", err)
	}
	h.online = backend.NewConnectivity(s.BackendURL(), s.ConnectivityInterval(), backendLog)
	h.backend = backend.NewClient(s.Backend(hostIP), h.online, backendLog)
	h.backend.OnConnState = h.metrics.SetHubConnected
	h.cache = unitcache.New(s.CacheFile(), h.backend, coreLog)
	h.cache.OnChange = h.metrics.SetCachedUnits

	h.bank = openBank(s)
	if h.line, err = hw.NewLineInterceptor(h.bank, s.Interceptor(), hwLog); err != nil {
		return nil, err
	}
	if h.door, err = hw.NewDoorController(h.bank, s.Door(), hwLog); err != nil {
		return nil, err
	}
	keypad, hangup, err := openInputs(s, h.bank, console)
	if err != nil {
		return nil, err
	}

	h.audio = audio.NewManager(s.Audio(), audioLog)
	redialer := dtmf.NewRedialer(s.DTMFDevice(), s.Tones(), audioLog)

	instructions, err := concierge.LoadInstructions(s.PromptFile())
	if err != nil {
		return nil, err
	}
	h.ai = concierge.NewClient(s.Concierge(instructions), h.backend, aiLog)

	h.router = router.New(s.Router(), router.Deps{
		Keypad:   keypad,
		Hangup:   hangup,
		Line:     h.line,
		Cache:    h.cache,
		Redialer: redialer,
		Session:  h.ai,
		Audio:    h.audio,
		Echo:     audio.NewEchoGate(s.Echo()),
		Notifier: h.backend,
	}, h.metrics, routerLog)
	return h, nil
}

func openBank(s *Settings) *gpio.Bank {
	if s.Simulated() {
		hwLog.Info("gpio simulation forced by configuration")
		return gpio.NewSimulatedBank()
	}
	return gpio.Open(hwLog)
}

// openInputs returns the key and hook sources: the matrix and hook switch,
// or the console on a simulated bench.
func openInputs(s *Settings, bank *gpio.Bank, console io.Reader) (router.Keypad, router.HangupDetector, error) {
	if bank.Mode() == gpio.Simulated && s.Console() && console != nil {
		hwLog.Info("reading keys from the console ('h' hangs up)")
		c := hw.NewConsole(console, s.KeyGap(), hwLog)
		return c, c, nil
	}
	keypad, err := hw.NewKeypad(bank, s.Keypad())
	if err != nil {
		return nil, nil, err
	}
	hook, err := hw.NewHookSwitch(bank, s.HangupPin())
	if err != nil {
		return nil, nil, err
	}
	return keypad, hook, nil
}

// Run starts the hub and blocks until ctx is cancelled. The line is
// released before Run returns.
func (h *Hub) Run(ctx context.Context) error {
	coreLog.Infof("starting hub (gpio %s, audio tools %t)", h.bank.Mode(), h.audio.Available())
	defer h.close()

	if err := h.prepare(ctx); err != nil {
		return err
	}

	offDoor := h.backend.On(doorOpenEvent, func(data json.RawMessage) { h.onDoorOpen(ctx, data) })
	defer offDoor()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.cache.RefreshLoop(gctx, h.settings.CacheSyncInterval())
		return nil
	})
	g.Go(func() error {
		h.online.Monitor(gctx)
		return nil
	})
	g.Go(func() error { return h.backend.Run(gctx) })
	if addr := h.settings.MetricsListen(); addr != "" {
		g.Go(func() error { return h.serveMetrics(gctx, addr) })
	}
	g.Go(func() error { return h.router.Run(gctx) })

	err := g.Wait()
	coreLog.Info("hub stopped")
	return err
}

// prepare loads the unit cache and probes the backend concurrently.
func (h *Hub) prepare(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.cache.Initialize(gctx) })
	g.Go(func() error {
		if !h.online.Check(gctx) {
			coreLog.Warn("backend unreachable at startup, routing from the local cache")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	coreLog.Infof("%d units cached", h.cache.Len())
	return nil
}

// Dial injects a confirmed unit, as if typed on the keypad.
func (h *Hub) Dial(ctx context.Context, unit string) error {
	return h.router.Dial(ctx, unit)
}

// waitIdle blocks until the router has no call in progress.
func (h *Hub) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := h.router.Status()
		if st.State == router.Transparent && !st.AnalogActive && st.CallID == "" {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type doorCommand struct {
	Type    string `json:"type"`
	VisitID string `json:"visitId"`
}

func (h *Hub) onDoorOpen(ctx context.Context, data json.RawMessage) {
	var cmd doorCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		hwLog.Warnf("malformed door command: %v", err)
		return
	}
	access := hw.Access(cmd.Type)
	if access != hw.Pedestrian && access != hw.Vehicular {
		hwLog.Warnf("door command with unknown access %q", cmd.Type)
		return
	}
	hwLog.WithField("visit", cmd.VisitID).Infof("remote %s opening in %s", access, h.settings.RemoteDoorDelay())
	go func() {
		if err := h.door.Open(ctx, access, h.settings.RemoteDoorDelay()); err != nil {
			hwLog.Errorf("open %s: %v", access, err)
			return
		}
		h.metrics.RecordDoorOpening(string(access))
	}()
}

func (h *Hub) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/status", h.serveStatus)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	coreLog.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (h *Hub) serveStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.router.Status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":        st.State.String(),
		"buffer":       st.Buffer,
		"dialed":       st.Dialed,
		"analogActive": st.AnalogActive,
		"establishing": st.Establishing,
		"callId":       st.CallID,
		"lineArmed":    h.line.Armed(),
		"hubConnected": h.backend.Connected(),
		"cachedUnits":  h.cache.Len(),
	})
}

// close releases hardware and sessions in reverse start order.
func (h *Hub) close() {
	h.ai.Close()
	h.audio.Close()
	h.door.Close()
	h.line.Close()
}
