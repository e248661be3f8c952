package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	ini "gopkg.in/ini.v1"

	"vigiliahub/audio"
	"vigiliahub/backend"
	"vigiliahub/concierge"
	"vigiliahub/dtmf"
	"vigiliahub/hw"
	"vigiliahub/router"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	backendURL       string
	apiURL           string
	hubID            string
	hubSecret        string
	heartbeatSec     int
	reconnectMinMs   int
	reconnectMaxMs   int
	httpTimeoutMs    int
	connectivitySec  int
	simulated        bool
	console          bool
	relayPins        []int
	relaySettleMs    int
	relayDrainMs     int
	keypadRows       []int
	keypadCols       []int
	keypadReleaseMs  int
	hangupPin        int
	scanIntervalMs   int
	keypadTimeoutMs  int
	repeatWindowMs   int
	cooldownMs       int
	maxConversationS int
	maxInterceptS    int
	responseDrainMs  int
	exitDrainMs      int
	maxDigits        int

	captureDevice  string
	playbackDevice string
	captureRate    int
	sessionRate    int
	channels       int
	frameMs        int
	bargeInMinMs   int

	halfDuplex  bool
	echoFloorDB float64
	echoTailMs  int

	dtmfDevice    string
	dtmfRate      int
	dtmfToneMs    int
	dtmfGapMs     int
	dtmfAmplitude float64

	realtimeURL        string
	realtimeModel      string
	debugKey           string
	voice              string
	transcriptionModel string
	language           string
	vadThreshold       float64
	vadPrefixMs        int
	vadSilenceMs       int
	promptFile         string
	connectTimeoutMs   int
	endCallGraceMs     int

	cacheFile    string
	cacheSyncSec int

	doorPin       int
	gatePin       int
	doorPulseMs   int
	doorDelayMs   int
	metricsListen string
}

// LoadEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadSettings reads configuration from ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("hub")
	s.backendURL = strings.TrimRight(sec.Key("backend_url").MustString("http://localhost:3000"), "/")
	s.apiURL = strings.TrimRight(sec.Key("api_url").String(), "/")
	s.hubID = sec.Key("hub_id").String()
	s.hubSecret = sec.Key("secret").MustString(os.Getenv("HUB_SECRET"))
	s.heartbeatSec = sec.Key("heartbeat").MustInt(30)
	s.reconnectMinMs = sec.Key("reconnect_min_ms").MustInt(2000)
	s.reconnectMaxMs = sec.Key("reconnect_max_ms").MustInt(10000)
	s.httpTimeoutMs = sec.Key("http_timeout_ms").MustInt(5000)
	s.connectivitySec = sec.Key("connectivity_check").MustInt(30)

	sec = cfg.Section("gpio")
	s.simulated = sec.Key("simulated").MustBool(false)
	s.console = sec.Key("console").MustBool(false)
	s.relayPins = intList(sec.Key("relay_pins"), []int{17, 27})
	s.relaySettleMs = sec.Key("relay_settle_ms").MustInt(200)
	s.relayDrainMs = sec.Key("relay_drain_ms").MustInt(500)
	s.keypadRows = intList(sec.Key("keypad_rows"), []int{5, 6, 13, 19})
	s.keypadCols = intList(sec.Key("keypad_cols"), []int{26, 16, 20, 24})
	s.keypadReleaseMs = sec.Key("keypad_release_ms").MustInt(50)
	s.hangupPin = sec.Key("hangup_pin").MustInt(22)

	sec = cfg.Section("router")
	s.scanIntervalMs = sec.Key("scan_interval_ms").MustInt(30)
	s.keypadTimeoutMs = sec.Key("keypad_timeout_ms").MustInt(15000)
	s.repeatWindowMs = sec.Key("repeat_window_ms").MustInt(300)
	s.cooldownMs = sec.Key("cooldown_ms").MustInt(3000)
	s.maxConversationS = sec.Key("max_conversation").MustInt(180)
	s.maxInterceptS = sec.Key("max_intercept").MustInt(180)
	s.responseDrainMs = sec.Key("response_drain_ms").MustInt(500)
	s.exitDrainMs = sec.Key("exit_drain_ms").MustInt(400)
	s.maxDigits = sec.Key("max_digits").MustInt(8)

	sec = cfg.Section("audio")
	s.captureDevice = sec.Key("capture_device").MustString("plughw:CARD=Device,DEV=0")
	s.playbackDevice = sec.Key("playback_device").MustString("plughw:CARD=Headphones,DEV=0")
	s.captureRate = sec.Key("capture_rate").MustInt(48000)
	s.sessionRate = sec.Key("session_rate").MustInt(24000)
	s.channels = sec.Key("channels").MustInt(1)
	s.frameMs = sec.Key("frame_ms").MustInt(20)
	s.bargeInMinMs = sec.Key("barge_in_min_ms").MustInt(300)

	sec = cfg.Section("echo")
	s.halfDuplex = sec.Key("half_duplex").MustBool(true)
	s.echoFloorDB = sec.Key("floor_db").MustFloat64(-45)
	s.echoTailMs = sec.Key("tail_ms").MustInt(300)

	sec = cfg.Section("dtmf")
	s.dtmfDevice = sec.Key("device").MustString(s.playbackDevice)
	s.dtmfRate = sec.Key("sample_rate").MustInt(48000)
	s.dtmfToneMs = sec.Key("tone_ms").MustInt(100)
	s.dtmfGapMs = sec.Key("gap_ms").MustInt(50)
	s.dtmfAmplitude = sec.Key("amplitude").MustFloat64(0.8)

	sec = cfg.Section("concierge")
	s.realtimeURL = sec.Key("url").MustString("wss://api.openai.com/v1/realtime")
	s.realtimeModel = sec.Key("model").MustString("gpt-realtime-mini")
	s.debugKey = sec.Key("debug_key").MustString(os.Getenv("DEBUG_OPENAI_KEY"))
	s.voice = sec.Key("voice").MustString("sage")
	s.transcriptionModel = sec.Key("transcription_model").MustString("gpt-4o-mini-transcribe")
	s.language = sec.Key("language").MustString("es")
	s.vadThreshold = sec.Key("vad_threshold").MustFloat64(0.8)
	s.vadPrefixMs = sec.Key("vad_prefix_ms").MustInt(300)
	s.vadSilenceMs = sec.Key("vad_silence_ms").MustInt(350)
	s.promptFile = sec.Key("prompt_file").String()
	s.connectTimeoutMs = sec.Key("connect_timeout_ms").MustInt(10000)
	s.endCallGraceMs = sec.Key("end_call_grace_ms").MustInt(3000)

	sec = cfg.Section("cache")
	s.cacheFile = sec.Key("file").MustString("data/units-cache.json")
	s.cacheSyncSec = sec.Key("sync_interval").MustInt(300)

	sec = cfg.Section("door")
	s.doorPin = sec.Key("door_pin").MustInt(23)
	s.gatePin = sec.Key("gate_pin").MustInt(25)
	s.doorPulseMs = sec.Key("pulse_ms").MustInt(3000)
	s.doorDelayMs = sec.Key("remote_delay_ms").MustInt(6000)

	s.metricsListen = cfg.Section("metrics").Key("listen").String()

	if len(s.relayPins) != 2 {
		return nil, fmt.Errorf("gpio.relay_pins needs exactly 2 pins, got %d", len(s.relayPins))
	}
	if len(s.keypadRows) != 4 || len(s.keypadCols) != 4 {
		return nil, fmt.Errorf("gpio keypad needs 4 rows and 4 columns")
	}
	if s.maxDigits <= 0 {
		return nil, fmt.Errorf("router.max_digits must be positive")
	}

	return s, nil
}

// RequireBackend checks the settings needed to talk to the backend.
func (s *Settings) RequireBackend() error {
	if s.hubSecret == "" {
		return fmt.Errorf("hub secret must be set ([hub] secret or HUB_SECRET)")
	}
	if s.backendURL == "" {
		return fmt.Errorf("hub.backend_url must be set")
	}
	return nil
}

func intList(k *ini.Key, def []int) []int {
	if strings.TrimSpace(k.String()) == "" {
		return def
	}
	return k.Ints(",")
}

func millis(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func (s *Settings) BackendURL() string    { return s.backendURL }
func (s *Settings) HubSecret() string     { return s.hubSecret }
func (s *Settings) Simulated() bool       { return s.simulated }
func (s *Settings) Console() bool         { return s.console }
func (s *Settings) HangupPin() int        { return s.hangupPin }
func (s *Settings) PromptFile() string    { return s.promptFile }
func (s *Settings) CacheFile() string     { return s.cacheFile }
func (s *Settings) MetricsListen() string { return s.metricsListen }
func (s *Settings) DTMFDevice() string    { return s.dtmfDevice }

func (s *Settings) CacheSyncInterval() time.Duration    { return seconds(s.cacheSyncSec) }
func (s *Settings) ConnectivityInterval() time.Duration { return seconds(s.connectivitySec) }
func (s *Settings) RemoteDoorDelay() time.Duration      { return millis(s.doorDelayMs) }

// KeyGap spaces console keys so each lands on its own scan.
func (s *Settings) KeyGap() time.Duration { return millis(s.scanIntervalMs) * 3 }

func (s *Settings) Router() router.Config {
	return router.Config{
		ScanInterval:     millis(s.scanIntervalMs),
		KeypadTimeout:    millis(s.keypadTimeoutMs),
		RepeatWindow:     millis(s.repeatWindowMs),
		Cooldown:         millis(s.cooldownMs),
		MaxConversation:  seconds(s.maxConversationS),
		MaxInterceptHold: seconds(s.maxInterceptS),
		ResponseDrain:    millis(s.responseDrainMs),
		ExitDrain:        millis(s.exitDrainMs),
		DisarmTimeout:    5 * time.Second,
		MaxDigits:        s.maxDigits,
	}
}

func (s *Settings) Keypad() hw.KeypadConfig {
	return hw.KeypadConfig{Rows: s.keypadRows, Cols: s.keypadCols, Release: millis(s.keypadReleaseMs)}
}

// Interceptor's hardware watchdog trails the router's own limit so the
// router always releases first.
func (s *Settings) Interceptor() hw.InterceptorConfig {
	return hw.InterceptorConfig{
		Pins:    s.relayPins,
		Settle:  millis(s.relaySettleMs),
		Drain:   millis(s.relayDrainMs),
		MaxHold: seconds(s.maxInterceptS) + 10*time.Second,
	}
}

func (s *Settings) Door() hw.DoorConfig {
	return hw.DoorConfig{DoorPin: s.doorPin, GatePin: s.gatePin, Pulse: millis(s.doorPulseMs)}
}

func (s *Settings) Audio() audio.Config {
	return audio.Config{
		CaptureDevice:       s.captureDevice,
		PlaybackDevice:      s.playbackDevice,
		CaptureRate:         s.captureRate,
		SessionRate:         s.sessionRate,
		Channels:            s.channels,
		FrameDuration:       millis(s.frameMs),
		BargeInMinRemaining: millis(s.bargeInMinMs),
	}
}

func (s *Settings) Echo() audio.EchoConfig {
	return audio.EchoConfig{HalfDuplex: s.halfDuplex, FloorDB: s.echoFloorDB, Tail: millis(s.echoTailMs)}
}

func (s *Settings) Tones() dtmf.ToneConfig {
	return dtmf.ToneConfig{
		SampleRate: s.dtmfRate,
		Tone:       millis(s.dtmfToneMs),
		Gap:        millis(s.dtmfGapMs),
		Amplitude:  s.dtmfAmplitude,
	}
}

func (s *Settings) Backend(hostIP string) backend.Config {
	timeout := millis(s.httpTimeoutMs)
	return backend.Config{
		URL:            s.backendURL,
		APIURL:         s.apiURL,
		HubID:          s.hubID,
		Secret:         s.hubSecret,
		HostIP:         hostIP,
		Heartbeat:      seconds(s.heartbeatSec),
		ReconnectMin:   millis(s.reconnectMinMs),
		ReconnectMax:   millis(s.reconnectMaxMs),
		UnitsTimeout:   timeout,
		ToolTimeout:    timeout,
		SessionTimeout: timeout,
	}
}

func (s *Settings) Concierge(instructions string) concierge.Config {
	return concierge.Config{
		URL:                s.realtimeURL,
		Model:              s.realtimeModel,
		DebugKey:           s.debugKey,
		Voice:              s.voice,
		TranscriptionModel: s.transcriptionModel,
		Language:           s.language,
		SampleRate:         s.sessionRate,
		VADThreshold:       s.vadThreshold,
		VADPrefix:          millis(s.vadPrefixMs),
		VADSilence:         millis(s.vadSilenceMs),
		Instructions:       instructions,
		ConnectTimeout:     millis(s.connectTimeoutMs),
		EndCallGrace:       millis(s.endCallGraceMs),
	}
}
