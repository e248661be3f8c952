package audio

import (
	"sync"
	"time"
)

// EchoConfig controls which captured frames reach the AI session.
type EchoConfig struct {
	HalfDuplex bool
	FloorDB    float64
	Tail       time.Duration
}

// EchoGate decides per captured frame whether it is forwarded. While the
// speaker plays, and for Tail after it stops, half-duplex mode drops every
// frame so the AI does not hear itself. Frames quieter than FloorDB are
// always dropped.
type EchoGate struct {
	cfg EchoConfig
	now func() time.Time

	mu            sync.Mutex
	speakerActive bool
	lastSpeaker   time.Time
}

func NewEchoGate(cfg EchoConfig) *EchoGate {
	return &EchoGate{cfg: cfg, now: time.Now}
}

// ShouldSend reports whether frame may be forwarded upstream.
func (g *EchoGate) ShouldSend(frame []byte) bool {
	g.mu.Lock()
	if g.cfg.HalfDuplex {
		if g.speakerActive {
			g.mu.Unlock()
			return false
		}
		if !g.lastSpeaker.IsZero() && g.now().Sub(g.lastSpeaker) < g.cfg.Tail {
			g.mu.Unlock()
			return false
		}
	}
	g.mu.Unlock()
	return RMSDecibels(frame) >= g.cfg.FloorDB
}

// SpeakerActive records that AI audio is playing.
func (g *EchoGate) SpeakerActive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speakerActive = true
	g.lastSpeaker = g.now()
}

// SpeakerInactive records the end of AI playback and starts the tail window.
func (g *EchoGate) SpeakerInactive() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.speakerActive {
		return
	}
	g.speakerActive = false
	g.lastSpeaker = g.now()
}

// Reset forgets speaker history between calls.
func (g *EchoGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speakerActive = false
	g.lastSpeaker = time.Time{}
}
