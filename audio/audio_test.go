package audio

import (
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(samples int, amplitude int16) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}

func TestRMSDecibels(t *testing.T) {
	assert.True(t, math.IsInf(RMSDecibels(nil), -1))
	assert.True(t, math.IsInf(RMSDecibels(make([]byte, 480)), -1))

	full := RMSDecibels(tone(240, 32767))
	assert.InDelta(t, 0, full, 0.01)

	quiet := RMSDecibels(tone(240, 100))
	assert.InDelta(t, 20*math.Log10(100.0/32768), quiet, 0.01)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(halfDuplex bool) (*EchoGate, *fakeClock) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	g := NewEchoGate(EchoConfig{HalfDuplex: halfDuplex, FloorDB: -45, Tail: 300 * time.Millisecond})
	g.now = clk.now
	return g, clk
}

func TestEchoGateHalfDuplex(t *testing.T) {
	g, clk := newTestGate(true)
	loud := tone(480, 8000)

	assert.True(t, g.ShouldSend(loud))

	g.SpeakerActive()
	assert.False(t, g.ShouldSend(loud), "speaker playing")

	clk.advance(time.Second)
	g.SpeakerInactive()
	clk.advance(100 * time.Millisecond)
	assert.False(t, g.ShouldSend(loud), "inside tail window")

	clk.advance(250 * time.Millisecond)
	assert.True(t, g.ShouldSend(loud))
}

func TestEchoGateFloor(t *testing.T) {
	g, _ := newTestGate(false)
	assert.False(t, g.ShouldSend(tone(480, 50)), "-56 dBFS is under the floor")
	assert.False(t, g.ShouldSend(make([]byte, 960)), "silence")

	g.SpeakerActive()
	assert.True(t, g.ShouldSend(tone(480, 8000)), "full duplex ignores the speaker")
}

func TestEchoGateReset(t *testing.T) {
	g, _ := newTestGate(true)
	g.SpeakerActive()
	g.Reset()
	assert.True(t, g.ShouldSend(tone(480, 8000)))
}

func newTestManager() (*Manager, *fakeClock) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	clk := &fakeClock{t: time.Unix(100, 0)}
	m := &Manager{
		cfg: Config{SessionRate: 24000, Channels: 1, FrameDuration: 40 * time.Millisecond, BargeInMinRemaining: 300 * time.Millisecond},
		log: logrus.NewEntry(l),
		now: clk.now,
	}
	return m, clk
}

func TestInterruptPlaybackNeedsQueuedAudio(t *testing.T) {
	m, clk := newTestManager()
	require.NoError(t, m.StartPlayback())

	// 200ms of audio at 24 kHz mono.
	m.WritePlayback(make([]byte, 9600))
	assert.False(t, m.InterruptPlayback(), "only 200ms queued")

	m.WritePlayback(make([]byte, 48000))
	clk.advance(100 * time.Millisecond)
	assert.True(t, m.InterruptPlayback(), "1.1s queued")

	assert.False(t, m.InterruptPlayback(), "queue was discarded")
}

func TestWritePlaybackRestartsClockAfterIdle(t *testing.T) {
	m, clk := newTestManager()
	require.NoError(t, m.StartPlayback())
	m.WritePlayback(make([]byte, 48000))
	clk.advance(5 * time.Second)
	m.WritePlayback(make([]byte, 48000))
	assert.Equal(t, clk.t.Add(time.Second), m.playEnd)
}

func TestWritePlaybackDroppedOutsidePlayback(t *testing.T) {
	m, _ := newTestManager()

	m.WritePlayback(make([]byte, 48000))
	assert.Zero(t, m.PlaybackRemaining(), "written before start")

	require.NoError(t, m.StartPlayback())
	m.WritePlayback(make([]byte, 48000))
	assert.Equal(t, time.Second, m.PlaybackRemaining())

	m.StopPlayback()
	assert.Zero(t, m.PlaybackRemaining())
	m.WritePlayback(make([]byte, 48000))
	assert.Zero(t, m.PlaybackRemaining(), "late delta after stop")
	assert.False(t, m.playing)
	assert.Nil(t, m.player)
}

func TestPlaybackRemainingCountsDown(t *testing.T) {
	m, clk := newTestManager()
	require.NoError(t, m.StartPlayback())

	// 2s of audio at 24 kHz mono.
	m.WritePlayback(make([]byte, 96000))
	clk.advance(1500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, m.PlaybackRemaining())

	clk.advance(time.Second)
	assert.Zero(t, m.PlaybackRemaining())
}

func TestFrameBytes(t *testing.T) {
	cfg := Config{SessionRate: 24000, FrameDuration: 40 * time.Millisecond}
	require.Equal(t, 1920, cfg.frameBytes())
	cfg.FrameDuration = 0
	require.Equal(t, 960, cfg.frameBytes())
}

func TestSimulatedManagerIsNoop(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.StartCapture(func([]byte) {}))
	require.NoError(t, m.StartPlayback())
	m.StopCapture()
	m.StopPlayback()
	m.Close()
}
