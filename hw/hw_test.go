package hw

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigiliahub/gpio"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// matrixRow reads low when its row is pressed and the pressed column is
// currently strobed low.
type matrixRow struct {
	*gpio.SimPin
	row int
	m   *matrix
}

func (r *matrixRow) Read() gpio.Level {
	if r.m.pressed && r.m.row == r.row && r.m.cols[r.m.col].Read() == gpio.Low {
		return gpio.Low
	}
	return gpio.High
}

type matrix struct {
	cols     []*gpio.SimPin
	pressed  bool
	row, col int
}

func newTestKeypad(t *testing.T) (*Keypad, *matrix, *time.Time) {
	t.Helper()
	m := &matrix{}
	k := &Keypad{release: 50 * time.Millisecond}
	for i := 0; i < 4; i++ {
		c := gpio.NewSimPin("col")
		require.NoError(t, c.Out(gpio.High))
		m.cols = append(m.cols, c)
		k.cols = append(k.cols, c)
		k.rows = append(k.rows, &matrixRow{SimPin: gpio.NewSimPin("row"), row: i, m: m})
	}
	now := time.Unix(0, 0)
	k.now = func() time.Time { return now }
	return k, m, &now
}

func TestKeypadEmitsOncePerPress(t *testing.T) {
	k, m, now := newTestKeypad(t)

	m.pressed, m.row, m.col = true, 2, 1
	key, ok := k.Scan()
	require.True(t, ok)
	assert.Equal(t, byte('8'), key)

	*now = now.Add(30 * time.Millisecond)
	_, ok = k.Scan()
	assert.False(t, ok, "held key must not repeat")

	m.pressed = false
	*now = now.Add(20 * time.Millisecond)
	_, ok = k.Scan()
	assert.False(t, ok)

	// Bounce back before the release window: still the same press.
	m.pressed = true
	*now = now.Add(10 * time.Millisecond)
	_, ok = k.Scan()
	assert.False(t, ok)

	m.pressed = false
	*now = now.Add(10 * time.Millisecond)
	k.Scan()
	*now = now.Add(60 * time.Millisecond)
	k.Scan()

	m.pressed = true
	key, ok = k.Scan()
	require.True(t, ok)
	assert.Equal(t, byte('8'), key)

	for _, c := range m.cols {
		assert.Equal(t, gpio.High, c.Read(), "columns idle high after a scan")
	}
}

func TestKeypadMapsCorners(t *testing.T) {
	k, m, _ := newTestKeypad(t)
	m.pressed, m.row, m.col = true, 3, 2
	key, ok := k.Scan()
	require.True(t, ok)
	assert.Equal(t, byte('#'), key)

	m.row, m.col = 0, 3
	key, ok = k.Scan()
	require.True(t, ok)
	assert.Equal(t, byte('A'), key)
}

func TestNewKeypadValidatesShape(t *testing.T) {
	_, err := NewKeypad(gpio.NewSimulatedBank(), KeypadConfig{Rows: []int{5, 6}, Cols: []int{26, 16, 20, 24}})
	require.Error(t, err)

	k, err := NewKeypad(gpio.NewSimulatedBank(), KeypadConfig{Rows: []int{5, 6, 13, 19}, Cols: []int{26, 16, 20, 24}})
	require.NoError(t, err)
	_, ok := k.Scan()
	assert.False(t, ok)
}

func TestIsKey(t *testing.T) {
	for _, b := range []byte("0123456789ABCD*#") {
		assert.True(t, IsKey(b), string(b))
	}
	assert.False(t, IsKey('x'))
}

func TestHookSwitch(t *testing.T) {
	bank := gpio.NewSimulatedBank()
	h, err := NewHookSwitch(bank, 22)
	require.NoError(t, err)
	assert.False(t, h.HangupDetected())

	p, _ := bank.Pin(22)
	p.(*gpio.SimPin).Set(gpio.Low)
	assert.True(t, h.HangupDetected())
}

func newTestInterceptor(t *testing.T, maxHold time.Duration) (*LineInterceptor, []*gpio.SimPin) {
	t.Helper()
	bank := gpio.NewSimulatedBank()
	l, err := NewLineInterceptor(bank, InterceptorConfig{
		Pins:    []int{17, 27},
		Settle:  5 * time.Millisecond,
		Drain:   5 * time.Millisecond,
		MaxHold: maxHold,
	}, testLog())
	require.NoError(t, err)
	var pins []*gpio.SimPin
	for _, n := range []int{17, 27} {
		p, _ := bank.Pin(n)
		pins = append(pins, p.(*gpio.SimPin))
	}
	return l, pins
}

func TestInterceptorArmDisarm(t *testing.T) {
	l, pins := newTestInterceptor(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Arm(ctx))
	assert.True(t, l.Armed())
	for _, p := range pins {
		assert.Equal(t, gpio.Low, p.Read())
	}

	writes := pins[0].Writes()
	require.NoError(t, l.Arm(ctx))
	assert.Equal(t, writes, pins[0].Writes(), "second arm is a no-op")

	require.NoError(t, l.Disarm(ctx))
	assert.False(t, l.Armed())
	for _, p := range pins {
		assert.Equal(t, gpio.High, p.Read())
	}
	require.NoError(t, l.Disarm(ctx))
}

func TestInterceptorDisarmReleasesOnCancelledContext(t *testing.T) {
	l, pins := newTestInterceptor(t, time.Minute)
	require.NoError(t, l.Arm(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Disarm(ctx))
	assert.False(t, l.Armed())
	assert.Equal(t, gpio.High, pins[1].Read())
}

func TestInterceptorWatchdogReleases(t *testing.T) {
	l, pins := newTestInterceptor(t, 30*time.Millisecond)
	require.NoError(t, l.Arm(context.Background()))

	require.Eventually(t, func() bool { return !l.Armed() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gpio.High, pins[0].Read())
}

func TestInterceptorForceDisarm(t *testing.T) {
	l, _ := newTestInterceptor(t, time.Minute)
	require.NoError(t, l.Arm(context.Background()))
	l.ForceDisarm()
	assert.False(t, l.Armed())
	assert.Equal(t, 5*time.Millisecond, l.SettleTime())
}

func TestDoorControllerPulses(t *testing.T) {
	bank := gpio.NewSimulatedBank()
	d, err := NewDoorController(bank, DoorConfig{DoorPin: 23, GatePin: 25, Pulse: 10 * time.Millisecond}, testLog())
	require.NoError(t, err)

	require.NoError(t, d.Open(context.Background(), Vehicular, 0))
	gate, _ := bank.Pin(25)
	assert.Equal(t, gpio.High, gate.Read())
	assert.Equal(t, 3, gate.(*gpio.SimPin).Writes(), "release, pulse low, release")

	require.Error(t, d.Open(context.Background(), Access("window"), 0))
}

func TestConsoleFeedsKeysAndHangup(t *testing.T) {
	c := NewConsole(strings.NewReader("12#\nh\n"), time.Millisecond, testLog())

	var got []byte
	require.Eventually(t, func() bool {
		if k, ok := c.Scan(); ok {
			got = append(got, k)
		}
		return len(got) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, "12#", string(got))

	require.Eventually(t, c.HangupDetected, time.Second, time.Millisecond)
	assert.False(t, c.HangupDetected(), "hangup pulse is consumed")
}
