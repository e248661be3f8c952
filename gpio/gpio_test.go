package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedBankReusesPins(t *testing.T) {
	b := NewSimulatedBank()
	require.Equal(t, Simulated, b.Mode())

	p1, err := b.Pin(17)
	require.NoError(t, err)
	p2, err := b.Pin(17)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, "GPIO17", p1.Name())
}

func TestSimPinLevels(t *testing.T) {
	p := NewSimPin("GPIO5")
	require.NoError(t, p.In(PullUp))
	assert.Equal(t, High, p.Read())

	p.Set(Low)
	assert.Equal(t, Low, p.Read())

	require.NoError(t, p.In(PullDown))
	assert.Equal(t, Low, p.Read())

	require.NoError(t, p.Out(High))
	assert.Equal(t, High, p.Read())
	assert.Equal(t, 1, p.Writes())
}

func TestPinsOpensAll(t *testing.T) {
	pins, err := NewSimulatedBank().Pins([]int{5, 6, 13, 19})
	require.NoError(t, err)
	require.Len(t, pins, 4)
	assert.Equal(t, "GPIO19", pins[3].Name())
}
