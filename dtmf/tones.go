package dtmf

import (
	"encoding/binary"
	"math"
	"time"
)

// pairs maps each symbol to its low (row) and high (column) frequency.
var pairs = map[byte][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// ToneConfig shapes the generated signal.
type ToneConfig struct {
	SampleRate int
	Tone       time.Duration
	Gap        time.Duration
	Amplitude  float64
}

// DefaultToneConfig is 100ms tones separated by 50ms of silence at 48 kHz.
var DefaultToneConfig = ToneConfig{
	SampleRate: 48000,
	Tone:       100 * time.Millisecond,
	Gap:        50 * time.Millisecond,
	Amplitude:  0.8,
}

// Generate renders digits as mono little-endian PCM16. Symbols without a
// tone pair are skipped and returned in skipped.
func Generate(digits string, cfg ToneConfig) (pcm []byte, skipped []byte) {
	toneSamples := samples(cfg.Tone, cfg.SampleRate)
	gapSamples := samples(cfg.Gap, cfg.SampleRate)

	pcm = make([]byte, 0, len(digits)*(toneSamples+gapSamples)*2)
	for i := 0; i < len(digits); i++ {
		f, ok := pairs[digits[i]]
		if !ok {
			skipped = append(skipped, digits[i])
			continue
		}
		for n := 0; n < toneSamples; n++ {
			t := float64(n) / float64(cfg.SampleRate)
			v := (math.Sin(2*math.Pi*f[0]*t) + math.Sin(2*math.Pi*f[1]*t)) / 2
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(int16(v*32767*cfg.Amplitude)))
		}
		pcm = append(pcm, make([]byte, gapSamples*2)...)
	}
	return pcm, skipped
}

func samples(d time.Duration, rate int) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}
