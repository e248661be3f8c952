package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMSDecibels returns the RMS level of little-endian PCM16 samples in dBFS.
// Silence and empty frames return -Inf.
func RMSDecibels(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// pcmDuration is the play time of PCM16 bytes at rate and channels.
func pcmDuration(bytes, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := rate * channels * 2
	return time.Duration(bytes) * time.Second / time.Duration(bytesPerSec)
}
