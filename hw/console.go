package hw

import (
	"bufio"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Console stands in for the keypad and hook switch on a bench without
// hardware. Each input line is read as key presses; 'h' pulses a hangup.
type Console struct {
	keys   chan byte
	hangup atomic.Bool
}

// NewConsole starts reading r. Keys are released at most one per gap so
// repeated digits survive the router's repeat filter.
func NewConsole(r io.Reader, gap time.Duration, log *logrus.Entry) *Console {
	c := &Console{keys: make(chan byte, 32)}
	go c.read(r, gap, log)
	return c
}

func (c *Console) read(r io.Reader, gap time.Duration, log *logrus.Entry) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		for _, b := range []byte(sc.Text()) {
			switch {
			case b == 'h' || b == 'H':
				c.hangup.Store(true)
			case IsKey(b):
				select {
				case c.keys <- b:
				default:
					log.Warnf("console key %q dropped", b)
					continue
				}
			default:
				continue
			}
			time.Sleep(gap)
		}
	}
}

func (c *Console) Scan() (byte, bool) {
	select {
	case k := <-c.keys:
		return k, true
	default:
		return 0, false
	}
}

// HangupDetected reports a pending 'h' once.
func (c *Console) HangupDetected() bool {
	return c.hangup.Swap(false)
}
