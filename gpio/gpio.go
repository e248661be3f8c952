package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnavailable is returned when the host exposes no usable GPIO controller.
var ErrUnavailable = errors.New("gpio hardware unavailable")

// Level is the logical value of a pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// Pull selects the input bias of a pin.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Pin is a single BCM-numbered GPIO line.
type Pin interface {
	Name() string
	Out(l Level) error
	In(p Pull) error
	Read() Level
}

// Mode reports how pins are backed.
type Mode int

const (
	Hardware Mode = iota
	Simulated
)

func (m Mode) String() string {
	if m == Hardware {
		return "hardware"
	}
	return "simulated"
}

type opener func(name string) (Pin, error)

// Bank hands out pins. The backing is probed once in Open and never changes.
type Bank struct {
	mode Mode
	open opener

	mu   sync.Mutex
	pins map[int]Pin
}

// Open probes the host GPIO controller. When no controller is present every
// pin is simulated and the rest of the system keeps working.
func Open(log *logrus.Entry) *Bank {
	open, err := openHardware()
	if err != nil {
		log.Warnf("gpio not available, running in simulation mode: %v", err)
		return NewSimulatedBank()
	}
	log.Info("gpio controller initialised")
	return &Bank{mode: Hardware, open: open, pins: make(map[int]Pin)}
}

// NewSimulatedBank returns a bank where every pin is a SimPin.
func NewSimulatedBank() *Bank {
	return &Bank{
		mode: Simulated,
		open: func(name string) (Pin, error) { return NewSimPin(name), nil },
		pins: make(map[int]Pin),
	}
}

// Mode returns the backing chosen at startup.
func (b *Bank) Mode() Mode { return b.mode }

// Pin returns the pin with the given BCM number, opening it on first use.
func (b *Bank) Pin(bcm int) (Pin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pins[bcm]; ok {
		return p, nil
	}
	p, err := b.open(fmt.Sprintf("GPIO%d", bcm))
	if err != nil {
		return nil, fmt.Errorf("open gpio %d: %w", bcm, err)
	}
	b.pins[bcm] = p
	return p, nil
}

// Pins opens several pins at once.
func (b *Bank) Pins(bcm []int) ([]Pin, error) {
	out := make([]Pin, 0, len(bcm))
	for _, n := range bcm {
		p, err := b.Pin(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
