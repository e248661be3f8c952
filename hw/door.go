package hw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vigiliahub/gpio"
)

// Access selects which barrier to open.
type Access string

const (
	Pedestrian Access = "pedestrian"
	Vehicular  Access = "vehicular"
)

type DoorConfig struct {
	DoorPin int
	GatePin int
	Pulse   time.Duration
}

// DoorController pulses the active-low door strike and vehicle gate relays.
type DoorController struct {
	log   *logrus.Entry
	pulse time.Duration

	mu     sync.Mutex
	relays map[Access]gpio.Pin
	busy   map[Access]bool
}

func NewDoorController(bank *gpio.Bank, cfg DoorConfig, log *logrus.Entry) (*DoorController, error) {
	door, err := bank.Pin(cfg.DoorPin)
	if err != nil {
		return nil, fmt.Errorf("door relay: %w", err)
	}
	gate, err := bank.Pin(cfg.GatePin)
	if err != nil {
		return nil, fmt.Errorf("gate relay: %w", err)
	}
	for _, p := range []gpio.Pin{door, gate} {
		if err := p.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("release %s: %w", p.Name(), err)
		}
	}
	return &DoorController{
		log:    log,
		pulse:  cfg.Pulse,
		relays: map[Access]gpio.Pin{Pedestrian: door, Vehicular: gate},
		busy:   make(map[Access]bool),
	}, nil
}

// Open waits delay and then pulses the relay for the given access type.
// A pulse already in progress on the same relay makes Open return early.
func (d *DoorController) Open(ctx context.Context, access Access, delay time.Duration) error {
	d.mu.Lock()
	pin, ok := d.relays[access]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("unknown access type %q", access)
	}
	if d.busy[access] {
		d.mu.Unlock()
		d.log.Warnf("%s relay already pulsing", access)
		return nil
	}
	d.busy[access] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy[access] = false
		d.mu.Unlock()
	}()

	if err := sleep(ctx, delay); err != nil {
		return err
	}
	d.log.Infof("opening %s access", access)
	if err := pin.Out(gpio.Low); err != nil {
		_ = pin.Out(gpio.High)
		return fmt.Errorf("pulse %s: %w", pin.Name(), err)
	}
	_ = sleep(ctx, d.pulse)
	return pin.Out(gpio.High)
}

// Close releases both relays.
func (d *DoorController) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.relays {
		_ = p.Out(gpio.High)
	}
}
