//go:build linux

package gpio

import (
	"fmt"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// openHardware initialises periph host drivers and checks that at least one
// GPIO line was registered.
func openHardware() (opener, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	if len(gpioreg.All()) == 0 {
		return nil, ErrUnavailable
	}
	return func(name string) (Pin, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("%s: %w", name, ErrUnavailable)
		}
		return &periphPin{p: p}, nil
	}, nil
}

type periphPin struct {
	p pgpio.PinIO
}

func (h *periphPin) Name() string { return h.p.Name() }

func (h *periphPin) Out(l Level) error { return h.p.Out(pgpio.Level(l)) }

func (h *periphPin) In(p Pull) error {
	pull := pgpio.Float
	switch p {
	case PullUp:
		pull = pgpio.PullUp
	case PullDown:
		pull = pgpio.PullDown
	}
	return h.p.In(pull, pgpio.NoEdge)
}

func (h *periphPin) Read() Level { return Level(h.p.Read()) }
