package hw

import (
	"fmt"
	"time"

	"vigiliahub/gpio"
)

// Keymap is the layout of a standard 4x4 membrane keypad, indexed [row][col].
var Keymap = [4][4]byte{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// IsKey reports whether b is a symbol the keypad can produce.
func IsKey(b byte) bool {
	for _, row := range Keymap {
		for _, k := range row {
			if k == b {
				return true
			}
		}
	}
	return false
}

// KeypadConfig lists the BCM pins of the matrix.
type KeypadConfig struct {
	Rows    []int
	Cols    []int
	Release time.Duration
}

// Keypad scans a 4x4 matrix: rows are pulled-up inputs and each column is
// strobed low in turn. A press is reported once; the key must be released
// for Release before the same key is reported again.
// Keypad is not safe for concurrent use.
type Keypad struct {
	rows    []gpio.Pin
	cols    []gpio.Pin
	release time.Duration
	now     func() time.Time

	held     byte
	heldSeen time.Time
}

func NewKeypad(bank *gpio.Bank, cfg KeypadConfig) (*Keypad, error) {
	if len(cfg.Rows) != 4 || len(cfg.Cols) != 4 {
		return nil, fmt.Errorf("keypad needs 4 rows and 4 columns, got %d and %d", len(cfg.Rows), len(cfg.Cols))
	}
	rows, err := bank.Pins(cfg.Rows)
	if err != nil {
		return nil, fmt.Errorf("keypad rows: %w", err)
	}
	cols, err := bank.Pins(cfg.Cols)
	if err != nil {
		return nil, fmt.Errorf("keypad cols: %w", err)
	}
	for _, r := range rows {
		if err := r.In(gpio.PullUp); err != nil {
			return nil, fmt.Errorf("keypad row %s: %w", r.Name(), err)
		}
	}
	for _, c := range cols {
		if err := c.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("keypad col %s: %w", c.Name(), err)
		}
	}
	release := cfg.Release
	if release <= 0 {
		release = 50 * time.Millisecond
	}
	return &Keypad{rows: rows, cols: cols, release: release, now: time.Now}, nil
}

// Scan performs one pass over the matrix and returns a key on its falling
// edge only.
func (k *Keypad) Scan() (byte, bool) {
	key, pressed := k.read()
	now := k.now()
	if pressed {
		k.heldSeen = now
		if key == k.held {
			return 0, false
		}
		k.held = key
		return key, true
	}
	if k.held != 0 && now.Sub(k.heldSeen) > k.release {
		k.held = 0
	}
	return 0, false
}

func (k *Keypad) read() (byte, bool) {
	for c, col := range k.cols {
		_ = col.Out(gpio.Low)
		for r, row := range k.rows {
			if row.Read() == gpio.Low {
				_ = col.Out(gpio.High)
				return Keymap[r][c], true
			}
		}
		_ = col.Out(gpio.High)
	}
	return 0, false
}
