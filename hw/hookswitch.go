package hw

import (
	"fmt"

	"vigiliahub/gpio"
)

// HookSwitch reads the handset cradle. The input is pulled up and goes low
// when the handset is on-hook.
type HookSwitch struct {
	pin gpio.Pin
}

func NewHookSwitch(bank *gpio.Bank, bcm int) (*HookSwitch, error) {
	p, err := bank.Pin(bcm)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullUp); err != nil {
		return nil, fmt.Errorf("hook switch %s: %w", p.Name(), err)
	}
	return &HookSwitch{pin: p}, nil
}

// HangupDetected reports whether the handset is on-hook.
func (h *HookSwitch) HangupDetected() bool {
	return h.pin.Read() == gpio.Low
}
