//go:build !linux

package gpio

// openHardware reports that GPIO is only driven on linux hosts.
func openHardware() (opener, error) { return nil, ErrUnavailable }
