package hw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vigiliahub/gpio"
)

// InterceptorConfig describes the relay pair that cuts the analog line.
type InterceptorConfig struct {
	Pins    []int
	Settle  time.Duration
	Drain   time.Duration
	MaxHold time.Duration
}

// LineInterceptor drives the active-low relays that divert the handset line
// away from the legacy exchange. A relay held longer than MaxHold is released
// by a watchdog no matter what the caller is doing.
type LineInterceptor struct {
	cfg    InterceptorConfig
	log    *logrus.Entry
	relays []gpio.Pin

	// op serialises Arm and Disarm so their delays never interleave.
	op sync.Mutex

	mu       sync.Mutex
	armed    bool
	armedAt  time.Time
	gen      uint64
	watchdog *time.Timer
}

func NewLineInterceptor(bank *gpio.Bank, cfg InterceptorConfig, log *logrus.Entry) (*LineInterceptor, error) {
	if len(cfg.Pins) == 0 {
		return nil, errors.New("no interception relays configured")
	}
	relays, err := bank.Pins(cfg.Pins)
	if err != nil {
		return nil, fmt.Errorf("interception relays: %w", err)
	}
	for _, r := range relays {
		if err := r.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("release relay %s: %w", r.Name(), err)
		}
	}
	log.WithField("pins", cfg.Pins).Infof("interception relays ready (%s)", bank.Mode())
	return &LineInterceptor{cfg: cfg, log: log, relays: relays}, nil
}

// Arm energises the relays and waits for the contacts to settle. Arming an
// armed line is a no-op. If ctx ends during the settle delay the line stays
// armed and ctx's error is returned. A ctx that is already done never arms.
func (l *LineInterceptor) Arm(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.armed {
		l.mu.Unlock()
		l.log.Warn("interception already armed")
		return nil
	}
	if err := l.writeLocked(gpio.Low); err != nil {
		_ = l.writeLocked(gpio.High)
		l.mu.Unlock()
		return fmt.Errorf("energise relays: %w", err)
	}
	l.armed = true
	l.armedAt = time.Now()
	l.gen++
	gen := l.gen
	l.watchdog = time.AfterFunc(l.cfg.MaxHold, func() { l.expire(gen) })
	l.mu.Unlock()

	l.log.Info("interception armed")
	return sleep(ctx, l.cfg.Settle)
}

// Disarm waits for audio to drain and releases the relays. Disarming a
// released line is a no-op. A cancelled ctx shortens the drain but the
// relays are always released.
func (l *LineInterceptor) Disarm(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()

	if !l.Armed() {
		return nil
	}
	if err := sleep(ctx, l.cfg.Drain); err != nil {
		l.log.Debugf("drain cut short: %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked()
}

// ForceDisarm releases the relays immediately.
func (l *LineInterceptor) ForceDisarm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.armed {
		l.log.Warn("forcing interception release")
	}
	if err := l.releaseLocked(); err != nil {
		l.log.Errorf("force release: %v", err)
	}
}

func (l *LineInterceptor) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed
}

func (l *LineInterceptor) SettleTime() time.Duration { return l.cfg.Settle }

// Close releases the line for shutdown.
func (l *LineInterceptor) Close() {
	l.ForceDisarm()
}

func (l *LineInterceptor) expire(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.armed || gen != l.gen {
		return
	}
	l.log.Errorf("interception held for %s, watchdog releasing line", time.Since(l.armedAt).Round(time.Millisecond))
	if err := l.releaseLocked(); err != nil {
		l.log.Errorf("watchdog release: %v", err)
	}
}

// releaseLocked writes every relay high; caller must hold mu.
func (l *LineInterceptor) releaseLocked() error {
	if l.watchdog != nil {
		l.watchdog.Stop()
		l.watchdog = nil
	}
	err := l.writeLocked(gpio.High)
	if l.armed {
		l.armed = false
		l.log.WithField("held", time.Since(l.armedAt).Round(time.Millisecond)).Info("interception released")
	}
	return err
}

func (l *LineInterceptor) writeLocked(v gpio.Level) error {
	var errs []error
	for _, r := range l.relays {
		if err := r.Out(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
