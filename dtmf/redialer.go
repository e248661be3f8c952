package dtmf

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Redialer replays a dialed unit to the legacy exchange as DTMF tones.
type Redialer struct {
	device string
	cfg    ToneConfig
	log    *logrus.Entry
	player string
}

func NewRedialer(device string, cfg ToneConfig, log *logrus.Entry) *Redialer {
	r := &Redialer{device: device, cfg: cfg, log: log}
	if path, err := exec.LookPath("aplay"); err == nil {
		r.player = path
	} else {
		log.Warn("aplay not found, DTMF redial runs in simulation mode")
	}
	return r
}

// PlayDigits blocks until every tone has been played or ctx ends.
func (r *Redialer) PlayDigits(ctx context.Context, digits string) error {
	pcm, skipped := Generate(digits, r.cfg)
	if len(skipped) > 0 {
		r.log.Warnf("no DTMF tone for %q, skipped", skipped)
	}
	log := r.log.WithField("digits", digits)
	if r.player == "" {
		log.Info("simulated DTMF redial")
		return nil
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.player, "-D", r.device, "-f", "S16_LE", "-c", "1",
		"-r", strconv.Itoa(r.cfg.SampleRate), "-t", "raw", "-q")
	cmd.Stdin = bytes.NewReader(pcm)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("play dtmf: %w: %s", err, bytes.TrimSpace(out))
	}
	log.WithField("took", time.Since(start).Round(time.Millisecond)).Info("DTMF redial played")
	return nil
}
