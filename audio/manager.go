package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Config describes the ALSA devices and formats.
type Config struct {
	CaptureDevice  string
	PlaybackDevice string
	CaptureRate    int
	SessionRate    int
	Channels       int
	FrameDuration  time.Duration
	// BargeInMinRemaining is the queued playback below which an interruption
	// is not worth restarting the player.
	BargeInMinRemaining time.Duration
}

func (c Config) frameBytes() int {
	n := int(int64(c.SessionRate) * int64(c.FrameDuration) / int64(time.Second))
	if n <= 0 {
		n = c.SessionRate / 50
	}
	return n * 2
}

// Manager runs the capture pipeline (arecord resampled by sox) and the aplay
// playback process. Without the ALSA tools it keeps its bookkeeping and
// plays nothing.
type Manager struct {
	cfg       Config
	log       *logrus.Entry
	available bool
	now       func() time.Time

	mu      sync.Mutex
	capture *captureProc
	player  *player
	playing bool
	playEnd time.Time
}

type captureProc struct {
	rec *exec.Cmd
	sox *exec.Cmd
}

type player struct {
	cmd   *exec.Cmd
	queue chan []byte
}

func NewManager(cfg Config, log *logrus.Entry) *Manager {
	m := &Manager{cfg: cfg, log: log, available: true, now: time.Now}
	for _, bin := range []string{"arecord", "sox", "aplay"} {
		if _, err := exec.LookPath(bin); err != nil {
			log.Warnf("%s not found, audio runs in simulation mode", bin)
			m.available = false
			break
		}
	}
	return m
}

// Available reports whether real audio devices are driven.
func (m *Manager) Available() bool { return m.available }

// StartCapture starts recording and calls onFrame with fixed-size frames at
// the session rate from a dedicated goroutine.
func (m *Manager) StartCapture(onFrame func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture != nil {
		m.log.Warn("capture already running")
		return nil
	}
	if !m.available {
		m.log.Debug("capture simulated")
		return nil
	}

	ch := strconv.Itoa(m.cfg.Channels)
	rec := exec.Command("arecord", "-D", m.cfg.CaptureDevice, "-f", "S16_LE", "-c", ch,
		"-r", strconv.Itoa(m.cfg.CaptureRate), "-t", "raw", "--buffer-time=50000", "--period-time=10000")
	sox := exec.Command("sox",
		"-t", "raw", "-r", strconv.Itoa(m.cfg.CaptureRate), "-e", "signed-integer", "-b", "16", "-c", ch, "-",
		"-t", "raw", "-r", strconv.Itoa(m.cfg.SessionRate), "-e", "signed-integer", "-b", "16", "-c", "1", "-")

	recOut, err := rec.StdoutPipe()
	if err != nil {
		return fmt.Errorf("arecord pipe: %w", err)
	}
	sox.Stdin = recOut
	soxOut, err := sox.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sox pipe: %w", err)
	}
	if err := sox.Start(); err != nil {
		return fmt.Errorf("start sox: %w", err)
	}
	if err := rec.Start(); err != nil {
		_ = sox.Process.Kill()
		_ = sox.Wait()
		return fmt.Errorf("start arecord: %w", err)
	}

	cp := &captureProc{rec: rec, sox: sox}
	m.capture = cp
	go m.pumpCapture(cp, soxOut, onFrame)
	m.log.WithField("device", m.cfg.CaptureDevice).Info("capture started")
	return nil
}

func (m *Manager) pumpCapture(cp *captureProc, r io.Reader, onFrame func([]byte)) {
	buf := make([]byte, m.cfg.frameBytes())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				m.log.Warnf("capture read: %v", err)
			}
			break
		}
		frame := make([]byte, len(buf))
		copy(frame, buf)
		onFrame(frame)
	}
	_ = cp.rec.Wait()
	_ = cp.sox.Wait()

	m.mu.Lock()
	if m.capture == cp {
		m.capture = nil
		m.log.Warn("capture pipeline exited")
	}
	m.mu.Unlock()
}

// StopCapture terminates the capture pipeline. It is safe to call when idle.
func (m *Manager) StopCapture() {
	m.mu.Lock()
	cp := m.capture
	m.capture = nil
	m.mu.Unlock()
	if cp == nil {
		return
	}
	_ = cp.rec.Process.Signal(syscall.SIGTERM)
	_ = cp.sox.Process.Signal(syscall.SIGTERM)
	m.log.Info("capture stopped")
}

// StartPlayback launches the player ahead of the first audio chunk. Audio
// written before StartPlayback or after StopPlayback is dropped.
func (m *Manager) StartPlayback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = true
	if m.player != nil || !m.available {
		return nil
	}
	return m.startPlayerLocked()
}

func (m *Manager) startPlayerLocked() error {
	cmd := exec.Command("aplay", "-D", m.cfg.PlaybackDevice, "-f", "S16_LE", "-c", "1",
		"-r", strconv.Itoa(m.cfg.SessionRate), "-t", "raw", "--buffer-time=50000")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("aplay pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start aplay: %w", err)
	}
	p := &player{cmd: cmd, queue: make(chan []byte, 256)}
	m.player = p
	go m.pumpPlayback(p, stdin)
	go m.waitPlayer(p)
	m.log.WithField("device", m.cfg.PlaybackDevice).Debug("playback started")
	return nil
}

func (m *Manager) pumpPlayback(p *player, w io.WriteCloser) {
	defer w.Close()
	for chunk := range p.queue {
		if _, err := w.Write(chunk); err != nil {
			m.log.Debugf("playback write: %v", err)
			for range p.queue {
			}
			return
		}
	}
}

func (m *Manager) waitPlayer(p *player) {
	err := p.cmd.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.player != p {
		return
	}
	m.player = nil
	close(p.queue)
	if err != nil {
		m.log.Warnf("player exited: %v", err)
	}
}

// WritePlayback queues PCM at the session rate, restarting the player if it
// died mid-call. Chunks are dropped when the player falls far behind.
func (m *Manager) WritePlayback(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.playing {
		m.log.Debugf("audio delta of %d bytes outside playback dropped", len(pcm))
		return
	}

	now := m.now()
	if m.playEnd.Before(now) {
		m.playEnd = now
	}
	m.playEnd = m.playEnd.Add(pcmDuration(len(pcm), m.cfg.SessionRate, 1))

	if !m.available {
		return
	}
	if m.player == nil {
		if err := m.startPlayerLocked(); err != nil {
			m.log.Errorf("restart playback: %v", err)
			return
		}
	}
	select {
	case m.player.queue <- pcm:
	default:
		m.log.Warn("playback queue full, dropping audio")
	}
}

// PlaybackRemaining estimates how much written audio has not been heard yet.
func (m *Manager) PlaybackRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if left := m.playEnd.Sub(m.now()); left > 0 {
		return left
	}
	return 0
}

// InterruptPlayback discards queued AI audio for a barge-in. It only acts
// when more than BargeInMinRemaining is still queued and reports whether it
// did.
func (m *Manager) InterruptPlayback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	remaining := m.playEnd.Sub(now)
	if remaining <= m.cfg.BargeInMinRemaining {
		m.log.Debugf("barge-in ignored, %s of audio left", remaining.Round(time.Millisecond))
		return false
	}
	m.playEnd = now
	m.log.Infof("barge-in, discarding %s of audio", remaining.Round(time.Millisecond))
	if m.player != nil {
		m.killPlayerLocked(syscall.SIGKILL)
		if err := m.startPlayerLocked(); err != nil {
			m.log.Errorf("restart playback: %v", err)
		}
	}
	return true
}

// StopPlayback terminates the player. It is safe to call when idle.
func (m *Manager) StopPlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = false
	m.playEnd = time.Time{}
	if m.player != nil {
		m.killPlayerLocked(syscall.SIGTERM)
		m.log.Debug("playback stopped")
	}
}

// Close stops both directions.
func (m *Manager) Close() {
	m.StopCapture()
	m.StopPlayback()
}

func (m *Manager) killPlayerLocked(sig os.Signal) {
	p := m.player
	m.player = nil
	close(p.queue)
	_ = p.cmd.Process.Signal(sig)
}
