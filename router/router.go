package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/sirupsen/logrus"

	"vigiliahub/concierge"
	"vigiliahub/metrics"
)

var (
	// ErrBusy is returned by Dial when a call or key entry is in progress.
	ErrBusy = errors.New("router busy")
	// ErrStopped is returned once Run has exited.
	ErrStopped = errors.New("router stopped")

	errSessionLost = errors.New("ai session closed during setup")
)

// Config holds the router timings.
type Config struct {
	ScanInterval     time.Duration
	KeypadTimeout    time.Duration
	RepeatWindow     time.Duration
	Cooldown         time.Duration
	MaxConversation  time.Duration
	MaxInterceptHold time.Duration
	ResponseDrain    time.Duration
	ExitDrain        time.Duration
	DisarmTimeout    time.Duration
	MaxDigits        int
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:     30 * time.Millisecond,
		KeypadTimeout:    15 * time.Second,
		RepeatWindow:     300 * time.Millisecond,
		Cooldown:         3 * time.Second,
		MaxConversation:  180 * time.Second,
		MaxInterceptHold: 180 * time.Second,
		ResponseDrain:    500 * time.Millisecond,
		ExitDrain:        400 * time.Millisecond,
		DisarmTimeout:    5 * time.Second,
		MaxDigits:        8,
	}
}

// Router decides, per dialed unit, whether the handset call goes to the
// legacy exchange or to the AI concierge, and owns the interception relays
// while it does. All state lives on the Run goroutine; blocking steps run on
// a per-call worker that posts its results back.
type Router struct {
	cfg Config
	log *logrus.Entry
	m   *metrics.Metrics

	keypad   Keypad
	hangup   HangupDetector
	line     Interceptor
	cache    DecisionCache
	redialer Redialer
	session  Session
	audio    AudioIO
	echo     EchoGate
	notify   Notifier

	events  chan func()
	stopped core.Fuse
	status  atomic.Pointer[Status]

	// owned by the Run goroutine
	ctx          context.Context
	state        State
	buf          []byte
	dialed       string
	analogActive bool
	establishing bool
	busy         bool
	lastKey      byte
	lastKeyAt    time.Time
	call         *call
	inactivity   *time.Timer
	cooldown     *time.Timer
}

// New creates a Router. m may be nil.
func New(cfg Config, deps Deps, m *metrics.Metrics, log *logrus.Entry) *Router {
	r := &Router{
		cfg:      cfg,
		log:      log,
		m:        m,
		keypad:   deps.Keypad,
		hangup:   deps.Hangup,
		line:     deps.Line,
		cache:    deps.Cache,
		redialer: deps.Redialer,
		session:  deps.Session,
		audio:    deps.Audio,
		echo:     deps.Echo,
		notify:   deps.Notifier,
		events:   make(chan func(), 64),
		ctx:      context.Background(),
	}
	r.publish()
	return r
}

// Status returns the latest published state. Safe from any goroutine.
func (r *Router) Status() Status {
	return *r.status.Load()
}

// Run scans the keypad and hook switch until ctx is cancelled. On return
// the line is disarmed and the router is TRANSPARENT.
func (r *Router) Run(ctx context.Context) error {
	r.ctx = ctx
	defer r.stopped.Break()

	r.log.Info("audio router started")
	r.enterTransparent()
	r.publish()

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			r.publish()
			return nil
		case fn := <-r.events:
			fn()
		case <-ticker.C:
			r.scan()
		}
		r.publish()
	}
}

// Dial confirms unit as if it had been typed and followed by '#'.
func (r *Router) Dial(ctx context.Context, unit string) error {
	unit = strings.ToUpper(strings.TrimSpace(unit))
	if unit == "" {
		return errors.New("empty unit")
	}
	for i := 0; i < len(unit); i++ {
		if !isDialSymbol(unit[i]) {
			return fmt.Errorf("invalid unit %q", unit)
		}
	}
	errc := make(chan error, 1)
	ok := r.post(func() {
		if r.state != Transparent || r.busy || r.analogActive || r.call != nil {
			errc <- ErrBusy
			return
		}
		r.setState(ScanningKeypad)
		r.confirm(unit)
		r.publish()
		errc <- nil
	})
	if !ok {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped.Watch():
		return ErrStopped
	}
}

func (r *Router) post(fn func()) bool {
	select {
	case r.events <- fn:
		return true
	case <-r.stopped.Watch():
		return false
	}
}

func (r *Router) publish() {
	s := &Status{
		State:        r.state,
		Buffer:       string(r.buf),
		Dialed:       r.dialed,
		AnalogActive: r.analogActive,
		Establishing: r.establishing,
		Busy:         r.busy,
	}
	if r.call != nil {
		s.CallID = r.call.id
	}
	r.status.Store(s)
}

func (r *Router) setState(s State) {
	if s == r.state {
		return
	}
	r.log.Infof("state %s -> %s", r.state, s)
	r.m.RecordTransition(r.state.String(), s.String())
	r.state = s
}

// after runs fn on the Run goroutine once d elapses, unless *slot has been
// cancelled or re-armed in the meantime.
func (r *Router) after(slot **time.Timer, d time.Duration, fn func()) {
	r.cancelTimer(slot)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.post(func() {
			if *slot != t {
				return
			}
			*slot = nil
			fn()
		})
	})
	*slot = t
}

func (r *Router) cancelTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// scan runs once per tick. The hook switch is checked first; a hangup that
// ends a call consumes the tick.
func (r *Router) scan() {
	if r.checkHangup() {
		return
	}
	if key, ok := r.keypad.Scan(); ok {
		r.handleKey(key, time.Now())
	}
}

func (r *Router) checkHangup() bool {
	inAI := r.state == AIIntercept && !r.establishing
	if !r.analogActive && !inAI {
		return false
	}
	if !r.hangup.HangupDetected() {
		return false
	}
	r.log.Info("handset hung up")
	if r.analogActive {
		r.endAnalogCall("hangup")
	} else {
		r.exitCall(r.call, "hangup", true)
	}
	return true
}

func (r *Router) handleKey(key byte, now time.Time) {
	if key == r.lastKey && now.Sub(r.lastKeyAt) < r.cfg.RepeatWindow {
		r.log.Debugf("repeated key %q ignored", key)
		return
	}
	r.lastKey, r.lastKeyAt = key, now

	switch {
	case r.state == Cooldown:
		r.log.Debugf("key %q ignored during cooldown", key)
		return
	case r.state == AIIntercept || r.analogActive:
		if key == '*' {
			r.log.Info("call aborted from keypad")
			if r.analogActive {
				r.endAnalogCall("manual abort")
			} else {
				r.exitCall(r.call, "manual abort", true)
			}
		}
		return
	case r.busy:
		return
	}

	switch key {
	case '#':
		if r.state != ScanningKeypad {
			r.log.Debug("confirm key without entry ignored")
			return
		}
		if len(r.buf) == 0 {
			r.log.Warn("confirm key with empty buffer")
			return
		}
		r.confirm(string(r.buf))
	case '*':
		if r.state == ScanningKeypad {
			r.log.WithField("buffer", string(r.buf)).Info("entry cancelled")
			r.enterTransparent()
		}
	default:
		if !isDialSymbol(key) {
			return
		}
		if len(r.buf) >= r.cfg.MaxDigits {
			r.log.Warnf("entry longer than %d symbols, key %q ignored", r.cfg.MaxDigits, key)
			return
		}
		r.setState(ScanningKeypad)
		r.buf = append(r.buf, key)
		r.log.WithField("buffer", string(r.buf)).Debug("key entered")
		r.after(&r.inactivity, r.cfg.KeypadTimeout, r.entryTimedOut)
	}
}

func (r *Router) entryTimedOut() {
	if r.state != ScanningKeypad || r.busy || len(r.buf) == 0 {
		return
	}
	r.log.WithField("buffer", string(r.buf)).Warn("keypad entry timed out")
	r.enterTransparent()
}

func (r *Router) confirm(unit string) {
	r.cancelTimer(&r.inactivity)
	r.buf = r.buf[:0]
	r.dialed = unit
	r.busy = true

	c := newCall(r.ctx, unit)
	r.call = c
	r.log.WithFields(logrus.Fields{"unit": unit, "call": c.id}).Info("unit confirmed")
	r.after(&c.watchdog, r.cfg.MaxInterceptHold, func() { r.interceptExpired(c) })
	if r.notify != nil {
		go r.notify.UnitDialed(unit)
	}
	go r.route(c)
}

func (r *Router) enterTransparent() {
	r.cancelTimer(&r.inactivity)
	r.cancelTimer(&r.cooldown)
	r.buf = r.buf[:0]
	r.lastKey = 0
	r.busy = false
	r.setState(Transparent)
	if r.line.Armed() {
		r.log.Warn("line still armed on return to transparent")
		r.line.ForceDisarm()
		r.m.SetLineArmed(false)
	}
}

func (r *Router) enterAI(c *call) {
	if r.call != c || c.exiting {
		return
	}
	r.establishing = true
	r.setState(AIIntercept)
	r.m.RecordRoute("ai")
}

func (r *Router) aiEstablished(c *call) {
	if r.call != c || c.exiting {
		return
	}
	r.establishing = false
	r.busy = false
	r.after(&c.conversation, r.cfg.MaxConversation, func() {
		if r.call != c {
			return
		}
		r.log.Warn("conversation time limit reached")
		r.exitCall(c, "max conversation time", true)
	})
	r.log.WithField("call", c.id).Info("AI conversation established")
}

func (r *Router) analogConnected(c *call) {
	if r.call != c || c.exiting {
		return
	}
	r.cancelTimer(&c.watchdog)
	r.m.RecordRoute("analog")
	r.enterTransparent()
	r.analogActive = true
	r.log.WithField("call", c.id).Info("call handed to the exchange")
}

func (r *Router) fail(c *call, err error) {
	if r.call != c || c.exiting {
		return
	}
	r.log.WithField("call", c.id).Errorf("call setup failed: %v", err)
	r.exitCall(c, "setup failed", false)
}

func (r *Router) interceptExpired(c *call) {
	if r.call != c {
		return
	}
	r.log.WithField("call", c.id).Error("interception hold limit reached, releasing line")
	r.line.ForceDisarm()
	r.m.SetLineArmed(false)
	r.exitCall(c, "intercept watchdog", false)
}

// exitCall tears a call down and releases the line before entering the
// cooldown. The relay is released on a worker so the scan loop keeps running.
func (r *Router) exitCall(c *call, reason string, drain bool) {
	if c == nil || r.call != c || c.exiting {
		return
	}
	c.exiting = true
	r.log.WithFields(logrus.Fields{"call": c.id, "unit": c.unit, "reason": reason}).Info("ending call")
	r.establishing = false
	r.analogActive = false
	r.busy = true
	r.setState(Cooldown)
	r.cancelTimer(&c.conversation)
	c.close()
	r.m.RecordCallEnd(reason)

	go func() {
		if drain {
			time.Sleep(r.cfg.ExitDrain)
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DisarmTimeout)
		defer cancel()
		if err := r.line.Disarm(ctx); err != nil {
			r.log.Errorf("disarm: %v", err)
			r.line.ForceDisarm()
		}
		r.m.SetLineArmed(false)
		r.post(func() { r.startCooldown(c) })
	}()
}

func (r *Router) startCooldown(c *call) {
	if r.call != c {
		return
	}
	r.endCall()
	r.busy = false
	r.after(&r.cooldown, r.cfg.Cooldown, r.cooldownElapsed)
}

func (r *Router) endAnalogCall(reason string) {
	r.log.WithField("reason", reason).Info("analog call ended")
	r.analogActive = false
	r.m.RecordCallEnd(reason)
	r.endCall()
	r.setState(Cooldown)
	r.busy = false
	r.after(&r.cooldown, r.cfg.Cooldown, r.cooldownElapsed)
}

func (r *Router) cooldownElapsed() {
	if r.state != Cooldown {
		return
	}
	r.enterTransparent()
}

// endCall forgets the current call and its timers.
func (r *Router) endCall() {
	c := r.call
	if c == nil {
		return
	}
	r.cancelTimer(&c.watchdog)
	r.cancelTimer(&c.conversation)
	c.close()
	r.call = nil
	r.dialed = ""
}

func (r *Router) shutdown() {
	r.log.Info("audio router stopping")
	if c := r.call; c != nil {
		c.exiting = true
		r.endCall()
	}
	r.cancelTimer(&r.inactivity)
	r.cancelTimer(&r.cooldown)
	r.analogActive = false
	r.establishing = false

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DisarmTimeout)
	defer cancel()
	if err := r.line.Disarm(ctx); err != nil {
		r.log.Errorf("disarm on shutdown: %v", err)
		r.line.ForceDisarm()
	}
	r.m.SetLineArmed(false)
	r.buf = r.buf[:0]
	r.busy = false
	r.setState(Transparent)
}

// route runs on the call worker: arm, decide, then redial or hand over to
// the AI.
func (r *Router) route(c *call) {
	if err := r.line.Arm(c.ctx); err != nil {
		r.post(func() { r.fail(c, fmt.Errorf("arm interception: %w", err)) })
		return
	}
	r.m.SetLineArmed(true)
	if !r.cache.ShouldUseAI(c.unit) {
		if err := r.redialer.PlayDigits(c.ctx, c.unit); err != nil {
			r.post(func() { r.fail(c, fmt.Errorf("redial: %w", err)) })
			return
		}
		if err := r.line.Disarm(c.ctx); err != nil {
			r.post(func() { r.fail(c, fmt.Errorf("disarm after redial: %w", err)) })
			return
		}
		r.m.SetLineArmed(false)
		r.post(func() { r.analogConnected(c) })
		return
	}

	r.post(func() { r.enterAI(c) })
	if err := r.establish(c); err != nil {
		r.post(func() { r.fail(c, err) })
		return
	}
	r.post(func() { r.aiEstablished(c) })
}

// establish connects the AI session and wires the audio pipeline. Every
// resource it acquires is released when the call closes. The subscription
// comes first so an early end or the greeting audio is never missed.
func (r *Router) establish(c *call) error {
	if err := sleep(c.ctx, r.line.SettleTime()); err != nil {
		return err
	}
	if !c.onEnd(r.session.Subscribe(func(ev concierge.Event) { r.onSessionEvent(c, ev) })) {
		return c.ctx.Err()
	}
	if err := r.session.Connect(c.ctx); err != nil {
		return fmt.Errorf("connect ai session: %w", err)
	}
	c.onEnd(r.session.EndConversation)

	r.echo.Reset()
	if err := r.audio.StartPlayback(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	c.onEnd(r.audio.StopPlayback)
	if err := r.session.StartConversation(c.ctx, c.unit); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	if err := r.audio.StartCapture(func(frame []byte) { r.onCapture(c, frame) }); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	c.onEnd(r.audio.StopCapture)
	if err := c.ctx.Err(); err != nil {
		return err
	}
	if !r.session.Active() {
		return errSessionLost
	}
	return nil
}

func (r *Router) onCapture(c *call, frame []byte) {
	if c.ctx.Err() != nil {
		return
	}
	if r.echo.ShouldSend(frame) {
		r.session.SendAudio(frame)
	}
}

// onSessionEvent runs on the session's transport goroutine.
func (r *Router) onSessionEvent(c *call, ev concierge.Event) {
	if c.ctx.Err() != nil {
		return
	}
	switch e := ev.(type) {
	case concierge.AudioReceived:
		c.audioGen.Add(1)
		r.echo.SpeakerActive()
		r.audio.WritePlayback(e.PCM)
	case concierge.SpeechStarted:
		r.audio.InterruptPlayback()
		r.echo.SpeakerInactive()
	case concierge.ResponseDone:
		gen := c.audioGen.Load()
		wait := r.cfg.ResponseDrain
		if left := r.audio.PlaybackRemaining(); left > wait {
			wait = left
		}
		time.AfterFunc(wait, func() {
			if c.ctx.Err() == nil && c.audioGen.Load() == gen {
				r.echo.SpeakerInactive()
			}
		})
	case concierge.ConversationEnded:
		r.post(func() { r.exitCall(c, "conversation ended", true) })
	}
}

func isDialSymbol(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'D')
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
