package router

import (
	"context"
	"time"

	"vigiliahub/concierge"
)

// Keypad returns at most one newly pressed key per scan.
type Keypad interface {
	Scan() (byte, bool)
}

// HangupDetector reports the handset hook state.
type HangupDetector interface {
	HangupDetected() bool
}

// Interceptor arms and disarms the line interception relays.
type Interceptor interface {
	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error
	ForceDisarm()
	Armed() bool
	SettleTime() time.Duration
}

// DecisionCache answers whether a unit is handled by the AI concierge.
type DecisionCache interface {
	ShouldUseAI(unit string) bool
}

// Redialer replays a unit to the legacy exchange.
type Redialer interface {
	PlayDigits(ctx context.Context, digits string) error
}

// Session is the voice-AI conversation.
type Session interface {
	Connect(ctx context.Context) error
	StartConversation(ctx context.Context, unit string) error
	SendAudio(frame []byte)
	EndConversation()
	Active() bool
	Subscribe(fn func(concierge.Event)) (unsubscribe func())
}

// AudioIO captures from the handset microphone and plays into its speaker.
type AudioIO interface {
	StartCapture(onFrame func([]byte)) error
	StopCapture()
	StartPlayback() error
	StopPlayback()
	WritePlayback(pcm []byte)
	PlaybackRemaining() time.Duration
	InterruptPlayback() bool
}

// EchoGate filters captured frames while the speaker plays.
type EchoGate interface {
	ShouldSend(frame []byte) bool
	SpeakerActive()
	SpeakerInactive()
	Reset()
}

// Notifier is told about every confirmed unit. Optional.
type Notifier interface {
	UnitDialed(unit string)
}

// Deps are the collaborators a Router drives.
type Deps struct {
	Keypad   Keypad
	Hangup   HangupDetector
	Line     Interceptor
	Cache    DecisionCache
	Redialer Redialer
	Session  Session
	Audio    AudioIO
	Echo     EchoGate
	Notifier Notifier
}
