// Package call defines the core data types flowing through the callyard pipeline.
package call

import (
	"errors"
	"time"
)

// State is the position of a session in its turn-taking state machine.
type State string

const (
	// StateGreeting is the initial state: the welcome line is being prepared.
	StateGreeting State = "greeting"

	// StateAwaitingSpeech means a record directive has been issued and the
	// session is waiting for the caller's recording.
	StateAwaitingSpeech State = "awaiting_speech"

	// StateTranscribing means a recording is being converted to text.
	StateTranscribing State = "transcribing"

	// StateCompleting means the dialogue model is producing a reply.
	StateCompleting State = "completing"

	// StateSynthesizing means the reply text is being converted to audio.
	StateSynthesizing State = "synthesizing"

	// StatePlaying means a play directive has been issued and the session is
	// waiting for playback to finish.
	StatePlaying State = "playing"

	// StateEnding is terminal. Once reached, every further event is a no-op.
	StateEnding State = "ending"
)

// Role identifies the speaker of a Turn.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation. Turns are appended to the history
// and never mutated or reordered afterwards.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType identifies an inbound telephony event.
type EventType string

const (
	EventCallStarted      EventType = "call_started"
	EventRecordingReady   EventType = "recording_ready"
	EventPlaybackFinished EventType = "playback_finished"
	EventHangup           EventType = "hangup"
)

// Event is a single inbound telephony event, delivered to a session by the
// telephony boundary.
type Event struct {
	Type       EventType `json:"type"`
	CallID     string    `json:"call_id"`
	FromNumber string    `json:"from_number,omitempty"`
	ToNumber   string    `json:"to_number,omitempty"`
	AudioRef   string    `json:"audio_ref,omitempty"`
	DurationMs int       `json:"duration_ms,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// DirectiveType identifies an instruction emitted to the telephony boundary.
type DirectiveType string

const (
	DirectiveRecord   DirectiveType = "record"
	DirectivePlay     DirectiveType = "play"
	DirectiveRedirect DirectiveType = "redirect"
	DirectiveHangup   DirectiveType = "hangup"
)

// Directive is one instruction for the telephony provider. A play directive
// carries either an AudioURL for a synthesized clip or literal Text for the
// provider's built-in voice.
type Directive struct {
	Type DirectiveType `json:"type"`

	// Play parameters.
	AudioURL string `json:"audio_url,omitempty"`
	Text     string `json:"text,omitempty"`

	// Record parameters.
	TimeoutSec   int  `json:"timeout_sec,omitempty"`
	MaxLengthSec int  `json:"max_length_sec,omitempty"`
	Beep         bool `json:"beep,omitempty"`

	// Redirect parameters.
	URL string `json:"url,omitempty"`
}

// Play returns a play directive for a synthesized audio clip.
func Play(audioURL string) Directive {
	return Directive{Type: DirectivePlay, AudioURL: audioURL}
}

// Say returns a play directive that speaks literal text with the provider's
// built-in voice. Used for scripted prompts and as the TTS fallback.
func Say(text string) Directive {
	return Directive{Type: DirectivePlay, Text: text}
}

// Record returns a record directive with the given limits.
func Record(timeoutSec, maxLengthSec int) Directive {
	return Directive{Type: DirectiveRecord, TimeoutSec: timeoutSec, MaxLengthSec: maxLengthSec, Beep: true}
}

// Hangup returns a hangup directive.
func Hangup() Directive {
	return Directive{Type: DirectiveHangup}
}

// EndReason records why a session reached Ending.
type EndReason string

const (
	EndReasonHangup        EndReason = "hangup"
	EndReasonClosingPhrase EndReason = "closing_phrase"
	EndReasonMaxTurns      EndReason = "max_turns"
	EndReasonTimeout       EndReason = "timeout"
	EndReasonSilence       EndReason = "silence"
	EndReasonServiceError  EndReason = "service_error"
	EndReasonShutdown      EndReason = "shutdown"
)

// Sentinel errors shared across the registry and telephony boundary.
var (
	// ErrSessionExists is returned when creating a session for a call id that
	// already has a live session.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned for events that reference no live session.
	// The telephony boundary logs and ignores these.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when delivering an event to a session that
	// has already reached Ending.
	ErrSessionEnded = errors.New("session already ended")
)
