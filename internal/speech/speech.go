// Package speech defines the adapter interfaces for the three external AI
// capabilities a call depends on: speech-to-text, dialogue completion, and
// text-to-speech.
//
// Each capability is its own small interface with fixed input/output shapes
// so backends stay substitutable and tests can use plain struct doubles.
package speech

import (
	"context"
	"time"
)

// Transcription is the result of converting caller audio to text.
type Transcription struct {
	// Text is the recognized transcript.
	Text string

	// Confidence is a rough recognition confidence in [0, 1].
	Confidence float64

	// Language is the detected ISO-639-1 language code (e.g., "en", "ja").
	Language string
}

// ChatMessage is the role+text shape sent to the dialogue completion backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Synthesis is the result of converting reply text to audio.
type Synthesis struct {
	// Audio is the encoded audio payload.
	Audio []byte

	// Format is the audio container format (e.g., "mp3", "wav").
	Format string

	// Duration is the estimated playback duration; zero if unknown.
	Duration time.Duration
}

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (*Transcription, error)
}

// Completer produces the assistant's next reply from the conversation context.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// Synthesizer converts reply text to audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Synthesis, error)
}
