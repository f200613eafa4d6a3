// Package history implements the per-session conversation store.
//
// The log is append-only: turns are never mutated or reordered once added.
// Completion requests read a bounded window of the most recent turns so the
// request size stays constant regardless of call length; the full log is
// retained in memory and handed to the session logger when the call ends.
package history

import (
	"sync"
	"time"

	"github.com/nadzzz/callyard/internal/call"
)

// Log is an ordered, append-only sequence of turns for one call.
type Log struct {
	mu    sync.RWMutex
	turns []call.Turn
}

// New creates an empty conversation log.
func New() *Log {
	return &Log{}
}

// Append adds a turn with the current timestamp and returns it.
func (l *Log) Append(role call.Role, text, audioRef string) call.Turn {
	t := call.Turn{
		Role:      role,
		Text:      text,
		AudioRef:  audioRef,
		Timestamp: time.Now().UTC(),
	}
	l.mu.Lock()
	l.turns = append(l.turns, t)
	l.mu.Unlock()
	return t
}

// Window returns a copy of the most recent k turns. A non-positive k returns
// an empty slice.
func (l *Log) Window(k int) []call.Turn {
	if k <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := len(l.turns) - k
	if start < 0 {
		start = 0
	}
	out := make([]call.Turn, len(l.turns)-start)
	copy(out, l.turns[start:])
	return out
}

// All returns a copy of the full log.
func (l *Log) All() []call.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]call.Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns recorded so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// LastCaller returns the text of the most recent caller turn, or "" if the
// caller has not spoken yet.
func (l *Log) LastCaller() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Role == call.RoleCaller {
			return l.turns[i].Text
		}
	}
	return ""
}

// CallerTurns returns the number of caller turns, used for the max-turn check.
func (l *Log) CallerTurns() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, t := range l.turns {
		if t.Role == call.RoleCaller {
			n++
		}
	}
	return n
}
