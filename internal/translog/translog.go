// Package translog persists finalized call transcripts.
//
// Persistence is asynchronous and best-effort: the logger accepts the
// finalized history on session end, queues it, and writes it from a worker.
// A persistence failure logs a warning and never blocks or reverses session
// teardown.
package translog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nadzzz/callyard/internal/call"
)

// Transcript is one finalized call history.
type Transcript struct {
	CallID string
	Turns  []call.Turn
	Reason call.EndReason

	// ComplianceFlag is set when any turn contains a blocklisted word, so
	// reviewers can find calls that need attention.
	ComplianceFlag bool

	EndedAt time.Time
}

// Store persists transcripts.
type Store interface {
	SaveTranscript(ctx context.Context, t Transcript) error
}

// Logger queues transcripts and writes them through a Store from a single
// worker goroutine.
type Logger struct {
	store     Store
	blocklist []string

	mu     sync.Mutex
	closed bool
	queue  chan Transcript

	wg sync.WaitGroup
}

// New creates a logger and starts its worker.
func New(store Store, blocklist []string, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = 64
	}
	lowered := make([]string, 0, len(blocklist))
	for _, w := range blocklist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			lowered = append(lowered, w)
		}
	}

	l := &Logger{
		store:     store,
		blocklist: lowered,
		queue:     make(chan Transcript, queueSize),
	}
	l.wg.Add(1)
	go l.worker()
	return l
}

// Persist queues the finalized history for writing. It never blocks: if the
// queue is full, or the logger has already been closed (a call ending during
// shutdown drain), the transcript is dropped with a warning.
func (l *Logger) Persist(callID string, turns []call.Turn, reason call.EndReason) {
	t := Transcript{
		CallID:         callID,
		Turns:          turns,
		Reason:         reason,
		ComplianceFlag: l.flagged(turns),
		EndedAt:        time.Now().UTC(),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		slog.Warn("transcript logger closed, dropping", "call_id", callID, "turns", len(turns))
		return
	}
	select {
	case l.queue <- t:
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		slog.Warn("transcript queue full, dropping", "call_id", callID, "turns", len(turns))
	}
}

// Close stops the worker after draining queued transcripts. Transcripts
// arriving after Close are dropped, never a panic.
func (l *Logger) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for t := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := l.store.SaveTranscript(ctx, t)
		cancel()
		if err != nil {
			slog.Warn("transcript persistence failed", "call_id", t.CallID, "error", err)
			continue
		}
		slog.Info("transcript persisted", "call_id", t.CallID,
			"turns", len(t.Turns), "reason", t.Reason, "compliance_flag", t.ComplianceFlag)
	}
}

func (l *Logger) flagged(turns []call.Turn) bool {
	for _, turn := range turns {
		text := strings.ToLower(turn.Text)
		for _, w := range l.blocklist {
			if strings.Contains(text, w) {
				return true
			}
		}
	}
	return false
}

// NopStore discards transcripts. Used when persistence is disabled.
type NopStore struct{}

// SaveTranscript discards the transcript.
func (NopStore) SaveTranscript(context.Context, Transcript) error { return nil }

// MemoryStore keeps transcripts in memory. Used in tests.
type MemoryStore struct {
	mu          sync.Mutex
	transcripts []Transcript
	err         error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailWith makes subsequent saves return err.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// SaveTranscript records the transcript.
func (m *MemoryStore) SaveTranscript(_ context.Context, t Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.transcripts = append(m.transcripts, t)
	return nil
}

// Transcripts returns a copy of everything saved so far.
func (m *MemoryStore) Transcripts() []Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transcript, len(m.transcripts))
	copy(out, m.transcripts)
	return out
}
