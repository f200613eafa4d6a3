package translog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nadzzz/callyard/internal/call"
)

func turns(texts ...string) []call.Turn {
	out := make([]call.Turn, 0, len(texts))
	role := call.RoleCaller
	for _, text := range texts {
		out = append(out, call.Turn{Role: role, Text: text, Timestamp: time.Now().UTC()})
		if role == call.RoleCaller {
			role = call.RoleAssistant
		} else {
			role = call.RoleCaller
		}
	}
	return out
}

func TestPersistWritesAsynchronously(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil, 8)
	defer l.Close()

	l.Persist("C1", turns("hello", "hi there"), call.EndReasonHangup)

	require.Eventually(t, func() bool { return len(store.Transcripts()) == 1 },
		2*time.Second, 5*time.Millisecond)

	saved := store.Transcripts()[0]
	require.Equal(t, "C1", saved.CallID)
	require.Len(t, saved.Turns, 2)
	require.Equal(t, call.EndReasonHangup, saved.Reason)
	require.False(t, saved.ComplianceFlag)
	require.False(t, saved.EndedAt.IsZero())
}

func TestCloseDrainsQueue(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil, 8)

	for i := 0; i < 5; i++ {
		l.Persist("C1", turns("hello"), call.EndReasonHangup)
	}
	l.Close()

	require.Len(t, store.Transcripts(), 5)
}

func TestPersistFailureDoesNotBlock(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(errors.New("db down"))
	l := New(store, nil, 2)

	// More transcripts than the queue holds; none of this may block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			l.Persist("C1", turns("hello"), call.EndReasonHangup)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Persist blocked on a failing store")
	}

	l.Close()
	require.Empty(t, store.Transcripts())
}

func TestComplianceFlag(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, []string{"Refund", "lawsuit"}, 8)
	defer l.Close()

	l.Persist("C1", turns("I want a REFUND right now"), call.EndReasonHangup)
	l.Persist("C2", turns("just saying hello"), call.EndReasonHangup)

	require.Eventually(t, func() bool { return len(store.Transcripts()) == 2 },
		2*time.Second, 5*time.Millisecond)

	byCall := map[string]bool{}
	for _, tr := range store.Transcripts() {
		byCall[tr.CallID] = tr.ComplianceFlag
	}
	require.True(t, byCall["C1"])
	require.False(t, byCall["C2"])
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New(NewMemoryStore(), nil, 8)
	l.Close()
	l.Close()
}

func TestPersistAfterCloseDrops(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil, 8)
	l.Close()

	// A call ending during shutdown drain must degrade to a dropped
	// transcript, never a panic.
	require.NotPanics(t, func() {
		l.Persist("C1", turns("hello"), call.EndReasonShutdown)
	})
	require.Empty(t, store.Transcripts())
}
