package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nadzzz/callyard/internal/call"
	"github.com/nadzzz/callyard/internal/config"
	"github.com/nadzzz/callyard/internal/retry"
	"github.com/nadzzz/callyard/internal/session"
	"github.com/nadzzz/callyard/internal/speech"
)

type stubSpeech struct{}

func (stubSpeech) Transcribe(context.Context, []byte, string) (*speech.Transcription, error) {
	return &speech.Transcription{Text: "hello", Confidence: 0.9}, nil
}

func (stubSpeech) Complete(context.Context, []speech.ChatMessage) (string, error) {
	return "Hi, how can I help?", nil
}

func (stubSpeech) Synthesize(context.Context, string) (*speech.Synthesis, error) {
	return &speech.Synthesis{Audio: []byte("mp3"), Format: "mp3"}, nil
}

type stubControl struct{}

func (stubControl) FetchRecording(context.Context, string) ([]byte, string, error) {
	return []byte("wav"), "audio/wav", nil
}

func (stubControl) StoreAudio([]byte, string) (string, error) {
	return "http://example.test/audio/reply.mp3", nil
}

func (stubControl) EndCall(context.Context, string, string) error { return nil }

type stubSink struct{}

func (stubSink) Persist(string, []call.Turn, call.EndReason) {}

func testServer(t *testing.T, format string) (*Server, *session.Registry) {
	t.Helper()

	svc := stubSpeech{}
	reg := session.NewRegistry(session.Deps{
		Config: config.SessionConfig{
			MaxTurns:         10,
			HistoryWindow:    6,
			RecordTimeoutSec: 2,
			RecordMaxSec:     30,
			Greeting:         "Thanks for calling.",
			SystemPrompt:     "You are a telephone assistant.",
			Reprompt:         "Say again?",
			Apology:          "Sorry about that.",
			Farewell:         "Goodbye.",
		},
		Policy: retry.Policy{MaxAttempts: 2, BackoffBase: time.Millisecond},
		Services: session.Services{
			Transcriber: svc,
			Completer:   svc,
			Synthesizer: svc,
		},
		Control: stubControl{},
		Matcher: call.NewSubstringMatcher([]string{"goodbye"}),
		Sink:    stubSink{},
	})

	cfg := config.TelephonyConfig{
		Format:   format,
		BaseURL:  "http://example.test",
		AudioDir: t.TempDir(),
	}
	provider, err := NewProvider(cfg)
	require.NoError(t, err)

	return NewServer(0, cfg, reg, provider, nil), reg
}

func postForm(t *testing.T, handler http.HandlerFunc, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeDoc(t *testing.T, w *httptest.ResponseRecorder) []call.Directive {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	var doc directiveDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	return doc.Directives
}

func TestEntryWebhookCreatesSession(t *testing.T) {
	srv, reg := testServer(t, "json")

	w := postForm(t, srv.handleEntry, url.Values{
		"CallSid": {"CA100"},
		"From":    {"+15550001"},
		"To":      {"+15550002"},
	})

	d := decodeDoc(t, w)
	require.Len(t, d, 2)
	require.Equal(t, call.DirectivePlay, d[0].Type)
	require.Equal(t, call.DirectiveRecord, d[1].Type)
	require.Equal(t, 1, reg.Count())
}

func TestRecordingWebhookRunsTurn(t *testing.T) {
	srv, _ := testServer(t, "json")

	postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})

	w := postForm(t, srv.handleRecording, url.Values{
		"CallSid":           {"CA100"},
		"RecordingUrl":      {"http://rec.test/a1"},
		"RecordingDuration": {"3"},
	})

	d := decodeDoc(t, w)
	require.Len(t, d, 1)
	require.Equal(t, call.DirectivePlay, d[0].Type)
	require.Equal(t, "http://example.test/audio/reply.mp3", d[0].AudioURL)
}

func TestEventEndpointAbstractSchema(t *testing.T) {
	srv, reg := testServer(t, "json")

	body := `{"type": "call_started", "call_id": "CA200", "from_number": "+15550001"}`
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.handleEvent(w, req)

	d := decodeDoc(t, w)
	require.Len(t, d, 2)
	require.Equal(t, 1, reg.Count())
}

func TestEventEndpointRejectsBadPayload(t *testing.T) {
	srv, _ := testServer(t, "json")

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.handleEvent(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type": "hangup"}`))
	w = httptest.NewRecorder()
	srv.handleEvent(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownSessionGetsEmptyDocument(t *testing.T) {
	srv, _ := testServer(t, "json")

	w := postForm(t, srv.handleRecording, url.Values{
		"CallSid":      {"CA999"},
		"RecordingUrl": {"http://rec.test/a1"},
	})

	require.Empty(t, decodeDoc(t, w))
}

func TestDuplicateEntryFallsThroughToExistingSession(t *testing.T) {
	srv, reg := testServer(t, "json")

	postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})
	w := postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})

	// The second entry is answered, but ignored by the session.
	require.Empty(t, decodeDoc(t, w))
	require.Equal(t, 1, reg.Count())
}

func TestStatusWebhookMapsTerminalStatusToHangup(t *testing.T) {
	srv, reg := testServer(t, "json")

	postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})

	w := postForm(t, srv.handleStatus, url.Values{
		"CallSid":    {"CA100"},
		"CallStatus": {"completed"},
	})
	require.Empty(t, decodeDoc(t, w))

	require.Eventually(t, func() bool { return reg.Count() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestStatusWebhookAcknowledgesNonTerminalStatus(t *testing.T) {
	srv, reg := testServer(t, "json")

	postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})

	w := postForm(t, srv.handleStatus, url.Values{
		"CallSid":    {"CA100"},
		"CallStatus": {"in-progress"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, reg.Count())
}

func TestTwiMLFormat(t *testing.T) {
	srv, _ := testServer(t, "twiml")

	w := postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/xml", w.Header().Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "<Response>")
	require.Contains(t, body, "<Play>http://example.test/audio/reply.mp3</Play>")
	require.Contains(t, body, `<Record action="http://example.test/voice/recording"`)
	// The record verb already routes back; no redirect needed.
	require.NotContains(t, body, "<Redirect")
}

func TestTwiMLReplyRoutesBackToPlayback(t *testing.T) {
	srv, reg := testServer(t, "twiml")

	postForm(t, srv.handleEntry, url.Values{"CallSid": {"CA100"}})

	// The reply document ends on a play; without a continuation verb the
	// provider would finish the document and drop the call.
	w := postForm(t, srv.handleRecording, url.Values{
		"CallSid":           {"CA100"},
		"RecordingUrl":      {"http://rec.test/a1"},
		"RecordingDuration": {"3"},
	})
	body := w.Body.String()
	require.Contains(t, body, "<Play>http://example.test/audio/reply.mp3</Play>")
	require.Contains(t, body,
		`<Redirect method="POST">http://example.test/voice/playback</Redirect>`)

	// The redirect arrives as the playback webhook and opens the next turn.
	w = postForm(t, srv.handlePlayback, url.Values{"CallSid": {"CA100"}})
	require.Contains(t, w.Body.String(), `<Record action="http://example.test/voice/recording"`)
	require.Equal(t, 1, reg.Count())
}
