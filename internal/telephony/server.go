package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/callyard/internal/call"
	"github.com/nadzzz/callyard/internal/config"
	"github.com/nadzzz/callyard/internal/session"
)

// directiveDocument is the JSON rendering of an ordered directive list.
type directiveDocument struct {
	Directives []call.Directive `json:"directives"`
}

// Server routes inbound telephony webhooks to sessions and renders the
// resulting directive documents.
type Server struct {
	cfg      config.TelephonyConfig
	registry *session.Registry
	provider *Provider
	monitor  http.Handler // optional live-transcript feed
	server   *http.Server
	port     int
}

// NewServer creates the webhook server.
func NewServer(port int, cfg config.TelephonyConfig, registry *session.Registry, provider *Provider, monitor http.Handler) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		monitor:  monitor,
		port:     port,
	}
}

// Listen starts the webhook server. It blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /events", s.handleEvent)
	mux.HandleFunc("POST /voice/entry", s.handleEntry)
	mux.HandleFunc("POST /voice/recording", s.handleRecording)
	mux.HandleFunc("POST /voice/playback", s.handlePlayback)
	mux.HandleFunc("POST /voice/status", s.handleStatus)

	mux.Handle("GET /audio/", s.provider.AudioFileServer())

	if s.monitor != nil {
		mux.Handle("GET /admin/live", s.monitor)
	}

	// Swagger UI — serves the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("telephony server listening", "port", s.port, "format", s.cfg.Format)

	go func() {
		<-ctx.Done()
		slog.Info("telephony server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("telephony listen: %w", err)
	}
	return nil
}

// Close gracefully shuts down the webhook server.
func (s *Server) Close() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleEvent processes an abstract inbound event.
//
// @Summary     Deliver a telephony event
// @Description Accepts a JSON event (call_started, recording_ready, playback_finished, hangup)
// @Description and returns the ordered directive document produced by the call's session.
// @Description Events that reference no live session, or do not apply to the session's
// @Description current state, are acknowledged with an empty directive document.
// @Tags        telephony
// @Accept      json
// @Produce     json
// @Param       event  body      call.Event  true  "Inbound telephony event"
// @Success     200  {object}  directiveDocument  "Ordered directives for the provider"
// @Failure     400  {string}  string  "Invalid event payload"
// @Router      /events [post]
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev call.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.CallID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, ev)
}

// handleEntry processes the provider's call-entry webhook (form encoded).
//
// @Summary     Call entry webhook
// @Description Creates the call session and returns the greeting directives.
// @Tags        telephony
// @Accept      x-www-form-urlencoded
// @Produce     xml
// @Param       CallSid  formData  string  true  "Provider call identifier"
// @Success     200  {string}  string  "Directive document"
// @Router      /voice/entry [post]
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, call.Event{
		Type:       call.EventCallStarted,
		CallID:     r.PostFormValue("CallSid"),
		FromNumber: r.PostFormValue("From"),
		ToNumber:   r.PostFormValue("To"),
	})
}

// handleRecording processes the recording-complete webhook.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	durationSec, _ := strconv.Atoi(r.PostFormValue("RecordingDuration"))
	s.dispatch(w, r, call.Event{
		Type:       call.EventRecordingReady,
		CallID:     r.PostFormValue("CallSid"),
		AudioRef:   r.PostFormValue("RecordingUrl"),
		DurationMs: durationSec * 1000,
	})
}

// handlePlayback processes the playback-finished webhook.
func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, call.Event{
		Type:   call.EventPlaybackFinished,
		CallID: r.PostFormValue("CallSid"),
	})
}

// handleStatus accepts provider status callbacks. Terminal statuses map to a
// hangup event; everything else is acknowledged so the provider never sees a
// 404.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	slog.Info("call status", "call_id", callID, "status", status)

	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
		s.dispatch(w, r, call.Event{
			Type:   call.EventHangup,
			CallID: callID,
			Reason: status,
		})
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// dispatch routes one event to its session and writes the directive document.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev call.Event) {
	if ev.CallID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	logger := slog.With("call_id", ev.CallID, "event", ev.Type)

	sess, err := s.sessionFor(ev)
	if err != nil {
		// Stale or duplicate event: acknowledge with an empty document so the
		// provider is never answered with a raw fault.
		logger.Warn("event without live session, ignoring", "error", err)
		s.writeDirectives(w, nil)
		return
	}

	directives, err := sess.Deliver(r.Context(), ev)
	if err != nil {
		if errors.Is(err, call.ErrSessionEnded) {
			logger.Warn("event for ended session, ignoring")
			s.writeDirectives(w, nil)
			return
		}
		logger.Error("event delivery failed", "error", err)
		s.writeDirectives(w, nil)
		return
	}

	s.writeDirectives(w, directives)
}

// sessionFor resolves the session for an event, creating one on call entry.
// A duplicate call_started falls through to the existing session, which
// ignores it against its current state.
func (s *Server) sessionFor(ev call.Event) (*session.Session, error) {
	if ev.Type == call.EventCallStarted {
		sess, err := s.registry.Create(ev.CallID, ev.FromNumber, ev.ToNumber)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, call.ErrSessionExists) {
			return nil, err
		}
		slog.Warn("duplicate call_started", "call_id", ev.CallID)
	}
	return s.registry.Get(ev.CallID)
}

func (s *Server) writeDirectives(w http.ResponseWriter, directives []call.Directive) {
	if directives == nil {
		directives = []call.Directive{}
	}

	if strings.EqualFold(s.cfg.Format, "twiml") {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprint(w, RenderTwiML(directives, s.cfg.BaseURL))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(directiveDocument{Directives: directives})
}
