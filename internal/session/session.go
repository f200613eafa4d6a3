// Package session implements the per-call state machine and the process-wide
// call registry.
//
// Each call owns one Session: an actor with an inbox processed by a single
// goroutine, so two events for the same call can never race while separate
// calls progress in parallel. Adapter calls run as spawned tasks that post
// their results back to the inbox; a hangup arriving mid-task pre-empts the
// task, and its late result is discarded by an epoch guard.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nadzzz/callyard/internal/call"
	"github.com/nadzzz/callyard/internal/config"
	"github.com/nadzzz/callyard/internal/history"
	"github.com/nadzzz/callyard/internal/retry"
	"github.com/nadzzz/callyard/internal/speech"
)

// Services bundles the three external AI adapters a session drives.
type Services struct {
	Transcriber speech.Transcriber
	Completer   speech.Completer
	Synthesizer speech.Synthesizer
}

// Control is the outbound side of the telephony boundary: everything a
// session needs from the provider beyond the directive documents it returns
// to inbound webhooks.
type Control interface {
	// FetchRecording downloads a recording by its reference.
	FetchRecording(ctx context.Context, audioRef string) (data []byte, contentType string, err error)

	// StoreAudio saves a synthesized clip and returns its playback URL.
	StoreAudio(audio []byte, format string) (string, error)

	// EndCall speaks the farewell and hangs up provider-side. Used for
	// terminations that are not driven by an inbound event (idle timeout,
	// shutdown), where no webhook is waiting for directives.
	EndCall(ctx context.Context, callID, farewell string) error
}

// TranscriptSink receives the finalized history when a session ends.
type TranscriptSink interface {
	Persist(callID string, turns []call.Turn, reason call.EndReason)
}

// Update is a live monitoring event published on session activity.
type Update struct {
	CallID string         `json:"call_id"`
	Kind   string         `json:"kind"` // started, turn, state, ended
	State  call.State     `json:"state,omitempty"`
	Turn   *call.Turn     `json:"turn,omitempty"`
	Reason call.EndReason `json:"reason,omitempty"`
	Time   time.Time      `json:"time"`
}

// Observer receives session updates. Implementations must not block.
type Observer interface {
	Observe(Update)
}

// Deps is everything a session needs besides its identity.
type Deps struct {
	Config   config.SessionConfig
	Policy   retry.Policy
	Services Services
	Control  Control
	Matcher  call.PhraseMatcher
	Sink     TranscriptSink
	Observer Observer // optional
}

// envelope wraps an inbound event with its reply channel. The telephony
// handler blocks on respond until the session has a directive document.
type envelope struct {
	ev      call.Event
	respond chan []call.Directive
}

// taskResult is the continuation posted to the inbox when an adapter task
// finishes.
type taskResult struct {
	epoch uint64
	state call.State // state the task was spawned in

	text     string // transcript or completion reply
	audioURL string // stored synthesis URL
	err      error
}

// terminate is posted by the registry for idle reaping and shutdown.
type terminate struct {
	reason call.EndReason
}

// Session is one live phone conversation and its state machine.
type Session struct {
	id   string
	from string
	to   string

	deps Deps
	log  *slog.Logger

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos

	inbox chan any
	done  chan struct{}

	// stateSnapshot mirrors state for readers outside the run goroutine.
	stateSnapshot atomic.Value // string

	// Fields below are owned by the run goroutine.
	state          call.State
	hist           *history.Log
	epoch          uint64
	silenceRetries int
	pending        *envelope
	onEnd          func(id string)
}

func newSession(id, from, to string, deps Deps, onEnd func(id string)) *Session {
	s := &Session{
		id:        id,
		from:      from,
		to:        to,
		deps:      deps,
		log:       slog.With("call_id", id),
		createdAt: time.Now(),
		inbox:     make(chan any, 16),
		done:      make(chan struct{}),
		state:     call.StateGreeting,
		hist:      history.New(),
		onEnd:     onEnd,
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	s.stateSnapshot.Store(string(call.StateGreeting))
	return s
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// State returns the state as of the last completed transition.
func (s *Session) State() call.State {
	select {
	case <-s.done:
		return call.StateEnding
	default:
	}
	return call.State(s.stateSnapshot.Load().(string))
}

// LastActivity returns the time of the last completed transition.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Deliver hands an inbound telephony event to the session and waits for the
// resulting directive document. Events for ended sessions fail with
// call.ErrSessionEnded.
func (s *Session) Deliver(ctx context.Context, ev call.Event) ([]call.Directive, error) {
	env := &envelope{ev: ev, respond: make(chan []call.Directive, 1)}

	select {
	case s.inbox <- env:
	case <-s.done:
		return nil, call.ErrSessionEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case d := <-env.respond:
		return d, nil
	case <-s.done:
		// The session ended while the event was queued; check for a reply
		// issued during teardown before giving up.
		select {
		case d := <-env.respond:
			return d, nil
		default:
			return nil, call.ErrSessionEnded
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Terminate forces the session onto the Ending path. It is used by the idle
// sweep and daemon shutdown and never blocks.
func (s *Session) Terminate(reason call.EndReason) {
	select {
	case s.inbox <- terminate{reason: reason}:
	case <-s.done:
	}
}

// run is the actor loop. It processes one inbox message at a time and exits
// once the session reaches Ending.
func (s *Session) run() {
	for msg := range s.inbox {
		switch m := msg.(type) {
		case *envelope:
			s.handleEvent(m)
		case taskResult:
			s.handleTaskResult(m)
		case terminate:
			s.log.Info("session terminated", "reason", m.reason)
			s.finalize(m.reason, true)
		}
		if s.state == call.StateEnding {
			return
		}
		s.touch()
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.stateSnapshot.Store(string(s.state))
}

// handleEvent applies one inbound telephony event to the state machine.
func (s *Session) handleEvent(env *envelope) {
	ev := env.ev

	// A hangup pre-empts everything, from any state.
	if ev.Type == call.EventHangup {
		s.log.Info("caller hung up", "reason", ev.Reason)
		if s.pending != nil {
			s.respond(s.pending, nil)
		}
		s.respond(env, nil)
		s.finalize(call.EndReasonHangup, false)
		return
	}

	switch s.state {
	case call.StateGreeting:
		if ev.Type != call.EventCallStarted || s.pending != nil {
			s.ignore(env, "call has not started or greeting in flight")
			return
		}
		s.pending = env
		s.spawnGreeting()

	case call.StateAwaitingSpeech:
		if ev.Type != call.EventRecordingReady {
			s.ignore(env, "not expecting this event while awaiting speech")
			return
		}
		if ev.AudioRef == "" || ev.DurationMs == 0 {
			s.handleSilence(env)
			return
		}
		s.silenceRetries = 0
		s.pending = env
		s.state = call.StateTranscribing
		s.observe("state", nil)
		s.spawnTranscribe(ev.AudioRef)

	case call.StatePlaying:
		if ev.Type != call.EventPlaybackFinished {
			s.ignore(env, "not expecting this event while playing")
			return
		}
		s.handlePlaybackFinished(env)

	default:
		// Transcribing/Completing/Synthesizing: a pipeline is in flight, so
		// any further inbound event is a duplicate or out of order.
		s.ignore(env, "pipeline in flight")
	}
}

// handleSilence re-prompts the caller up to the retry limit, then ends the
// call with a spoken farewell.
func (s *Session) handleSilence(env *envelope) {
	s.silenceRetries++
	if s.silenceRetries > s.deps.Policy.MaxAttempts {
		s.log.Info("caller idle, giving up", "reprompts", s.silenceRetries-1)
		s.respond(env, []call.Directive{call.Say(s.deps.Config.Farewell), call.Hangup()})
		s.finalize(call.EndReasonSilence, false)
		return
	}
	s.log.Debug("silence detected, re-prompting", "attempt", s.silenceRetries)
	s.respond(env, []call.Directive{call.Say(s.deps.Config.Reprompt), s.record()})
}

// handlePlaybackFinished checks the termination conditions and either ends
// the call or opens the next turn.
func (s *Session) handlePlaybackFinished(env *envelope) {
	lastCaller := s.hist.LastCaller()
	if s.deps.Matcher != nil && lastCaller != "" && s.deps.Matcher.Match(lastCaller) {
		s.log.Info("closing phrase detected")
		s.respond(env, []call.Directive{call.Hangup()})
		s.finalize(call.EndReasonClosingPhrase, false)
		return
	}
	if s.deps.Config.MaxTurns > 0 && s.hist.CallerTurns() >= s.deps.Config.MaxTurns {
		s.log.Info("max turns reached", "turns", s.hist.CallerTurns())
		s.respond(env, []call.Directive{call.Say(s.deps.Config.Farewell), call.Hangup()})
		s.finalize(call.EndReasonMaxTurns, false)
		return
	}
	s.state = call.StateAwaitingSpeech
	s.observe("state", nil)
	s.respond(env, []call.Directive{s.record()})
}

// handleTaskResult applies an adapter continuation. Results from a previous
// epoch or a different state are stale and discarded.
func (s *Session) handleTaskResult(r taskResult) {
	if r.epoch != s.epoch || r.state != s.state {
		s.log.Debug("stale adapter result discarded",
			"task_state", r.state, "state", s.state)
		return
	}

	switch r.state {
	case call.StateGreeting:
		s.finishGreeting(r)
	case call.StateTranscribing:
		s.finishTranscribe(r)
	case call.StateCompleting:
		s.finishComplete(r)
	case call.StateSynthesizing:
		s.finishSynthesize(r)
	}
}

func (s *Session) finishGreeting(r taskResult) {
	directives := []call.Directive{}
	if r.err != nil {
		// Degrade to the provider's built-in voice rather than failing the call.
		s.log.Warn("greeting synthesis failed, using provider voice", "error", r.err)
		directives = append(directives, call.Say(s.deps.Config.Greeting))
	} else {
		directives = append(directives, call.Play(r.audioURL))
	}
	directives = append(directives, s.record())

	s.state = call.StateAwaitingSpeech
	s.observe("started", nil)
	s.respond(s.pending, directives)
	s.pending = nil
}

func (s *Session) finishTranscribe(r taskResult) {
	if r.err != nil {
		s.log.Warn("transcription failed, apologizing", "error", r.err)
		s.state = call.StateAwaitingSpeech
		s.respond(s.pending, []call.Directive{call.Say(s.deps.Config.Apology), s.record()})
		s.pending = nil
		return
	}
	text := applyCorrections(r.text, s.deps.Config.Corrections)
	if strings.TrimSpace(text) == "" {
		s.log.Debug("empty transcript, re-prompting")
		s.state = call.StateAwaitingSpeech
		s.respond(s.pending, []call.Directive{call.Say(s.deps.Config.Reprompt), s.record()})
		s.pending = nil
		return
	}

	turn := s.hist.Append(call.RoleCaller, text, r.audioURL)
	s.observe("turn", &turn)
	s.log.Info("caller turn", "text_length", len(text))

	s.state = call.StateCompleting
	s.observe("state", nil)
	s.spawnComplete()
}

func (s *Session) finishComplete(r taskResult) {
	if r.err != nil {
		s.log.Warn("completion failed, apologizing", "error", r.err)
		s.state = call.StateAwaitingSpeech
		s.respond(s.pending, []call.Directive{call.Say(s.deps.Config.Apology), s.record()})
		s.pending = nil
		return
	}

	turn := s.hist.Append(call.RoleAssistant, r.text, "")
	s.observe("turn", &turn)
	s.log.Info("assistant turn", "text_length", len(r.text))

	s.state = call.StateSynthesizing
	s.observe("state", nil)
	s.spawnSynthesize(r.text)
}

func (s *Session) finishSynthesize(r taskResult) {
	if r.err != nil {
		s.log.Error("synthesis failed, ending call", "error", r.err)
		s.respond(s.pending, []call.Directive{call.Say(s.deps.Config.Farewell), call.Hangup()})
		s.pending = nil
		s.finalize(call.EndReasonServiceError, false)
		return
	}

	s.state = call.StatePlaying
	s.observe("state", nil)
	s.respond(s.pending, []call.Directive{call.Play(r.audioURL)})
	s.pending = nil
}

// --- adapter tasks ---

// spawn runs fn off the actor goroutine and posts its result back to the
// inbox. The result is tagged with the current state and epoch so the state
// guard can discard it if the session moved on.
func (s *Session) spawn(fn func(ctx context.Context) taskResult) {
	s.epoch++
	state := s.state
	epoch := s.epoch
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			// Best-effort cancellation once the session is gone.
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		r := fn(ctx)
		r.state = state
		r.epoch = epoch
		select {
		case s.inbox <- r:
		case <-s.done:
		}
	}()
}

func (s *Session) spawnGreeting() {
	greeting := s.deps.Config.Greeting
	s.spawn(func(ctx context.Context) taskResult {
		url, err := s.synthesizeAndStore(ctx, greeting)
		return taskResult{audioURL: url, err: err}
	})
}

func (s *Session) spawnTranscribe(audioRef string) {
	s.spawn(func(ctx context.Context) taskResult {
		var result *speech.Transcription
		err := s.deps.Policy.Do(ctx, func(ctx context.Context) error {
			audio, contentType, err := s.deps.Control.FetchRecording(ctx, audioRef)
			if err != nil {
				return fmt.Errorf("fetching recording: %w", err)
			}
			result, err = s.deps.Services.Transcriber.Transcribe(ctx, audio, contentType)
			return err
		})
		if err != nil {
			return taskResult{err: err}
		}
		return taskResult{text: result.Text, audioURL: audioRef}
	})
}

func (s *Session) spawnComplete() {
	messages := s.completionContext()
	s.spawn(func(ctx context.Context) taskResult {
		var reply string
		err := s.deps.Policy.Do(ctx, func(ctx context.Context) error {
			var err error
			reply, err = s.deps.Services.Completer.Complete(ctx, messages)
			return err
		})
		return taskResult{text: reply, err: err}
	})
}

func (s *Session) spawnSynthesize(text string) {
	s.spawn(func(ctx context.Context) taskResult {
		url, err := s.synthesizeAndStore(ctx, text)
		return taskResult{audioURL: url, err: err}
	})
}

func (s *Session) synthesizeAndStore(ctx context.Context, text string) (string, error) {
	var url string
	err := s.deps.Policy.Do(ctx, func(ctx context.Context) error {
		synth, err := s.deps.Services.Synthesizer.Synthesize(ctx, text)
		if err != nil {
			return err
		}
		url, err = s.deps.Control.StoreAudio(synth.Audio, synth.Format)
		return err
	})
	return url, err
}

// completionContext builds the windowed role+text context for the dialogue
// model: the fixed system preamble plus at most the last K turns, regardless
// of call length.
func (s *Session) completionContext() []speech.ChatMessage {
	window := s.hist.Window(s.deps.Config.HistoryWindow)
	messages := make([]speech.ChatMessage, 0, len(window)+1)
	messages = append(messages, speech.ChatMessage{
		Role:    "system",
		Content: s.deps.Config.SystemPrompt,
	})
	for _, t := range window {
		role := "user"
		if t.Role == call.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, speech.ChatMessage{Role: role, Content: t.Text})
	}
	return messages
}

// --- teardown ---

// finalize moves the session to Ending: it hands the history to the
// transcript sink, optionally hangs up provider-side, and releases the actor.
func (s *Session) finalize(reason call.EndReason, providerHangup bool) {
	s.state = call.StateEnding
	s.epoch++
	s.stateSnapshot.Store(string(call.StateEnding))
	if s.deps.Observer != nil {
		s.deps.Observer.Observe(Update{
			CallID: s.id, Kind: "ended", State: call.StateEnding,
			Reason: reason, Time: time.Now(),
		})
	}

	if s.pending != nil {
		s.respond(s.pending, nil)
		s.pending = nil
	}

	if s.deps.Sink != nil {
		s.deps.Sink.Persist(s.id, s.hist.All(), reason)
	}

	if providerHangup && s.deps.Control != nil {
		// The caller is still on the line with no webhook to answer; speak
		// the farewell and hang up through the provider API.
		id, farewell := s.id, s.deps.Config.Farewell
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.deps.Control.EndCall(ctx, id, farewell); err != nil {
				slog.Warn("provider hangup failed", "call_id", id, "error", err)
			}
		}()
	}

	if s.onEnd != nil {
		s.onEnd(s.id)
	}
	close(s.done)
	s.drain()
	s.log.Info("session ended", "reason", reason, "turns", s.hist.CallerTurns(),
		"duration", time.Since(s.createdAt))
}

// drain answers any events still buffered in the inbox so their webhooks are
// not left hanging.
func (s *Session) drain() {
	for {
		select {
		case msg := <-s.inbox:
			if env, ok := msg.(*envelope); ok {
				s.respond(env, nil)
			}
		default:
			return
		}
	}
}

// --- helpers ---

func (s *Session) respond(env *envelope, directives []call.Directive) {
	if env == nil {
		return
	}
	if directives == nil {
		directives = []call.Directive{}
	}
	select {
	case env.respond <- directives:
	default:
	}
}

func (s *Session) ignore(env *envelope, why string) {
	s.log.Warn("event ignored", "event", env.ev.Type, "state", s.state, "why", why)
	s.respond(env, nil)
}

func (s *Session) record() call.Directive {
	return call.Record(s.deps.Config.RecordTimeoutSec, s.deps.Config.RecordMaxSec)
}

func (s *Session) observe(kind string, turn *call.Turn) {
	if s.deps.Observer == nil {
		return
	}
	s.deps.Observer.Observe(Update{
		CallID: s.id,
		Kind:   kind,
		State:  s.state,
		Turn:   turn,
		Time:   time.Now(),
	})
}

func applyCorrections(text string, corrections map[string]string) string {
	for from, to := range corrections {
		text = strings.ReplaceAll(text, from, to)
	}
	return text
}
