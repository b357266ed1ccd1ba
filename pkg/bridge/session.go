package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carelinehq/careline/pkg/agent"
	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/metrics"
	"github.com/carelinehq/careline/pkg/store"
	"github.com/carelinehq/careline/pkg/telephony"
)

// StreamSocket is the telephony side of a session.
type StreamSocket interface {
	ReadEvent() (telephony.StreamEvent, error)
	SendAudio(streamSID string, audio []byte) error
	Close() error
	CloseWithStatus(code int, reason string) error
}

// AgentConn is the converse side of a session.
type AgentConn interface {
	SendSettings(agent.Settings) error
	SendAudio([]byte) error
	SendJSON(any) error
	ReadEvent() (agent.Event, error)
	Close() error
}

// AgentDialerFunc opens a fresh agent connection for one session.
type AgentDialerFunc func(ctx context.Context) (AgentConn, error)

// CallCompleter finalizes a call after a normal stream end: follow-up
// messaging, readings extraction, completion persistence. Implementations
// must return promptly and run long work on their own workers; the session
// calls this during teardown.
type CallCompleter interface {
	CompleteCall(ctx context.Context, call *store.Call, endReason string)
}

type SessionConfig struct {
	ChunkBytes         int           `mapstructure:"chunk_bytes"`
	ProtocolErrorLimit int           `mapstructure:"protocol_error_limit"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	PersistQueue       int           `mapstructure:"persist_queue"`
	PersistTimeout     time.Duration `mapstructure:"persist_timeout"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	GreetingEnabled    bool          `mapstructure:"greeting_enabled"`
	Overrides          agent.SettingsOverrides
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 5 * 160
	}
	if c.ProtocolErrorLimit <= 0 {
		c.ProtocolErrorLimit = 25
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 90 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// SessionDeps are the collaborators injected into every session.
type SessionDeps struct {
	Builder   *ContextBuilder
	Store     TranscriptStore
	Functions *FunctionRegistry
	DialAgent AgentDialerFunc
	Observer  metrics.Observer
	Completer CallCompleter
	Registry  *Registry
	Log       *slog.Logger
}

// Session bridges one phone call: the Twilio media stream on one side, the
// agent converse socket on the other. Two relay loops run concurrently and
// share nothing but the session's cancellation signal and the outbound
// stream id.
type Session struct {
	cfg      SessionConfig
	deps     SessionDeps
	rawPath  string
	rawQuery string
	traceID  string
	log      *slog.Logger

	twilio    StreamSocket
	agentConn AgentConn

	ctx    context.Context
	cancel context.CancelFunc

	callID  int64
	ref     CallRef
	life    *lifecycle
	persist *persister

	sidCh     chan string
	streamSID string

	lastFrame       atomic.Int64
	streamProtoErrs atomic.Int64
	agentProtoErrs  atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	firstOut        atomic.Bool
	stopRequested   atomic.Bool

	closeOnce sync.Once
	endReason string

	wg sync.WaitGroup
}

func NewSession(cfg SessionConfig, deps SessionDeps, twilio StreamSocket, rawPath, rawQuery string) *Session {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Functions == nil {
		deps.Functions = NewFunctionRegistry()
	}
	traceID := uuid.NewString()
	return &Session{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		rawPath:  rawPath,
		rawQuery: rawQuery,
		traceID:  traceID,
		log:      log.With("trace_id", traceID),
		twilio:   twilio,
		life:     newLifecycle(),
		sidCh:    make(chan string, 1),
	}
}

// CallID is zero until the target parse succeeds.
func (s *Session) CallID() int64 { return s.callID }

// State exposes the lifecycle phase, mostly for drains and tests.
func (s *Session) State() State { return s.life.State() }

// AddStateListener registers a lifecycle observer. Call before Run.
func (s *Session) AddStateListener(l StateListener) { s.life.AddListener(l) }

// Run drives the session to a terminal state. It blocks until teardown is
// complete; the caller owns the inbound socket's goroutine.
func (s *Session) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	target, err := ParseStreamTarget(s.rawPath, s.rawQuery)
	if err != nil {
		s.log.Error("stream_target_unresolved", "path", s.rawPath, "error", err.Error())
		_ = s.life.Transition(StateFailed, "call id unresolvable")
		_ = s.twilio.CloseWithStatus(websocket.ClosePolicyViolation, "call id unresolvable")
		return
	}
	s.callID = target.CallID
	log := s.log.With("call_id", s.callID)
	s.log = log

	if s.deps.Registry != nil && s.deps.Registry.Draining() {
		log.Warn("stream_rejected_draining")
		_ = s.life.Transition(StateFailed, "server draining")
		_ = s.twilio.CloseWithStatus(websocket.CloseGoingAway, "server draining")
		return
	}
	s.observe("bridge_accepted", nil, nil)

	if s.deps.Registry != nil {
		if old := s.deps.Registry.Add(s.callID, s); old != nil {
			log.Warn("session_superseded")
			old.Shutdown("superseded")
		}
		defer s.deps.Registry.Remove(s.callID, s)
	}

	cc := s.deps.Builder.Build(s.ctx, target)
	s.ref = CallRef{CallID: s.callID}
	if cc.Call != nil {
		s.ref.PatientID = cc.Call.PatientID
	}

	prompt := cc.Prompt + EmergencyPromptSuffix
	settings := agent.NewSettings(prompt, s.deps.Functions.Definitions(), s.cfg.Overrides)
	if s.cfg.GreetingEnabled && cc.Greeting != "" {
		settings.Agent.Greeting = cc.Greeting
	}

	ac, err := s.deps.DialAgent(s.ctx)
	if err != nil {
		log.Error("agent_connect_failed", "agent", cc.Agent, "error", err.Error())
		s.failSetup("agent_connect_failed")
		return
	}
	s.agentConn = ac
	if err := ac.SendSettings(settings); err != nil {
		log.Error("agent_settings_failed", "error", err.Error())
		_ = ac.Close()
		s.failSetup("agent_settings_failed")
		return
	}

	_ = s.life.Transition(StateActive, "agent session up")
	s.observe("agent_connected", map[string]string{"agent": cc.Agent}, nil)
	log.Info("bridge_active", "agent", cc.Agent, "personalized", cc.Patient != nil)

	s.persist = newPersister(s.deps.Store, s.callID, s.cfg.PersistQueue, s.cfg.PersistTimeout, log)
	s.touch()

	s.wg.Add(2)
	go s.agentLoop()
	go s.watchdog()

	s.twilioLoop()

	s.halt("transport_closed")
	s.wg.Wait()
	s.teardown()
}

// Shutdown asks a running session to wind down. Used by drains and by a
// replacement stream for the same call.
func (s *Session) Shutdown(reason string) {
	s.halt(reason)
}

// failSetup ends a session that never reached Active. The stream closes
// with an explanatory status and no persistence calls are made.
func (s *Session) failSetup(reason string) {
	_ = s.life.Transition(StateFailed, reason)
	_ = s.twilio.CloseWithStatus(websocket.CloseInternalServerErr, reason)
	s.observe("bridge_end", map[string]string{"reason": reason}, nil)
}

// halt starts teardown exactly once: records the end reason, cancels the
// session context, and closes both sockets so every loop unblocks.
func (s *Session) halt(reason string) {
	s.closeOnce.Do(func() {
		s.endReason = reason
		_ = s.life.Transition(StateClosing, reason)
		if s.cancel != nil {
			s.cancel()
		}
		if s.twilio != nil {
			_ = s.twilio.Close()
		}
		if s.agentConn != nil {
			_ = s.agentConn.Close()
		}
	})
}

func (s *Session) teardown() {
	drained := s.persist.Close(s.cfg.DrainTimeout)
	if !drained {
		s.log.Warn("transcript_drain_abandoned")
	}

	reason := s.endReason
	if s.stopRequested.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		call, err := s.deps.Store.FinishCall(ctx, s.callID)
		cancel()
		if err != nil {
			s.log.Error("call_finish_failed", "error", err.Error())
		} else if s.deps.Completer != nil {
			s.deps.Completer.CompleteCall(context.Background(), call, reason)
		}
	}

	_ = s.life.Transition(StateClosed, reason)
	endTags := map[string]string{"reason": reason}
	if s.streamSID != "" {
		endTags["stream_sid"] = s.streamSID
	}
	// Byte totals ride the end event because per-frame events may be
	// sampled away before they reach the cost sink.
	s.observe("bridge_end", endTags, map[string]any{
		"inbound_bytes":  s.bytesIn.Load(),
		"outbound_bytes": s.bytesOut.Load(),
	})
	s.log.Info("bridge_finished", "reason", reason,
		"protocol_errors", s.streamProtoErrs.Load()+s.agentProtoErrs.Load())
}

// twilioLoop relays caller audio to the agent in fixed-size chunks. Runs on
// the inbound socket's goroutine and returns when the stream ends.
func (s *Session) twilioLoop() {
	chunk := newChunker(s.cfg.ChunkBytes)
	for {
		ev, err := s.twilio.ReadEvent()
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonProtocol) && s.ctx.Err() == nil {
				if s.countProtocolError(&s.streamProtoErrs, "stream", err) {
					continue
				}
			}
			return
		}
		s.touch()
		switch ev.Event {
		case telephony.EventStart:
			sid := ev.StreamSID
			if ev.Start != nil && ev.Start.StreamSID != "" {
				sid = ev.Start.StreamSID
			}
			if sid != "" {
				select {
				case s.sidCh <- sid:
				default:
				}
				s.persist.Start(sid)
				s.observe("stream_start", map[string]string{"stream_sid": sid}, nil)
			}
		case telephony.EventMedia:
			audio, decErr := ev.InboundAudio()
			if decErr != nil {
				if s.countProtocolError(&s.streamProtoErrs, "stream", decErr) {
					continue
				}
				return
			}
			if audio == nil {
				continue
			}
			for _, piece := range chunk.Add(audio) {
				if err := s.agentConn.SendAudio(piece); err != nil {
					s.log.Warn("agent_audio_write_failed", "error", err.Error())
					s.halt("agent_write_failed")
					return
				}
				s.bytesIn.Add(int64(len(piece)))
				s.observe("audio_frame_in", nil, map[string]any{"bytes": len(piece)})
			}
		case telephony.EventDTMF:
			if ev.DTMF != nil {
				s.log.Debug("dtmf_received", "digit", ev.DTMF.Digit)
			}
		case telephony.EventStop:
			s.stopRequested.Store(true)
			s.halt("completed")
			return
		case telephony.EventConnected, telephony.EventMark:
			// connected precedes start; marks acknowledge playback.
		default:
			s.log.Warn("unknown_stream_event", "event", ev.Event)
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

// agentLoop relays agent output back to the caller and persists transcript
// fragments. Audio forwarding waits for the stream id from the start frame,
// like the wire format requires.
func (s *Session) agentLoop() {
	defer s.wg.Done()
	defer s.halt("agent_closed")

	select {
	case sid := <-s.sidCh:
		s.streamSID = sid
	case <-s.ctx.Done():
		return
	}

	for {
		ev, err := s.agentConn.ReadEvent()
		if err != nil {
			return
		}
		s.touch()

		if ev.IsAudio() {
			if err := s.twilio.SendAudio(s.streamSID, ev.Audio); err != nil {
				return
			}
			if s.firstOut.CompareAndSwap(false, true) {
				s.observe("first_audio_out", nil, nil)
			}
			s.bytesOut.Add(int64(len(ev.Audio)))
			s.observe("audio_frame_out", nil, map[string]any{"bytes": len(ev.Audio)})
			continue
		}

		switch ev.Type {
		case agent.EventConversationText:
			ct := ev.AsConversationText()
			if ct.Content == "" {
				continue
			}
			s.persist.Fragment(ct.Role, ct.Content)
			s.observe("transcript_fragment", map[string]string{"role": ct.Role}, map[string]any{"text": ct.Content})
		case agent.EventFunctionCallRequest:
			calls := ev.AsFunctionCalls()
			if len(calls) == 0 {
				s.log.Warn("function_call_without_name")
				continue
			}
			for _, fc := range calls {
				output := s.deps.Functions.Dispatch(s.ctx, fc.Name, s.ref, fc.Input)
				if err := s.agentConn.SendJSON(agent.NewFunctionCallResponse(fc.ID, output)); err != nil {
					s.log.Warn("function_response_failed", "function", fc.Name, "error", err.Error())
				}
				s.observe("function_call", map[string]string{"function": fc.Name}, nil)
			}
		case agent.EventError:
			ae := ev.AsError()
			s.log.Error("agent_error", "code", ae.Code, "description", ae.Description)
		case agent.EventWelcome, agent.EventSettingsApplied, agent.EventHistory:
			// Expected chatter; nothing to relay.
		case "":
			if !s.countProtocolError(&s.agentProtoErrs, "agent", nil) {
				return
			}
		default:
			s.log.Debug("agent_event", "type", ev.Type)
		}
	}
}

// watchdog halts sessions that go quiet on both sides, bounding the cost of
// abandoned telephony connections.
func (s *Session) watchdog() {
	defer s.wg.Done()
	interval := s.cfg.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastFrame.Load())
			if time.Since(last) > s.cfg.IdleTimeout {
				s.log.Warn("session_idle_timeout")
				s.halt("idle_timeout")
				return
			}
		}
	}
}

// countProtocolError drops one malformed frame and reports whether the
// session should keep going. Each peer gets its own budget; past the limit
// the session halts instead of looping on a broken peer.
func (s *Session) countProtocolError(counter *atomic.Int64, peer string, err error) bool {
	n := counter.Add(1)
	if err != nil {
		s.log.Warn("protocol_error", "peer", peer, "count", n, "error", err.Error())
	} else {
		s.log.Warn("protocol_error", "peer", peer, "count", n)
	}
	if n >= int64(s.cfg.ProtocolErrorLimit) {
		s.halt("protocol_errors")
		return false
	}
	return true
}

func (s *Session) touch() {
	s.lastFrame.Store(time.Now().UnixNano())
}

func (s *Session) observe(name string, tags map[string]string, fields map[string]any) {
	merged := map[string]string{
		"call_id":  strconv.FormatInt(s.callID, 10),
		"trace_id": s.traceID,
	}
	for k, v := range tags {
		merged[k] = v
	}
	ev := metrics.Count(name, 1, merged)
	ev.Fields = fields
	s.deps.Observer.RecordEvent(ev)
}

// chunker regroups caller audio into fixed-size pieces for the agent. The
// tail shorter than one chunk stays buffered; at most 100ms of mu-law is
// discarded when the call ends.
type chunker struct {
	size int
	buf  []byte
}

func newChunker(size int) *chunker {
	return &chunker{size: size}
}

func (c *chunker) Add(p []byte) [][]byte {
	c.buf = append(c.buf, p...)
	var out [][]byte
	for len(c.buf) >= c.size {
		piece := make([]byte, c.size)
		copy(piece, c.buf[:c.size])
		c.buf = c.buf[c.size:]
		out = append(out, piece)
	}
	return out
}
