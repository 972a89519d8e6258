package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmrtc/llmrtc/internal/audiocodec"
	"github.com/llmrtc/llmrtc/internal/bargein"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/orchestrator"
	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/session"
	ivad "github.com/llmrtc/llmrtc/internal/vad"
	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	providervad "github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// SessionManagerConfig configures a [SessionManager].
type SessionManagerConfig struct {
	Session config.SessionConfig

	// Playbooks maps a playbook ID to its compiled engine. A Hello that
	// names one of these IDs opens a playbook-driven session; a Hello
	// with no PlaybookID (or one not present here) opens a bare
	// orchestrator session with no stage graph.
	Playbooks map[string]*playbook.Engine

	Orchestrator *orchestrator.Orchestrator
	STT          stt.Provider
	VAD          providervad.Engine
	VADParams    ivad.Params
	AudioFormat  audio.Format

	Store session.SessionStore
	Hooks *hooks.Dispatcher
}

// SessionManager owns every live voice session: it performs the hello/
// reconnect handshake, drives the per-session audio/STT/turn pipeline, and
// persists session state after each turn.
type SessionManager struct {
	cfg         config.SessionConfig
	playbooks   map[string]*playbook.Engine
	orch        *orchestrator.Orchestrator
	sttProvider stt.Provider
	vadEngine   providervad.Engine
	vadParams   ivad.Params
	audioFormat audio.Format
	store       session.SessionStore
	hooks       *hooks.Dispatcher

	mu     sync.Mutex
	active map[string]*activeSession
}

// NewSessionManager returns a SessionManager ready to serve connections.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	h := cfg.Hooks
	if h == nil {
		h = hooks.New(hooks.Hooks{}, nil)
	}
	af := cfg.AudioFormat
	if af.SampleRate == 0 {
		af = audio.Format{SampleRate: 16000, Channels: 1}
	}
	vp := cfg.VADParams
	if vp.MinSpeechFrames == 0 && vp.RedemptionFrames == 0 {
		vp = ivad.DefaultParams()
	}
	return &SessionManager{
		cfg:         cfg.Session,
		playbooks:   cfg.Playbooks,
		orch:        cfg.Orchestrator,
		sttProvider: cfg.STT,
		vadEngine:   cfg.VAD,
		vadParams:   vp,
		audioFormat: af,
		store:       cfg.Store,
		hooks:       h,
		active:      make(map[string]*activeSession),
	}
}

// activeSession is the in-memory state for one live or detached session:
// its session record, the provider sessions feeding it, and the transport
// it is currently bound to (nil while detached).
type activeSession struct {
	id string

	mu   sync.Mutex // guards sess, mutated in place by the orchestrator/playbook engine
	sess *types.Session

	engine *playbook.Engine

	arbiter     *bargein.Arbiter
	reconnector *session.Reconnector

	connMu sync.Mutex
	conn   *protocol.Conn

	turnMu sync.Mutex // serialises turn execution; one goroutine drains Finals() per session, so this is a safety net

	vadGate    *ivad.Gate
	vadSession providervad.SessionHandle
	sttSession stt.SessionHandle

	// opusDecoder is non-nil when the session negotiated the "opus" audio
	// codec; incoming microphone frames are expanded to PCM through it
	// before reaching the VAD gate. nil means the client sends raw PCM.
	opusDecoder *audiocodec.Decoder

	speechStartedAt time.Time
}

// Serve handles one accepted connection end-to-end: it reads the opening
// Hello or Reconnect frame, establishes or resumes the corresponding
// session, and then drives that session's audio/control loop until the
// connection drops or the client sends Close. Serve always closes conn
// before returning.
func (sm *SessionManager) Serve(ctx context.Context, conn *protocol.Conn) error {
	defer conn.Close()

	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("session manager: read opening frame: %w", err)
	}
	if frame.Envelope == nil {
		return sm.fail(ctx, conn, "", "", protocol.ErrInvalidMessage, "expected a control envelope to open the session")
	}

	switch frame.Envelope.Type {
	case protocol.TypeHello:
		var hello protocol.HelloPayload
		if err := decodePayload(frame.Envelope.Payload, &hello); err != nil {
			return sm.fail(ctx, conn, "", "", protocol.ErrInvalidMessage, "malformed hello payload")
		}
		as, err := sm.openSession(ctx, conn, hello)
		if err != nil {
			return sm.fail(ctx, conn, "", "", protocol.ErrInternal, err.Error())
		}
		return sm.runLoop(ctx, as)

	case protocol.TypeReconnect:
		var rc protocol.ReconnectPayload
		if err := decodePayload(frame.Envelope.Payload, &rc); err != nil {
			return sm.fail(ctx, conn, "", "", protocol.ErrInvalidMessage, "malformed reconnect payload")
		}
		as, err := sm.reconnectSession(ctx, conn, rc)
		if err != nil {
			sm.sendReconnectAck(ctx, conn, protocol.ReconnectAckPayload{Success: false, SessionID: rc.SessionID})
			return sm.fail(ctx, conn, rc.SessionID, "", protocol.ErrSessionExpired, err.Error())
		}
		return sm.runLoop(ctx, as)

	default:
		return sm.fail(ctx, conn, "", "", protocol.ErrInvalidMessage, "expected hello or reconnect as the first frame")
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (sm *SessionManager) openSession(ctx context.Context, conn *protocol.Conn, hello protocol.HelloPayload) (*activeSession, error) {
	token, err := session.NewReconnectToken()
	if err != nil {
		return nil, fmt.Errorf("generate reconnect token: %w", err)
	}

	var engine *playbook.Engine
	var pbState *types.PlaybookState
	if hello.PlaybookID != "" {
		e, ok := sm.playbooks[hello.PlaybookID]
		if !ok {
			return nil, fmt.Errorf("unknown playbook %q", hello.PlaybookID)
		}
		engine = e
		state := e.NewState()
		pbState = &state
	}

	historyLimit := sm.cfg.HistoryLimit
	if engine != nil {
		historyLimit = sm.cfg.PlaybookHistoryLimit
	}

	now := time.Now()
	sess := &types.Session{
		ID:             uuid.NewString(),
		State:          types.SessionActive,
		ReconnectToken: token,
		HistoryLimit:   historyLimit,
		Playbook:       pbState,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	as := &activeSession{id: sess.ID, sess: sess, engine: engine, conn: conn}
	if err := sm.attachAudio(ctx, as); err != nil {
		return nil, fmt.Errorf("attach audio pipeline: %w", err)
	}
	as.arbiter = bargein.NewArbiter()
	as.reconnector = session.NewReconnector(session.ReconnectorConfig{
		GraceWindow: sm.graceWindow(),
		OnExpire:    func() { sm.expire(sess.ID) },
	})

	if err := sm.store.Save(ctx, sess); err != nil {
		slog.ErrorContext(ctx, "session manager: save new session", "session_id", sess.ID, "error", err)
	}

	sm.mu.Lock()
	sm.active[sess.ID] = as
	sm.mu.Unlock()

	sm.hooks.Connection(ctx, sess.ID)

	ready, err := protocol.EncodePayload(protocol.TypeReady, sess.ID, "", protocol.ReadyPayload{
		ProtocolVersion: protocol.ProtocolVersion,
		SessionID:       sess.ID,
		ReconnectToken:  token,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteEnvelope(ctx, ready); err != nil {
		return nil, fmt.Errorf("write ready: %w", err)
	}
	return as, nil
}

func (sm *SessionManager) reconnectSession(ctx context.Context, conn *protocol.Conn, rc protocol.ReconnectPayload) (*activeSession, error) {
	sm.mu.Lock()
	as, live := sm.active[rc.SessionID]
	sm.mu.Unlock()

	if live && as.reconnector.Reattach(rc.ReconnectToken) {
		as.connMu.Lock()
		as.conn = conn
		as.connMu.Unlock()

		as.mu.Lock()
		as.sess.State = types.SessionActive
		as.sess.DetachedAt = time.Time{}
		as.sess.UpdatedAt = time.Now()
		if err := sm.attachAudio(ctx, as); err != nil {
			as.mu.Unlock()
			return nil, fmt.Errorf("reattach audio pipeline: %w", err)
		}
		stage := currentStage(as.sess)
		sessCopy := *as.sess
		as.mu.Unlock()

		if err := sm.store.Save(ctx, &sessCopy); err != nil {
			slog.ErrorContext(ctx, "session manager: save reattached session", "session_id", as.id, "error", err)
		}
		sm.sendReconnectAck(ctx, conn, protocol.ReconnectAckPayload{
			Success: true, HistoryRecovered: true, SessionID: as.id, CurrentStage: stage,
		})
		return as, nil
	}

	// The process may have restarted since the client last detached: the
	// in-memory Reconnector and active entry are gone, but the session
	// store still has the last persisted token. Grace-window enforcement
	// does not survive a restart; a detached record with a matching token
	// is accepted on trust.
	stored, err := sm.store.Load(ctx, rc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session not found: %w", err)
	}
	if stored.State != types.SessionDetached || stored.ReconnectToken == "" || stored.ReconnectToken != rc.ReconnectToken {
		return nil, errors.New("reconnect token mismatch or session not detached")
	}

	var engine *playbook.Engine
	if stored.Playbook != nil {
		engine = sm.playbooks[stored.Playbook.PlaybookID]
	}
	stored.State = types.SessionActive
	stored.DetachedAt = time.Time{}
	stored.UpdatedAt = time.Now()

	as = &activeSession{id: stored.ID, sess: stored, engine: engine, conn: conn}
	if err := sm.attachAudio(ctx, as); err != nil {
		return nil, fmt.Errorf("attach audio pipeline: %w", err)
	}
	as.arbiter = bargein.NewArbiter()
	as.reconnector = session.NewReconnector(session.ReconnectorConfig{
		GraceWindow: sm.graceWindow(),
		OnExpire:    func() { sm.expire(stored.ID) },
	})

	sm.mu.Lock()
	sm.active[stored.ID] = as
	sm.mu.Unlock()

	if err := sm.store.Save(ctx, stored); err != nil {
		slog.ErrorContext(ctx, "session manager: save reattached session", "session_id", stored.ID, "error", err)
	}
	sm.sendReconnectAck(ctx, conn, protocol.ReconnectAckPayload{
		Success: true, HistoryRecovered: true, SessionID: stored.ID, CurrentStage: currentStage(stored),
	})
	return as, nil
}

func currentStage(sess *types.Session) string {
	if sess.Playbook == nil {
		return ""
	}
	return sess.Playbook.CurrentStage
}

func (sm *SessionManager) graceWindow() time.Duration {
	if sm.cfg.ReconnectGraceSeconds <= 0 {
		return 0
	}
	return time.Duration(sm.cfg.ReconnectGraceSeconds) * time.Second
}

func (sm *SessionManager) sendReconnectAck(ctx context.Context, conn *protocol.Conn, payload protocol.ReconnectAckPayload) {
	env, err := protocol.EncodePayload(protocol.TypeReconnectAck, payload.SessionID, "", payload)
	if err != nil {
		return
	}
	_ = conn.WriteEnvelope(ctx, env)
}

// attachAudio (re)opens the VAD and STT provider sessions for as and starts
// the goroutine draining STT output. Callers holding as.mu must not
// re-enter this method concurrently for the same activeSession.
func (sm *SessionManager) attachAudio(ctx context.Context, as *activeSession) error {
	vadSession, err := sm.vadEngine.NewSession(providervad.Config{
		SampleRate:       sm.audioFormat.SampleRate,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		return fmt.Errorf("open vad session: %w", err)
	}
	sttSession, err := sm.sttProvider.StartStream(ctx, stt.StreamConfig{
		SampleRate: sm.audioFormat.SampleRate,
		Channels:   sm.audioFormat.Channels,
	})
	if err != nil {
		vadSession.Close()
		return fmt.Errorf("open stt stream: %w", err)
	}

	as.vadSession = vadSession
	as.vadGate = ivad.NewGate(sm.vadParams, ivad.ProviderClassifier{Session: vadSession})
	as.sttSession = sttSession

	if sm.cfg.AudioCodec == "opus" {
		dec, err := audiocodec.NewDecoder(sm.audioFormat.SampleRate, sm.audioFormat.Channels)
		if err != nil {
			vadSession.Close()
			_ = sttSession.Close()
			return fmt.Errorf("open opus decoder: %w", err)
		}
		as.opusDecoder = dec
	}

	go sm.drainSTT(ctx, as)
	return nil
}

// detachAudio releases the provider sessions bound to as without touching
// the session record, so a later reconnect can open fresh ones.
func detachAudio(as *activeSession) {
	if as.sttSession != nil {
		_ = as.sttSession.Close()
	}
	if as.vadSession != nil {
		_ = as.vadSession.Close()
	}
}

// drainSTT forwards partial transcripts to the client as they arrive and
// runs one turn per final transcript. Because a single goroutine reads
// Finals() sequentially, turns are naturally serialised per session.
func (sm *SessionManager) drainSTT(ctx context.Context, as *activeSession) {
	partials := as.sttSession.Partials()
	finals := as.sttSession.Finals()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				if finals == nil {
					return
				}
				continue
			}
			sm.emitTranscript(ctx, as, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				if partials == nil {
					return
				}
				continue
			}
			sm.emitTranscript(ctx, as, t)
			sm.runTurn(ctx, as, t)
		}
	}
}

func (sm *SessionManager) emitTranscript(ctx context.Context, as *activeSession, t types.Transcript) {
	as.connMu.Lock()
	conn := as.conn
	as.connMu.Unlock()
	if conn == nil {
		return
	}
	env, err := protocol.EncodePayload(protocol.TypeTranscript, as.id, "", protocol.TranscriptPayload{
		Text: t.Text, IsFinal: t.IsFinal, Confidence: t.Confidence,
	})
	if err != nil {
		return
	}
	if err := conn.WriteEnvelope(ctx, env); err != nil {
		slog.DebugContext(ctx, "session manager: write transcript", "session_id", as.id, "error", err)
	}
}

// runLoop reads frames off conn until the client closes the connection or
// the transport errors out, routing audio to the VAD gate and STT session
// and control envelopes to their handlers. On return, the session is
// either detached (transport-level drop) or fully closed (explicit Close).
func (sm *SessionManager) runLoop(ctx context.Context, as *activeSession) error {
	converter := &audio.FormatConverter{Target: sm.audioFormat}
	var loopErr error

loop:
	for {
		frame, err := as.conn.ReadFrame(ctx)
		if err != nil {
			loopErr = err
			break loop
		}

		switch {
		case frame.Audio != nil:
			sm.handleAudioFrame(ctx, as, converter, frame.Audio)

		case frame.Envelope != nil:
			switch frame.Envelope.Type {
			case protocol.TypeClose:
				sm.Close(as.id)
				return nil
			case protocol.TypePing:
				pong, _ := protocol.EncodePayload(protocol.TypePong, as.id, "", struct{}{})
				_ = as.conn.WriteEnvelope(ctx, pong)
			default:
				slog.DebugContext(ctx, "session manager: ignoring control frame mid-session", "type", frame.Envelope.Type)
			}
		}
	}

	sm.detach(ctx, as)
	return loopErr
}

func (sm *SessionManager) handleAudioFrame(ctx context.Context, as *activeSession, converter *audio.FormatConverter, data []byte) {
	if as.opusDecoder != nil {
		pcm, err := as.opusDecoder.DecodeBuffer(data, false)
		if err != nil {
			slog.DebugContext(ctx, "session manager: opus decode", "session_id", as.id, "error", err)
			return
		}
		data = pcm
	}
	converted := converter.Convert(audio.AudioFrame{Data: data, SampleRate: sm.audioFormat.SampleRate, Channels: sm.audioFormat.Channels})
	if len(converted.Data) == 0 {
		return
	}
	vadFrame := types.AudioFrame{Data: converted.Data, SampleRate: converted.SampleRate, Channels: converted.Channels, Timestamp: converted.Timestamp}

	ev, pad, err := as.vadGate.Feed(vadFrame)
	if err != nil {
		slog.DebugContext(ctx, "session manager: vad feed", "session_id", as.id, "error", err)
		_ = as.sttSession.SendAudio(converted.Data)
		return
	}

	for _, p := range pad {
		_ = as.sttSession.SendAudio(p.Data)
	}
	_ = as.sttSession.SendAudio(converted.Data)

	switch ev.Type {
	case types.VADSpeechStart:
		as.speechStartedAt = time.Now()
		sm.hooks.SpeechStart(ctx, as.id)
		as.arbiter.OnSpeechStart(ctx)
	case types.VADSpeechEnd:
		var dur time.Duration
		if !as.speechStartedAt.IsZero() {
			dur = time.Since(as.speechStartedAt)
		}
		sm.hooks.SpeechEnd(ctx, as.id, dur)
	}
}

// runTurn executes one conversational turn for a final transcript, through
// the session's playbook engine if it has one, or directly through the
// bare orchestrator otherwise.
func (sm *SessionManager) runTurn(ctx context.Context, as *activeSession, transcript types.Transcript) {
	if strings.TrimSpace(transcript.Text) == "" {
		return
	}
	as.turnMu.Lock()
	defer as.turnMu.Unlock()

	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	as.arbiter.BeginTurn(turnID, cancel)

	as.connMu.Lock()
	conn := as.conn
	as.connMu.Unlock()
	emit := &protocolEmitter{ctx: turnCtx, conn: conn, sessionID: as.id, turnID: turnID}

	voice := types.VoiceProfile{
		ID:          sm.cfg.Voice.VoiceID,
		Provider:    sm.cfg.Voice.Provider,
		SpeedFactor: sm.cfg.Voice.SpeedFactor,
	}

	as.mu.Lock()
	var err error
	if as.sess.Playbook != nil && as.engine != nil {
		_, err = as.engine.RunTurn(turnCtx, as.sess, transcript, voice, emit)
		trimHistory(as.sess, as.sess.HistoryLimit)
	} else {
		_, err = sm.runBareTurn(turnCtx, as.sess, turnID, transcript, voice, emit)
	}
	as.sess.UpdatedAt = time.Now()
	sessCopy := *as.sess
	as.mu.Unlock()

	as.arbiter.EndTurn(turnID)

	if serr := sm.store.Save(ctx, &sessCopy); serr != nil {
		slog.ErrorContext(ctx, "session manager: save session after turn", "session_id", as.id, "error", serr)
	}

	cancelled := errors.Is(err, bargein.ErrBargedIn) || errors.Is(context.Cause(turnCtx), bargein.ErrBargedIn)
	complete, cerr := protocol.EncodePayload(protocol.TypeTurnComplete, as.id, turnID, protocol.TurnCompletePayload{Cancelled: cancelled})
	if conn != nil && cerr == nil {
		_ = conn.WriteEnvelope(ctx, complete)
	}
	if cancelled {
		sm.hooks.Cancelled(as.id, turnID)
	} else if err != nil {
		sm.hooks.Error(ctx, err, hooks.ErrorContext{Component: "turn", SessionID: as.id, TurnID: turnID, Timestamp: time.Now()})
		sm.sendError(ctx, conn, as.id, turnID, protocol.ErrLLMError, err.Error())
	}
}

// runBareTurn drives a turn for a session with no active playbook: it
// appends the transcript to history itself, calls SpeakReply directly, and
// appends the reply, trimming history to the configured limit.
func (sm *SessionManager) runBareTurn(ctx context.Context, sess *types.Session, turnID string, transcript types.Transcript, voice types.VoiceProfile, emit orchestrator.Emitter) (types.Message, error) {
	sess.History = append(sess.History, types.Message{Role: "user", Content: transcript.Text, Timestamp: time.Now()})
	trimHistory(sess, sm.cfg.HistoryLimit)

	turn := types.TurnContext{SessionID: sess.ID, TurnID: turnID, Transcript: transcript, History: sess.History, StartedAt: time.Now()}
	req := llm.CompletionRequest{
		Messages:     sess.History,
		SystemPrompt: sm.cfg.SystemPrompt,
		Temperature:  sm.cfg.Sampling.Temperature,
		MaxTokens:    sm.cfg.Sampling.MaxTokens,
	}
	msg, err := sm.orch.SpeakReply(ctx, turn, req, voice, emit, orchestrator.ChunkerOptions(sm.cfg.Chunker)...)
	if err != nil {
		return types.Message{}, err
	}
	sess.History = append(sess.History, msg)
	trimHistory(sess, sm.cfg.HistoryLimit)
	return msg, nil
}

func trimHistory(sess *types.Session, limit int) {
	if limit <= 0 || len(sess.History) <= limit {
		return
	}
	sess.History = append([]types.Message(nil), sess.History[len(sess.History)-limit:]...)
}

func (sm *SessionManager) sendError(ctx context.Context, conn *protocol.Conn, sessionID, turnID string, code protocol.ErrorCode, message string) {
	if conn == nil {
		return
	}
	env, err := protocol.EncodePayload(protocol.TypeError, sessionID, turnID, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.WriteEnvelope(ctx, env)
}

func (sm *SessionManager) fail(ctx context.Context, conn *protocol.Conn, sessionID, turnID string, code protocol.ErrorCode, message string) error {
	sm.sendError(ctx, conn, sessionID, turnID, code, message)
	return fmt.Errorf("session manager: %s: %s", code, message)
}

// detach marks a session as detached after a transport drop, releases its
// audio pipeline, and starts the reconnection grace window. The session
// record itself survives so a timely Reconnect can resume it.
func (sm *SessionManager) detach(ctx context.Context, as *activeSession) {
	as.mu.Lock()
	as.sess.State = types.SessionDetached
	as.sess.DetachedAt = time.Now()
	token := as.sess.ReconnectToken
	sessCopy := *as.sess
	as.mu.Unlock()

	detachAudio(as)
	as.connMu.Lock()
	as.conn = nil
	as.connMu.Unlock()

	if err := sm.store.Save(ctx, &sessCopy); err != nil {
		slog.ErrorContext(ctx, "session manager: save detached session", "session_id", as.id, "error", err)
	}
	sm.hooks.Disconnect(ctx, as.id)
	as.reconnector.Detach(ctx, token)
}

// expire permanently removes a session whose reconnection grace window
// elapsed without a client reattaching.
func (sm *SessionManager) expire(id string) {
	sm.mu.Lock()
	as, ok := sm.active[id]
	delete(sm.active, id)
	sm.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	as.mu.Lock()
	as.sess.State = types.SessionClosed
	sessCopy := *as.sess
	as.mu.Unlock()
	if err := sm.store.Save(ctx, &sessCopy); err != nil {
		slog.ErrorContext(ctx, "session manager: save expired session", "session_id", id, "error", err)
	}
}

// Close tears down a live or detached session immediately: its provider
// sessions are released, its transport (if any) is closed, and it is
// marked closed in the store. Close is idempotent.
func (sm *SessionManager) Close(id string) {
	sm.mu.Lock()
	as, ok := sm.active[id]
	delete(sm.active, id)
	sm.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	as.reconnector.Cancel()
	detachAudio(as)

	as.connMu.Lock()
	conn := as.conn
	as.conn = nil
	as.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	as.mu.Lock()
	as.sess.State = types.SessionClosed
	sessCopy := *as.sess
	as.mu.Unlock()
	if err := sm.store.Save(ctx, &sessCopy); err != nil {
		slog.ErrorContext(ctx, "session manager: save closed session", "session_id", id, "error", err)
	}
	sm.hooks.Disconnect(ctx, id)
}

// ActiveCount returns the number of sessions currently tracked, live or
// detached-within-grace.
func (sm *SessionManager) ActiveCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// protocolEmitter implements orchestrator.Emitter by writing protocol
// envelopes (and, for TTS audio, binary frames) to a client connection. A
// nil conn (the client dropped mid-turn) makes every method a no-op rather
// than a panic, since barge-in can race a connection drop.
type protocolEmitter struct {
	ctx       context.Context
	conn      *protocol.Conn
	sessionID string
	turnID    string
}

func (e *protocolEmitter) write(typ protocol.MessageType, payload any) {
	if e.conn == nil {
		return
	}
	env, err := protocol.EncodePayload(typ, e.sessionID, e.turnID, payload)
	if err != nil {
		return
	}
	if err := e.conn.WriteEnvelope(e.ctx, env); err != nil {
		slog.DebugContext(e.ctx, "session manager: emitter write", "type", typ, "error", err)
	}
}

func (e *protocolEmitter) EmitLLMChunk(text string) {
	e.write(protocol.TypeLLMChunk, protocol.LLMChunkPayload{Text: text})
}

func (e *protocolEmitter) EmitLLM(text string) {
	e.write(protocol.TypeLLM, protocol.LLMPayload{Text: text})
}

func (e *protocolEmitter) EmitTTSStart() {
	e.write(protocol.TypeTTSStart, struct{}{})
}

func (e *protocolEmitter) EmitTTSChunk(audioBytes []byte, sentenceIndex int) {
	e.write(protocol.TypeTTSChunk, protocol.TTSChunkPayload{SentenceIndex: sentenceIndex})
	if e.conn == nil {
		return
	}
	if err := e.conn.WriteAudio(e.ctx, audioBytes); err != nil {
		slog.DebugContext(e.ctx, "session manager: write tts audio", "error", err)
	}
}

func (e *protocolEmitter) EmitTTSComplete() {
	e.write(protocol.TypeTTSComplete, struct{}{})
}

func (e *protocolEmitter) EmitTTSCancelled() {
	e.write(protocol.TypeTTSCancelled, struct{}{})
}

func (e *protocolEmitter) EmitCancelled() {
	e.write(protocol.TypeError, protocol.ErrorPayload{Code: protocol.ErrCancelled, Message: "turn cancelled"})
}

var _ orchestrator.Emitter = (*protocolEmitter)(nil)
