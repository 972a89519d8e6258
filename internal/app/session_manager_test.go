package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/app"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/orchestrator"
	"github.com/llmrtc/llmrtc/internal/protocol"
	"github.com/llmrtc/llmrtc/internal/session"
	ivad "github.com/llmrtc/llmrtc/internal/vad"
	"github.com/llmrtc/llmrtc/pkg/audio"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	vadmock "github.com/llmrtc/llmrtc/pkg/provider/vad/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// newTestServer wires sm behind a websocket endpoint and returns its ws://
// URL and a cleanup function.
func newTestServer(t *testing.T, sm *app.SessionManager) string {
	t.Helper()
	codec := protocol.NewCodec()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := protocol.Accept(w, r, codec)
		if err != nil {
			return
		}
		_ = sm.Serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// testClient is a minimal hand-rolled client for exercising SessionManager
// over a real websocket, independent of [protocol.Conn] so the test
// exercises the wire format rather than reusing the server's own codec path.
type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTestClient(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	c := &testClient{t: t, ws: ws}
	t.Cleanup(func() { ws.CloseNow() })
	return c
}

func (c *testClient) send(typ protocol.MessageType, payload any) {
	c.t.Helper()
	env, err := protocol.EncodePayload(typ, "", "", payload)
	if err != nil {
		c.t.Fatalf("encode %s payload: %v", typ, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal %s envelope: %v", typ, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads frames until it sees a text envelope of one of want's
// types (returning it) or a deadline elapses. Binary frames encountered
// along the way are counted in audioFrames.
func (c *testClient) readUntil(deadline time.Duration, audioFrames *int, want ...protocol.MessageType) protocol.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.t.Fatalf("read frame (waiting for %v): %v", want, err)
		}
		if typ == websocket.MessageBinary {
			if audioFrames != nil {
				*audioFrames++
			}
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("unmarshal envelope: %v", err)
		}
		for _, w := range want {
			if env.Type == w {
				return env
			}
		}
	}
}

func newBareSessionManager(t *testing.T, llmProv llm.Provider, ttsProv *ttsmock.Provider, sttProv *sttmock.Provider) *app.SessionManager {
	t.Helper()
	orch := orchestrator.New(llmProv, ttsProv, nil, nil)
	return app.NewSessionManager(app.SessionManagerConfig{
		Session: config.SessionConfig{
			SystemPrompt: "You are a helpful voice assistant.",
			HistoryLimit: 8,
			Voice:        config.VoiceConfig{Provider: "mock", VoiceID: "v1"},
			Sampling:     config.SamplingConfig{Temperature: 0.7, MaxTokens: 128},
		},
		Orchestrator: orch,
		STT:          sttProv,
		VAD:          &vadmock.Engine{},
		VADParams:    ivad.DefaultParams(),
		AudioFormat:  audio.Format{SampleRate: 16000, Channels: 1},
		Store:        session.NewMemoryStore(),
	})
}

func TestSessionManager_HelloThenClose(t *testing.T) {
	sm := newBareSessionManager(t, &llmmock.Provider{}, &ttsmock.Provider{}, &sttmock.Provider{})
	url := newTestServer(t, sm)
	client := dialTestClient(t, url)

	client.send(protocol.TypeHello, protocol.HelloPayload{AcceptedVersions: []string{protocol.ProtocolVersion}})
	ready := client.readUntil(5*time.Second, nil, protocol.TypeReady)

	var readyPayload protocol.ReadyPayload
	if err := json.Unmarshal(ready.Payload, &readyPayload); err != nil {
		t.Fatalf("unmarshal ready payload: %v", err)
	}
	if readyPayload.SessionID == "" {
		t.Error("ready payload: expected a non-empty session id")
	}
	if readyPayload.ReconnectToken == "" {
		t.Error("ready payload: expected a non-empty reconnect token")
	}
	if sm.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1 after hello", sm.ActiveCount())
	}

	client.send(protocol.TypeClose, struct{}{})

	deadline := time.Now().Add(2 * time.Second)
	for sm.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sm.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0 after close", got)
	}
}

func TestSessionManager_HelloUnknownPlaybookFails(t *testing.T) {
	sm := newBareSessionManager(t, &llmmock.Provider{}, &ttsmock.Provider{}, &sttmock.Provider{})
	url := newTestServer(t, sm)
	client := dialTestClient(t, url)

	client.send(protocol.TypeHello, protocol.HelloPayload{
		AcceptedVersions: []string{protocol.ProtocolVersion},
		PlaybookID:       "does-not-exist",
	})
	errEnv := client.readUntil(5*time.Second, nil, protocol.TypeError)

	var payload protocol.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != protocol.ErrInternal {
		t.Errorf("error code = %q, want %q", payload.Code, protocol.ErrInternal)
	}
}

func TestSessionManager_BareTurnEndToEnd(t *testing.T) {
	sttSession := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	sttProv := &sttmock.Provider{Session: sttSession}
	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello! "}, {Text: "How can I help?"}},
	}
	ttsProv := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("pcm-bytes-1"), []byte("pcm-bytes-2")},
	}

	sm := newBareSessionManager(t, llmProv, ttsProv, sttProv)
	url := newTestServer(t, sm)
	client := dialTestClient(t, url)

	client.send(protocol.TypeHello, protocol.HelloPayload{AcceptedVersions: []string{protocol.ProtocolVersion}})
	ready := client.readUntil(5*time.Second, nil, protocol.TypeReady)
	var readyPayload protocol.ReadyPayload
	if err := json.Unmarshal(ready.Payload, &readyPayload); err != nil {
		t.Fatalf("unmarshal ready payload: %v", err)
	}

	sttSession.FinalsCh <- types.Transcript{Text: "what's the weather", IsFinal: true, Confidence: 0.9}

	audioFrames := 0
	transcript := client.readUntil(5*time.Second, &audioFrames, protocol.TypeTranscript)
	var transcriptPayload protocol.TranscriptPayload
	if err := json.Unmarshal(transcript.Payload, &transcriptPayload); err != nil {
		t.Fatalf("unmarshal transcript payload: %v", err)
	}
	if transcriptPayload.Text != "what's the weather" {
		t.Errorf("transcript text = %q, want %q", transcriptPayload.Text, "what's the weather")
	}

	complete := client.readUntil(5*time.Second, &audioFrames, protocol.TypeTurnComplete)
	var completePayload protocol.TurnCompletePayload
	if err := json.Unmarshal(complete.Payload, &completePayload); err != nil {
		t.Fatalf("unmarshal turn_complete payload: %v", err)
	}
	if completePayload.Cancelled {
		t.Error("turn_complete: expected Cancelled=false for an uninterrupted turn")
	}
	if audioFrames == 0 {
		t.Error("expected at least one binary audio frame before turn_complete")
	}
	if len(llmProv.StreamCalls) != 1 {
		t.Errorf("LLM StreamCompletion calls = %d, want 1", len(llmProv.StreamCalls))
	}
	if len(ttsProv.SynthesizeStreamCalls) != 1 {
		t.Errorf("TTS SynthesizeStream calls = %d, want 1", len(ttsProv.SynthesizeStreamCalls))
	}

	client.send(protocol.TypeClose, struct{}{})
}

// TestSessionManager_BareTurnWhitespaceTranscriptSkipsLLM verifies that a
// final transcript consisting only of whitespace is admitted as a
// transcript event but never reaches the LLM/TTS phases (§4.4 step 3).
func TestSessionManager_BareTurnWhitespaceTranscriptSkipsLLM(t *testing.T) {
	sttSession := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	sttProv := &sttmock.Provider{Session: sttSession}
	llmProv := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello! "}, {Text: "How can I help?"}},
	}
	ttsProv := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("pcm-bytes-1")},
	}

	sm := newBareSessionManager(t, llmProv, ttsProv, sttProv)
	url := newTestServer(t, sm)
	client := dialTestClient(t, url)

	client.send(protocol.TypeHello, protocol.HelloPayload{AcceptedVersions: []string{protocol.ProtocolVersion}})
	client.readUntil(5*time.Second, nil, protocol.TypeReady)

	sttSession.FinalsCh <- types.Transcript{Text: "   \t\n  ", IsFinal: true, Confidence: 0.9}
	sttSession.FinalsCh <- types.Transcript{Text: "what's the weather", IsFinal: true, Confidence: 0.9}

	audioFrames := 0
	whitespaceTranscript := client.readUntil(5*time.Second, &audioFrames, protocol.TypeTranscript)
	var whitespacePayload protocol.TranscriptPayload
	if err := json.Unmarshal(whitespaceTranscript.Payload, &whitespacePayload); err != nil {
		t.Fatalf("unmarshal transcript payload: %v", err)
	}
	if strings.TrimSpace(whitespacePayload.Text) != "" {
		t.Fatalf("expected the first transcript event to carry the whitespace-only text, got %q", whitespacePayload.Text)
	}

	// No turn_complete is produced for the skipped turn, so the next text
	// envelope on the wire is the real turn's transcript event, followed by
	// its turn_complete.
	client.readUntil(5*time.Second, &audioFrames, protocol.TypeTranscript)
	complete := client.readUntil(5*time.Second, &audioFrames, protocol.TypeTurnComplete)
	var completePayload protocol.TurnCompletePayload
	if err := json.Unmarshal(complete.Payload, &completePayload); err != nil {
		t.Fatalf("unmarshal turn_complete payload: %v", err)
	}
	if completePayload.Cancelled {
		t.Error("turn_complete: expected Cancelled=false for the real turn")
	}
	if len(llmProv.StreamCalls) != 1 {
		t.Errorf("LLM StreamCompletion calls = %d, want 1 (the whitespace-only transcript must not trigger one)", len(llmProv.StreamCalls))
	}

	client.send(protocol.TypeClose, struct{}{})
}
