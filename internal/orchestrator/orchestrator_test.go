package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

type recordingEmitter struct {
	llmChunks       []string
	finalText       string
	ttsStarted      bool
	ttsChunks       [][]byte
	completed       bool
	cancelled       bool
	preTTSCancelled bool

	// onTTSStart, if set, runs synchronously from EmitTTSStart — used to
	// cancel the turn's context right as TTS begins, deterministically.
	onTTSStart func()
}

func (r *recordingEmitter) EmitLLMChunk(text string) { r.llmChunks = append(r.llmChunks, text) }
func (r *recordingEmitter) EmitLLM(text string)      { r.finalText = text }
func (r *recordingEmitter) EmitTTSStart() {
	r.ttsStarted = true
	if r.onTTSStart != nil {
		r.onTTSStart()
	}
}
func (r *recordingEmitter) EmitTTSChunk(a []byte, i int) {
	r.ttsChunks = append(r.ttsChunks, a)
}
func (r *recordingEmitter) EmitTTSComplete()  { r.completed = true }
func (r *recordingEmitter) EmitTTSCancelled() { r.cancelled = true }
func (r *recordingEmitter) EmitCancelled()    { r.preTTSCancelled = true }

func TestSpeakReplyHappyPath(t *testing.T) {
	llmProvider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there. "},
			{Text: "How can I help? ", FinishReason: "stop"},
		},
	}
	ttsProvider := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("frame1"), []byte("frame2")},
	}

	o := New(llmProvider, ttsProvider, nil, nil)
	turn := types.TurnContext{SessionID: "s1", TurnID: "t1", StartedAt: time.Now()}
	emit := &recordingEmitter{}

	msg, err := o.SpeakReply(context.Background(), turn, llm.CompletionRequest{}, types.VoiceProfile{ID: "v1"}, emit)
	if err != nil {
		t.Fatalf("SpeakReply returned error: %v", err)
	}
	if msg.Content == "" {
		t.Fatalf("expected assistant message content, got empty")
	}
	if !emit.ttsStarted || !emit.completed {
		t.Fatalf("expected tts start+complete events, got started=%v completed=%v", emit.ttsStarted, emit.completed)
	}
	if len(emit.ttsChunks) != 2 {
		t.Fatalf("expected 2 tts chunks, got %d", len(emit.ttsChunks))
	}
	if emit.finalText != msg.Content {
		t.Fatalf("emitted final text %q does not match message content %q", emit.finalText, msg.Content)
	}
}

func TestSpeakReplyNoTTSProvider(t *testing.T) {
	llmProvider := &llmmock.Provider{}
	o := New(llmProvider, nil, nil, nil)
	_, err := o.SpeakReply(context.Background(), types.TurnContext{}, llm.CompletionRequest{}, types.VoiceProfile{}, nil)
	if err != ErrNoTTSProvider {
		t.Fatalf("expected ErrNoTTSProvider, got %v", err)
	}
}

func TestSpeakReplyCancellation(t *testing.T) {
	llmProvider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "partial "}},
	}
	ttsProvider := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("frame1")},
	}
	o := New(llmProvider, ttsProvider, nil, nil)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(context.Canceled)

	emit := &recordingEmitter{}
	_, err := o.SpeakReply(ctx, types.TurnContext{SessionID: "s1", TurnID: "t1"}, llm.CompletionRequest{}, types.VoiceProfile{}, emit)
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if !emit.preTTSCancelled {
		t.Fatalf("expected EmitCancelled to be called since TTS never started")
	}
	if emit.cancelled {
		t.Fatalf("did not expect EmitTTSCancelled since TTS never started")
	}
}

func TestSpeakReplyCancellationAfterTTSStart(t *testing.T) {
	llmProvider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "partial "}},
	}
	ttsProvider := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("frame1")},
	}
	o := New(llmProvider, ttsProvider, nil, nil)

	ctx, cancel := context.WithCancelCause(context.Background())
	emit := &recordingEmitter{onTTSStart: func() { cancel(context.Canceled) }}

	_, err := o.SpeakReply(ctx, types.TurnContext{SessionID: "s1", TurnID: "t1"}, llm.CompletionRequest{}, types.VoiceProfile{}, emit)
	if err == nil {
		t.Fatalf("expected error from cancelled context")
	}
	if !emit.cancelled {
		t.Fatalf("expected EmitTTSCancelled to be called since TTS had already started")
	}
	if emit.preTTSCancelled {
		t.Fatalf("did not expect EmitCancelled since TTS had already started")
	}
}

func TestPromptDetectsToolCalls(t *testing.T) {
	llmProvider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup", Arguments: "{}"}},
		},
	}
	o := New(llmProvider, nil, nil, nil)
	resp, err := o.Prompt(context.Background(), types.TurnContext{SessionID: "s1", TurnID: "t1"}, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
}
