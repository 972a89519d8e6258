package config_test

import (
	"strings"
	"testing"

	"github.com/llmrtc/llmrtc/internal/config"
)

func TestValidate_DuplicatePlaybookIDs(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai}
  stt: {name: whisper-native}
  tts: {name: elevenlabs}
playbooks:
  - id: support
    initial: a
    stages: [{id: a}]
  - id: support
    initial: a
    stages: [{id: a}]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate playbook ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_DuplicateStageIDs(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai}
  stt: {name: whisper-native}
  tts: {name: elevenlabs}
playbooks:
  - id: support
    initial: a
    stages: [{id: a}, {id: a}]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate stage ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate stage") {
		t.Errorf("error should mention duplicate stage, got: %v", err)
	}
}

func TestValidate_InitialStageMustResolve(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai}
  stt: {name: whisper-native}
  tts: {name: elevenlabs}
playbooks:
  - id: support
    initial: ghost
    stages: [{id: a}]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unresolved initial stage, got nil")
	}
	if !strings.Contains(err.Error(), "initial") {
		t.Errorf("error should mention initial, got: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
playbooks:
  - initial: a
    stages: [{id: a}, {id: a}]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "providers.llm") {
		t.Errorf("error should mention providers.llm, got: %v", err)
	}
	if !strings.Contains(errStr, "duplicate stage") {
		t.Errorf("error should mention duplicate stage, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}

func TestValidate_AudioCodecMustBeKnown(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai}
  stt: {name: whisper-native}
  tts: {name: elevenlabs}
session:
  audio_codec: mulaw
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown session.audio_codec, got nil")
	}
	if !strings.Contains(err.Error(), "audio_codec") {
		t.Errorf("error should mention audio_codec, got: %v", err)
	}
}

func TestValidate_AudioCodecOpusAccepted(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai}
  stt: {name: whisper-native}
  tts: {name: elevenlabs}
session:
  audio_codec: opus
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error for session.audio_codec: opus: %v", err)
	}
}
