package config_test

import (
	"testing"

	"github.com/llmrtc/llmrtc/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Playbooks: []config.PlaybookConfig{
			{ID: "support", Initial: "a", Stages: []config.StageConfig{{ID: "a", SystemPrompt: "hi"}}},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.PlaybooksChanged {
		t.Error("expected PlaybooksChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.PlaybookChanges) != 0 {
		t.Errorf("expected 0 playbook changes, got %d", len(d.PlaybookChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SessionChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Session: config.SessionConfig{SystemPrompt: "a"}}
	new := &config.Config{Session: config.SessionConfig{SystemPrompt: "b"}}

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Error("expected SessionChanged=true")
	}
}

func TestDiff_StagePromptChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Playbooks: []config.PlaybookConfig{
			{ID: "p", Stages: []config.StageConfig{{ID: "a", SystemPrompt: "grumpy"}}},
		},
	}
	new := &config.Config{
		Playbooks: []config.PlaybookConfig{
			{ID: "p", Stages: []config.StageConfig{{ID: "a", SystemPrompt: "cheerful"}}},
		},
	}

	d := config.Diff(old, new)
	if !d.PlaybooksChanged {
		t.Error("expected PlaybooksChanged=true")
	}
	if len(d.PlaybookChanges) != 1 {
		t.Fatalf("expected 1 playbook change, got %d", len(d.PlaybookChanges))
	}
	if !d.PlaybookChanges[0].StagesChanged {
		t.Error("expected StagesChanged=true")
	}
	if d.PlaybookChanges[0].TransitionsChanged {
		t.Error("expected TransitionsChanged=false")
	}
}

func TestDiff_TransitionsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Playbooks: []config.PlaybookConfig{
			{ID: "p", Transitions: []config.TransitionConfig{{From: "a", To: "b", Source: "max_turns", MaxTurns: 3}}},
		},
	}
	new := &config.Config{
		Playbooks: []config.PlaybookConfig{
			{ID: "p", Transitions: []config.TransitionConfig{{From: "a", To: "b", Source: "max_turns", MaxTurns: 5}}},
		},
	}

	d := config.Diff(old, new)
	if !d.PlaybooksChanged {
		t.Error("expected PlaybooksChanged=true")
	}
	found := false
	for _, pc := range d.PlaybookChanges {
		if pc.ID == "p" && pc.TransitionsChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected p's TransitionsChanged=true")
	}
}

func TestDiff_PlaybookAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Playbooks: []config.PlaybookConfig{{ID: "support"}},
	}
	new := &config.Config{
		Playbooks: []config.PlaybookConfig{{ID: "support"}, {ID: "sales"}},
	}

	d := config.Diff(old, new)
	if !d.PlaybooksChanged {
		t.Error("expected PlaybooksChanged=true")
	}
	found := false
	for _, pc := range d.PlaybookChanges {
		if pc.ID == "sales" && pc.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected sales Added=true")
	}
}

func TestDiff_PlaybookRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Playbooks: []config.PlaybookConfig{{ID: "support"}, {ID: "sales"}},
	}
	new := &config.Config{
		Playbooks: []config.PlaybookConfig{{ID: "support"}},
	}

	d := config.Diff(old, new)
	if !d.PlaybooksChanged {
		t.Error("expected PlaybooksChanged=true")
	}
	found := false
	for _, pc := range d.PlaybookChanges {
		if pc.ID == "sales" && pc.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected sales Removed=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogLevelInfo},
		Playbooks: []config.PlaybookConfig{{ID: "a"}, {ID: "b"}},
	}
	new := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogLevelWarn},
		Playbooks: []config.PlaybookConfig{{ID: "a", Initial: "x"}, {ID: "c"}},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.PlaybooksChanged {
		t.Error("expected PlaybooksChanged=true")
	}
	changes := make(map[string]config.PlaybookDiff)
	for _, pc := range d.PlaybookChanges {
		changes[pc.ID] = pc
	}
	if !changes["b"].Removed {
		t.Error("expected b Removed=true")
	}
	if !changes["c"].Added {
		t.Error("expected c Added=true")
	}
}
