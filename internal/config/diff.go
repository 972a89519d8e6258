package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; per §6, a config
// change applies only to subsequent turns, never to one already in flight.
type ConfigDiff struct {
	SessionChanged   bool
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	PlaybooksChanged bool
	PlaybookChanges  []PlaybookDiff
}

// PlaybookDiff describes what changed for a single playbook between two configs.
type PlaybookDiff struct {
	ID      string
	Added   bool
	Removed bool

	// StagesChanged is true if any stage's prompt, tools, or iteration cap
	// changed, or any stage was added/removed.
	StagesChanged bool

	// TransitionsChanged is true if the edge list differs.
	TransitionsChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanged = old.Session.SystemPrompt != new.Session.SystemPrompt ||
		old.Session.HistoryLimit != new.Session.HistoryLimit ||
		old.Session.PlaybookHistoryLimit != new.Session.PlaybookHistoryLimit ||
		old.Session.Voice != new.Session.Voice ||
		old.Session.Sampling != new.Session.Sampling ||
		old.Session.StreamingTTS != new.Session.StreamingTTS ||
		old.Session.ReconnectGraceSeconds != new.Session.ReconnectGraceSeconds ||
		old.Session.Timeouts != new.Session.Timeouts ||
		old.Session.Chunker.MinSentenceChars != new.Session.Chunker.MinSentenceChars ||
		!slicesEqual(old.Session.Chunker.Terminators, new.Session.Chunker.Terminators)

	oldPlaybooks := make(map[string]*PlaybookConfig, len(old.Playbooks))
	for i := range old.Playbooks {
		oldPlaybooks[old.Playbooks[i].ID] = &old.Playbooks[i]
	}
	newPlaybooks := make(map[string]*PlaybookConfig, len(new.Playbooks))
	for i := range new.Playbooks {
		newPlaybooks[new.Playbooks[i].ID] = &new.Playbooks[i]
	}

	for id, oldPB := range oldPlaybooks {
		newPB, exists := newPlaybooks[id]
		if !exists {
			d.PlaybookChanges = append(d.PlaybookChanges, PlaybookDiff{ID: id, Removed: true})
			d.PlaybooksChanged = true
			continue
		}
		pd := diffPlaybook(id, oldPB, newPB)
		if pd.StagesChanged || pd.TransitionsChanged {
			d.PlaybookChanges = append(d.PlaybookChanges, pd)
			d.PlaybooksChanged = true
		}
	}
	for id := range newPlaybooks {
		if _, exists := oldPlaybooks[id]; !exists {
			d.PlaybookChanges = append(d.PlaybookChanges, PlaybookDiff{ID: id, Added: true})
			d.PlaybooksChanged = true
		}
	}

	return d
}

// diffPlaybook compares two playbook configs with the same id.
func diffPlaybook(id string, old, new *PlaybookConfig) PlaybookDiff {
	pd := PlaybookDiff{ID: id}

	if len(old.Stages) != len(new.Stages) {
		pd.StagesChanged = true
	} else {
		oldStages := make(map[string]StageConfig, len(old.Stages))
		for _, s := range old.Stages {
			oldStages[s.ID] = s
		}
		for _, s := range new.Stages {
			prev, ok := oldStages[s.ID]
			if !ok || prev.SystemPrompt != s.SystemPrompt ||
				!slicesEqual(prev.Tools, s.Tools) ||
				prev.MaxToolIterations != s.MaxToolIterations ||
				prev.TwoPhaseExecution != s.TwoPhaseExecution {
				pd.StagesChanged = true
				break
			}
		}
	}

	if len(old.Transitions) != len(new.Transitions) {
		pd.TransitionsChanged = true
	} else {
		for i := range old.Transitions {
			if old.Transitions[i] != new.Transitions[i] {
				pd.TransitionsChanged = true
				break
			}
		}
	}

	return pd
}

func slicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
