package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.MaxDeepDiveQuestions != 3 || cfg.MaxQuestionsPerReply != 1 || !cfg.AutoSilenceOnAck {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.WelcomeMessage(); got != "Hey! I'm Catalyst, your AI coach. What was the highlight of your past week?" {
		t.Errorf("welcome = %q", got)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SystemName != "Catalyst" {
		t.Errorf("expected defaults, got %q", cfg.SystemName)
	}
}

func TestLoadKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	doc := `
system_name: Nova
max_deep_dive_questions: 5
acknowledgement_phrases: ["OK", " Sure "]
knowledge:
  dir: /srv/knowledge
messages:
  lock_it_in: "Locked."
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SystemName != "Nova" || cfg.MaxDeepDiveQuestions != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.MaxQuestionsPerReply != 1 || !cfg.AutoSilenceOnAck {
		t.Errorf("omitted keys lost their defaults: %+v", cfg)
	}
	if len(cfg.AckPhrases) != 2 || cfg.AckPhrases[0] != "ok" || cfg.AckPhrases[1] != "sure" {
		t.Errorf("ack phrases not normalized: %v", cfg.AckPhrases)
	}
	if cfg.Knowledge.Dir != "/srv/knowledge" || cfg.Knowledge.MaxContextChars != 1400 {
		t.Errorf("knowledge = %+v", cfg.Knowledge)
	}
	if cfg.Messages.LockItIn != "Locked." || cfg.Messages.ParsingError == "" {
		t.Errorf("messages = %+v", cfg.Messages)
	}
	if len(cfg.StopPhrases) != 10 {
		t.Errorf("stop phrases should keep defaults, got %v", cfg.StopPhrases)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"zero deep dive", "max_deep_dive_questions: 0\n", ErrInvalidConfig},
		{"empty welcome", "messages:\n  welcome: \"\"\n", ErrInvalidConfig},
		{"missing cron", "check_ins:\n  morning_cron: \"\"\n", ErrInvalidConfig},
		{"unknown timezone", "check_ins:\n  timezone: Mars/Olympus\n", ErrInvalidConfig},
		{"bad yaml", "max_deep_dive_questions: [1\n", nil},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, string(rune('a'+i))+".yaml")
			if err := os.WriteFile(path, []byte(tt.doc), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCheckInLocation(t *testing.T) {
	loc, err := CheckIns{}.Location()
	if err != nil || loc != time.Local {
		t.Errorf("empty timezone = %v, %v; want Local", loc, err)
	}
	loc, err = CheckIns{Timezone: " UTC "}.Location()
	if err != nil || loc.String() != "UTC" {
		t.Errorf("UTC timezone = %v, %v", loc, err)
	}
}
