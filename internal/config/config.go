// Package config loads coaching behavior settings: deep-dive bounds, phrase sets,
// knowledge retrieval limits, check-in schedules and the fixed message catalogue.
//
// Settings are read from an optional YAML file; keys the file omits keep their defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when loaded settings fail validation.
var ErrInvalidConfig = errors.New("invalid coaching config")

// Config holds coaching behavior settings.
type Config struct {
	SystemName           string    `yaml:"system_name"`
	MaxDeepDiveQuestions int       `yaml:"max_deep_dive_questions"`
	MaxQuestionsPerReply int       `yaml:"max_questions_per_reply"`
	AutoSilenceOnAck     bool      `yaml:"auto_silence_on_ack"`
	StopPhrases          []string  `yaml:"stop_follow_up_phrases"`
	AckPhrases           []string  `yaml:"acknowledgement_phrases"`
	Knowledge            Knowledge `yaml:"knowledge"`
	CheckIns             CheckIns  `yaml:"check_ins"`
	Messages             Messages  `yaml:"messages"`
}

// Knowledge configures the local knowledge retriever.
type Knowledge struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir"`
	MaxContextChars int    `yaml:"max_context_chars"`
}

// CheckIns configures scheduled check-ins. Schedules use 5-field cron syntax.
type CheckIns struct {
	Enabled        bool   `yaml:"enabled"`
	MorningCron    string `yaml:"morning_cron"`
	EveningCron    string `yaml:"evening_cron"`
	RegeneratePlan bool   `yaml:"regenerate_plan_in_evening"`
	// Timezone is an IANA zone name for the schedules; empty means the host's local zone.
	Timezone string `yaml:"timezone"`
}

// Location resolves Timezone. It returns time.Local when Timezone is empty.
func (c CheckIns) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(strings.TrimSpace(c.Timezone))
}

// Messages is the fixed reply catalogue. Welcome may contain {system_name}.
type Messages struct {
	Welcome           string `yaml:"welcome"`
	ParsingError      string `yaml:"parsing_error"`
	FallbackQuestion  string `yaml:"fallback_question"`
	VisionPrompt      string `yaml:"vision_prompt"`
	WeaknessesPrompt  string `yaml:"weaknesses_prompt"`
	HabitsPrompt      string `yaml:"habits_prompt"`
	BuildingPlan      string `yaml:"building_plan"`
	StillWorking      string `yaml:"still_working"`
	PlanFailure       string `yaml:"plan_failure"`
	NewPlanFailure    string `yaml:"new_plan_failure"`
	LockItIn          string `yaml:"lock_it_in"`
	Hiccup            string `yaml:"hiccup"`
	NoPlan            string `yaml:"no_plan"`
	DefaultMotivation string `yaml:"default_motivation"`
	MorningCheckIn    string `yaml:"morning_check_in"`
	EveningReflection string `yaml:"evening_reflection"`
}

// Default returns the built-in coaching settings.
func Default() Config {
	return Config{
		SystemName:           "Catalyst",
		MaxDeepDiveQuestions: 3,
		MaxQuestionsPerReply: 1,
		AutoSilenceOnAck:     true,
		StopPhrases: []string{
			"move on", "let's move on", "lets move on", "enough", "next",
			"stop", "that's all", "thats all", "skip", "we can continue",
		},
		AckPhrases: []string{
			"ok", "okay", "k", "kk", "cool", "nice", "thanks", "thank you",
			"got it", "noted", "done", "great", "awesome", "👍", "👌", "🙌",
		},
		Knowledge: Knowledge{
			Enabled:         true,
			Dir:             "knowledge",
			MaxContextChars: 1400,
		},
		CheckIns: CheckIns{
			Enabled:        true,
			MorningCron:    "0 9 * * *",
			EveningCron:    "0 20 * * *",
			RegeneratePlan: true,
		},
		Messages: Messages{
			Welcome:           "Hey! I'm {system_name}, your AI coach. What was the highlight of your past week?",
			ParsingError:      "My circuits are a bit scrambled. Could you try again?",
			FallbackQuestion:  "What part of that matters most to you?",
			VisionPrompt:      "Based on what I've learned about you, describe your ideal self 5 years from now. Be specific about daily routines, achievements, and how you'll feel.",
			WeaknessesPrompt:  "Now, what are your biggest weaknesses that might hold you back from this vision?",
			HabitsPrompt:      "What bad habits do you need to break to become this person?",
			BuildingPlan:      "Great. Let's create your plan. Give me a sec...",
			StillWorking:      "Still working on your plan. Give me a sec...",
			PlanFailure:       "Plan creation hit a snag. Send me any message and I'll try again.",
			NewPlanFailure:    "I couldn't put together a new plan just now, so today's plan stays as it is. Ask me again later for a fresh one.",
			LockItIn:          "Okay, lock it in. Update me when it's done.",
			Hiccup:            "I'm having a hiccup. Let's keep it simple. What's one small step you want to take next?",
			NoPlan:            "🚀 Quick boost: Stay consistent. Small wins compound. What's the one thing you'll do next?",
			DefaultMotivation: "Stay consistent. Small wins compound.",
			MorningCheckIn:    "Good morning! Here are your tasks for today:",
			EveningReflection: "How did today's tasks go? Let's reflect on what worked and what we can improve.",
		},
	}
}

// Load reads settings from path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	slog.Info("config.Load: loaded coaching config", "path", path, "systemName", cfg.SystemName)
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values for keys the document omits, then validates.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	return cfg.Validate()
}

func (c *Config) normalize() {
	c.StopPhrases = lowerAll(c.StopPhrases)
	c.AckPhrases = lowerAll(c.AckPhrases)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks numeric bounds and required messages.
func (c Config) Validate() error {
	var problems []string
	if c.MaxDeepDiveQuestions < 1 {
		problems = append(problems, "max_deep_dive_questions must be at least 1")
	}
	if c.MaxQuestionsPerReply < 1 {
		problems = append(problems, "max_questions_per_reply must be at least 1")
	}
	if c.Knowledge.Enabled && c.Knowledge.MaxContextChars < 1 {
		problems = append(problems, "knowledge.max_context_chars must be positive")
	}
	if c.CheckIns.Enabled && (c.CheckIns.MorningCron == "" || c.CheckIns.EveningCron == "") {
		problems = append(problems, "check_ins schedules are required when check-ins are enabled")
	}
	if _, err := c.CheckIns.Location(); err != nil {
		problems = append(problems, "check_ins.timezone: "+err.Error())
	}
	required := map[string]string{
		"welcome":          c.Messages.Welcome,
		"parsing_error":    c.Messages.ParsingError,
		"vision_prompt":    c.Messages.VisionPrompt,
		"plan_failure":     c.Messages.PlanFailure,
		"new_plan_failure": c.Messages.NewPlanFailure,
		"hiccup":           c.Messages.Hiccup,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, "messages."+key+" must not be empty")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// WelcomeMessage renders the welcome text with the system name.
func (c Config) WelcomeMessage() string {
	return strings.ReplaceAll(c.Messages.Welcome, "{system_name}", c.SystemName)
}
