package models

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"
)

// Error variables for state and plan handling.
var (
	ErrUnknownStep    = errors.New("unknown onboarding step")
	ErrInvalidPlan    = errors.New("invalid plan")
	ErrEmptyUtterance = errors.New("utterance cannot be empty")
	ErrEmptyConvID    = errors.New("conversation id cannot be empty")
	ErrBadTransition  = errors.New("step transition not in table")
)

// DefaultName is used when no name can be derived from the first utterance.
const DefaultName = "User"

// Profile holds what the coach has learned about the user.
type Profile struct {
	Name               string             `json:"name"`
	PersonalityTraits  []string           `json:"personality_traits"`
	CommunicationStyle CommunicationStyle `json:"communication_style"`
	MotivationFactors  []string           `json:"motivation_factors"`
	Interests          []string           `json:"interests"`
	ProgressNotes      string             `json:"progress_notes,omitempty"`
}

// Onboarding tracks position in the onboarding state machine.
type Onboarding struct {
	Phase         Phase           `json:"phase"`
	Step          Step            `json:"step"`
	DeepDiveCount int             `json:"deep_dive_count"`
	Responses     map[Step]string `json:"responses"`
}

// Goals holds the user's goal-setting answers.
type Goals struct {
	VisionStatement string `json:"vision_statement,omitempty"`
	Weaknesses      string `json:"weaknesses,omitempty"`
	BadHabits       string `json:"bad_habits,omitempty"`
}

// Progress is maintained by check-in collaborators; the core never mutates it.
type Progress struct {
	StreakDays          int `json:"streak_days"`
	TotalTasksCompleted int `json:"total_tasks_completed"`
	WeeklyGoalsMet      int `json:"weekly_goals_met"`
}

// ConversationState is the full state document for one conversation id.
type ConversationState struct {
	ConversationID string     `json:"conversation_id"`
	Profile        Profile    `json:"profile"`
	Onboarding     Onboarding `json:"onboarding"`
	Goals          Goals      `json:"goals"`
	DailyPlan      *Plan      `json:"daily_plan,omitempty"`
	Progress       Progress   `json:"progress"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewConversationState returns the default state for an unknown conversation id.
func NewConversationState(conversationID string) *ConversationState {
	now := time.Now().UTC()
	return &ConversationState{
		ConversationID: conversationID,
		Profile:        DefaultProfile(""),
		Onboarding: Onboarding{
			Phase:     PhaseAssessment,
			Step:      StepStart,
			Responses: make(map[Step]string),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultProfile returns an empty profile with the default communication style.
func DefaultProfile(name string) Profile {
	if name == "" {
		name = DefaultName
	}
	return Profile{
		Name:               name,
		PersonalityTraits:  []string{},
		CommunicationStyle: StyleDirect,
		MotivationFactors:  []string{},
		Interests:          []string{},
	}
}

// NameFromUtterance takes the first word of an utterance as the user's name.
func NameFromUtterance(utterance string) string {
	fields := strings.Fields(utterance)
	if len(fields) == 0 {
		return DefaultName
	}
	return fields[0]
}

// HasPlan reports whether a daily plan is stored.
func (s *ConversationState) HasPlan() bool {
	return s != nil && s.DailyPlan != nil
}

// RecordResponse stores the raw utterance for the given step.
func (s *ConversationState) RecordResponse(step Step, utterance string) {
	if s.Onboarding.Responses == nil {
		s.Onboarding.Responses = make(map[Step]string)
	}
	s.Onboarding.Responses[step] = utterance
}

// MoveTo sets the step and the phase that step belongs to.
func (s *ConversationState) MoveTo(step Step) {
	s.Onboarding.Step = step
	s.Onboarding.Phase = step.Phase()
}

// MergeInsights folds personality signals into the profile. Lists are merged as
// ordered sets; an invalid communication style is ignored.
func (p *Profile) MergeInsights(traits, interests, motivationFactors []string, style string) {
	p.PersonalityTraits = MergeOrderedSet(p.PersonalityTraits, traits)
	p.Interests = MergeOrderedSet(p.Interests, interests)
	p.MotivationFactors = MergeOrderedSet(p.MotivationFactors, motivationFactors)
	if parsed, ok := ParseCommunicationStyle(style); ok {
		p.CommunicationStyle = parsed
	}
}

// MergeOrderedSet appends items not already present (case-insensitive), keeping
// first-seen order and dropping blanks.
func MergeOrderedSet(existing, additions []string) []string {
	seen := make(map[string]bool, len(existing)+len(additions))
	out := make([]string, 0, len(existing)+len(additions))
	for _, list := range [][]string{existing, additions} {
		for _, item := range list {
			item = strings.TrimSpace(item)
			key := strings.ToLower(item)
			if item == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}

// Clone returns a deep copy so a turn can be abandoned without touching the original.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.Profile.PersonalityTraits = slices.Clone(s.Profile.PersonalityTraits)
	c.Profile.MotivationFactors = slices.Clone(s.Profile.MotivationFactors)
	c.Profile.Interests = slices.Clone(s.Profile.Interests)
	c.Onboarding.Responses = maps.Clone(s.Onboarding.Responses)
	if s.DailyPlan != nil {
		plan := *s.DailyPlan
		plan.Tasks = slices.Clone(s.DailyPlan.Tasks)
		c.DailyPlan = &plan
	}
	if s.LastSeen != nil {
		t := *s.LastSeen
		c.LastSeen = &t
	}
	return &c
}

// Normalize repairs a loaded document: nil maps and slices are allocated, and
// an unknown step restarts onboarding. It returns ErrUnknownStep when a reset happened.
func (s *ConversationState) Normalize() error {
	if s.Onboarding.Responses == nil {
		s.Onboarding.Responses = make(map[Step]string)
	}
	if s.Profile.PersonalityTraits == nil {
		s.Profile.PersonalityTraits = []string{}
	}
	if s.Profile.MotivationFactors == nil {
		s.Profile.MotivationFactors = []string{}
	}
	if s.Profile.Interests == nil {
		s.Profile.Interests = []string{}
	}
	if s.Onboarding.DeepDiveCount < 0 {
		s.Onboarding.DeepDiveCount = 0
	}
	step, err := ParseStep(string(s.Onboarding.Step))
	if err != nil {
		s.MoveTo(StepStart)
		return err
	}
	s.MoveTo(step)
	return nil
}
