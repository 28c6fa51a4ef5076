package models

import (
	"fmt"
	"strings"
)

// Phase is the coarse grouping of onboarding steps.
type Phase string

const (
	PhaseAssessment   Phase = "assessment"
	PhaseGoalSetting  Phase = "goal_setting"
	PhasePlanCreation Phase = "plan_creation"
	PhaseComplete     Phase = "complete"
)

// Step is the fine-grained position within onboarding.
type Step string

const (
	StepStart               Step = "start"
	StepWeekHighlight       Step = "week_highlight"
	StepPersonalityDeepDive Step = "personality_deep_dive"
	StepVisionStatement     Step = "vision_statement"
	StepWeaknesses          Step = "weaknesses"
	StepHabits              Step = "habits"
	StepPlanGeneration      Step = "plan_generation"
	StepComplete            Step = "complete"
)

// stepSequence is the fixed onboarding order. Index order is the monotonic order.
var stepSequence = []Step{
	StepStart,
	StepWeekHighlight,
	StepPersonalityDeepDive,
	StepVisionStatement,
	StepWeaknesses,
	StepHabits,
	StepPlanGeneration,
	StepComplete,
}

// Steps returns the onboarding steps in order.
func Steps() []Step {
	out := make([]Step, len(stepSequence))
	copy(out, stepSequence)
	return out
}

// ParseStep converts a persisted step name into a Step.
func ParseStep(s string) (Step, error) {
	step := Step(strings.ToLower(strings.TrimSpace(s)))
	if !step.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStep, s)
	}
	return step, nil
}

// IsValid reports whether s is one of the known steps.
func (s Step) IsValid() bool {
	return s.index() >= 0
}

func (s Step) index() int {
	for i, candidate := range stepSequence {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the successor along the fixed sequence. Complete is terminal and
// returns itself; an unknown step restarts at StepStart.
func (s Step) Next() Step {
	i := s.index()
	switch {
	case i < 0:
		return StepStart
	case i == len(stepSequence)-1:
		return s
	default:
		return stepSequence[i+1]
	}
}

// Successors returns the complete set of steps reachable from s in one turn.
// Every step may stay where it is (provider failure or bounded repetition)
// except start, which always advances.
func (s Step) Successors() []Step {
	switch s {
	case StepStart:
		return []Step{StepWeekHighlight}
	case StepComplete:
		return []Step{StepComplete}
	default:
		if !s.IsValid() {
			return nil
		}
		return []Step{s, s.Next()}
	}
}

// CanTransition reports whether moving from s to next is allowed by the table.
func (s Step) CanTransition(next Step) bool {
	for _, candidate := range s.Successors() {
		if candidate == next {
			return true
		}
	}
	return false
}

// Phase returns the phase a step belongs to.
func (s Step) Phase() Phase {
	switch s {
	case StepVisionStatement, StepWeaknesses, StepHabits:
		return PhaseGoalSetting
	case StepPlanGeneration:
		return PhasePlanCreation
	case StepComplete:
		return PhaseComplete
	default:
		return PhaseAssessment
	}
}

// Action is a follow-on instruction emitted by a turn.
type Action string

const (
	ActionWaitForResponse Action = "wait_for_response"
	ActionGeneratePlan    Action = "generate_plan"
	ActionGenerateNewPlan Action = "generate_new_plan"
	ActionSendMotivation  Action = "send_motivation"
	ActionNoReply         Action = "no_reply"
)

// ParseAction converts a provider-supplied action name. Unknown or empty
// values map to ActionWaitForResponse with ok=false.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionWaitForResponse, ActionGeneratePlan, ActionGenerateNewPlan, ActionSendMotivation, ActionNoReply:
		return a, true
	default:
		return ActionWaitForResponse, false
	}
}

// CommunicationStyle is how the coach should address the user.
type CommunicationStyle string

const (
	StyleDirect       CommunicationStyle = "direct"
	StyleSupportive   CommunicationStyle = "supportive"
	StyleAnalytical   CommunicationStyle = "analytical"
	StyleMotivational CommunicationStyle = "motivational"
	StyleCasual       CommunicationStyle = "casual"
	StyleFormal       CommunicationStyle = "formal"
	StyleEncouraging  CommunicationStyle = "encouraging"
	StyleChallenging  CommunicationStyle = "challenging"
)

// ParseCommunicationStyle normalizes a style name; ok is false for values
// outside the fixed set.
func ParseCommunicationStyle(s string) (CommunicationStyle, bool) {
	switch style := CommunicationStyle(strings.ToLower(strings.TrimSpace(s))); style {
	case StyleDirect, StyleSupportive, StyleAnalytical, StyleMotivational,
		StyleCasual, StyleFormal, StyleEncouraging, StyleChallenging:
		return style, true
	default:
		return "", false
	}
}
