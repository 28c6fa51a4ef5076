// Package flow implements the coaching conversation core: the onboarding state
// machine, plan assembly, and per-conversation turn dispatch.
package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/insight"
	"github.com/BTreeMap/CoachPipe/internal/metrics"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Outcome is the result of one controller step.
type Outcome struct {
	Reply       string
	State       *models.ConversationState
	NextActions []models.Action
	// Failed is set when the insight provider failed and State is the unchanged input.
	Failed bool
}

// Controller is the onboarding and daily-execution state machine.
type Controller struct {
	provider    insight.Provider
	assembler   *PlanAssembler
	cfg         config.Config
	stopPhrases []string
	now         func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock overrides the controller clock.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates a Controller over the given provider and coaching settings.
func NewController(provider insight.Provider, cfg config.Config, opts ...ControllerOption) *Controller {
	c := &Controller{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, p := range cfg.StopPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.stopPhrases = append(c.stopPhrases, p)
		}
	}
	c.assembler = NewPlanAssembler(provider, c.now)
	return c
}

// Advance applies one inbound utterance to the state. The input state is never mutated.
func (c *Controller) Advance(ctx context.Context, state *models.ConversationState, utterance string) Outcome {
	next := state.Clone()
	step := next.Onboarding.Step
	slog.Debug("Controller.Advance", "conversationID", next.ConversationID, "step", step)

	switch step {
	case models.StepStart:
		return c.handleStart(next, utterance)
	case models.StepWeekHighlight:
		return c.handleWeekHighlight(ctx, state, next, utterance)
	case models.StepPersonalityDeepDive:
		return c.handleDeepDive(ctx, state, next, utterance)
	case models.StepVisionStatement, models.StepWeaknesses, models.StepHabits:
		return c.handleGoalSetting(next, utterance)
	case models.StepPlanGeneration:
		next.RecordResponse(step, utterance)
		return Outcome{Reply: c.cfg.Messages.StillWorking, State: next, NextActions: []models.Action{models.ActionGeneratePlan}}
	case models.StepComplete:
		return c.handleDailyExecution(ctx, state, next, utterance)
	default:
		slog.Warn("Controller.Advance: unknown step, restarting onboarding", "conversationID", next.ConversationID, "step", step)
		return c.handleStart(next, utterance)
	}
}

func (c *Controller) handleStart(next *models.ConversationState, utterance string) Outcome {
	next.Profile = models.DefaultProfile(models.NameFromUtterance(utterance))
	next.Onboarding = models.Onboarding{Responses: make(map[models.Step]string)}
	next.MoveTo(models.StepWeekHighlight)
	next.Goals = models.Goals{}
	next.Progress = models.Progress{}
	next.DailyPlan = nil
	return Outcome{Reply: c.cfg.WelcomeMessage(), State: next, NextActions: waitForResponse()}
}

func (c *Controller) handleWeekHighlight(ctx context.Context, prev, next *models.ConversationState, utterance string) Outcome {
	analysis, err := c.provider.AnalyzePersonality(ctx, utterance, prev)
	if err != nil {
		return c.providerFailure(prev, "analyze_personality", err)
	}
	next.RecordResponse(models.StepWeekHighlight, utterance)
	c.mergeAnalysis(next, analysis)
	next.MoveTo(models.StepPersonalityDeepDive)
	next.Onboarding.DeepDiveCount = 1
	return Outcome{Reply: c.followUp(analysis), State: next, NextActions: waitForResponse()}
}

func (c *Controller) handleDeepDive(ctx context.Context, prev, next *models.ConversationState, utterance string) Outcome {
	if c.wantsToStop(utterance) || next.Onboarding.DeepDiveCount >= c.cfg.MaxDeepDiveQuestions {
		next.RecordResponse(models.StepPersonalityDeepDive, utterance)
		next.MoveTo(models.StepVisionStatement)
		return Outcome{Reply: c.cfg.Messages.VisionPrompt, State: next, NextActions: waitForResponse()}
	}

	analysis, err := c.provider.AnalyzePersonality(ctx, utterance, prev)
	if err != nil {
		return c.providerFailure(prev, "analyze_personality", err)
	}
	next.RecordResponse(models.StepPersonalityDeepDive, utterance)
	c.mergeAnalysis(next, analysis)
	next.Onboarding.DeepDiveCount++
	return Outcome{Reply: c.followUp(analysis), State: next, NextActions: waitForResponse()}
}

func (c *Controller) handleGoalSetting(next *models.ConversationState, utterance string) Outcome {
	step := next.Onboarding.Step
	next.RecordResponse(step, utterance)

	switch step {
	case models.StepVisionStatement:
		next.Goals.VisionStatement = utterance
		next.MoveTo(models.StepWeaknesses)
		return Outcome{Reply: c.cfg.Messages.WeaknessesPrompt, State: next, NextActions: waitForResponse()}
	case models.StepWeaknesses:
		next.Goals.Weaknesses = utterance
		next.MoveTo(models.StepHabits)
		return Outcome{Reply: c.cfg.Messages.HabitsPrompt, State: next, NextActions: waitForResponse()}
	default:
		next.Goals.BadHabits = utterance
		next.MoveTo(models.StepPlanGeneration)
		return Outcome{Reply: c.cfg.Messages.BuildingPlan, State: next, NextActions: []models.Action{models.ActionGeneratePlan}}
	}
}

func (c *Controller) handleDailyExecution(ctx context.Context, prev, next *models.ConversationState, utterance string) Outcome {
	acc, err := c.provider.AccountabilityReply(ctx, utterance, prev)
	if err != nil {
		return c.providerFailure(prev, "accountability_reply", err)
	}
	next.RecordResponse(models.StepComplete, utterance)
	next.Profile.PersonalityTraits = models.MergeOrderedSet(next.Profile.PersonalityTraits, acc.NewTraits)
	if acc.ProgressNotes != "" {
		next.Profile.ProgressNotes = acc.ProgressNotes
	}

	if acc.NextAction == models.ActionNoReply {
		return Outcome{Reply: c.cfg.Messages.LockItIn, State: next, NextActions: waitForResponse()}
	}
	return Outcome{Reply: acc.Reply, State: next, NextActions: []models.Action{acc.NextAction}}
}

// GeneratePlan runs the plan assembler for a generate_plan or generate_new_plan action.
// On success the plan is stored and onboarding completes. On failure the state is
// returned unchanged. During onboarding generate_plan is re-emitted so the next
// utterance retries; after onboarding the current plan is kept and nothing is re-emitted.
func (c *Controller) GeneratePlan(ctx context.Context, state *models.ConversationState) Outcome {
	plan, err := c.assembler.Assemble(ctx, state)
	if err != nil {
		out := c.providerFailure(state, "generate_plan", err)
		if state.Onboarding.Step == models.StepComplete {
			out.Reply = c.cfg.Messages.NewPlanFailure
			return out
		}
		out.Reply = c.cfg.Messages.PlanFailure
		out.NextActions = []models.Action{models.ActionGeneratePlan}
		return out
	}
	next := state.Clone()
	next.DailyPlan = &plan
	next.MoveTo(models.StepComplete)
	metrics.RecordPlanGenerated()
	return Outcome{Reply: Render(plan), State: next, NextActions: waitForResponse()}
}

// Motivation renders the send_motivation message from the stored plan.
func (c *Controller) Motivation(state *models.ConversationState) string {
	if !state.HasPlan() {
		return c.cfg.Messages.NoPlan
	}
	return RenderMotivation(state.DailyPlan, c.cfg.Messages.DefaultMotivation, c.cfg.Messages.NoPlan)
}

func (c *Controller) providerFailure(prev *models.ConversationState, op string, err error) Outcome {
	slog.Error("Controller: insight provider failed", "conversationID", prev.ConversationID, "step", prev.Onboarding.Step, "operation", op, "error", err)
	metrics.RecordProviderFailure(op)
	return Outcome{Reply: c.cfg.Messages.ParsingError, State: prev, NextActions: waitForResponse(), Failed: true}
}

func (c *Controller) mergeAnalysis(next *models.ConversationState, a insight.PersonalityAnalysis) {
	next.Profile.MergeInsights(a.Traits, a.Interests, a.MotivationFactors, a.CommunicationStyle)
}

func (c *Controller) followUp(a insight.PersonalityAnalysis) string {
	if q := strings.TrimSpace(a.FollowUpQuestion); q != "" {
		return q
	}
	return c.cfg.Messages.FallbackQuestion
}

// wantsToStop reports whether the utterance contains a stop phrase (case-insensitive substring).
func (c *Controller) wantsToStop(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, p := range c.stopPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func waitForResponse() []models.Action {
	return []models.Action{models.ActionWaitForResponse}
}
