package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/insight"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// PlanAssembler obtains a daily plan from the insight provider and enforces the plan contract.
type PlanAssembler struct {
	provider insight.Provider
	now      func() time.Time
}

// NewPlanAssembler creates a PlanAssembler. A nil clock uses time.Now.
func NewPlanAssembler(provider insight.Provider, now func() time.Time) *PlanAssembler {
	if now == nil {
		now = time.Now
	}
	return &PlanAssembler{provider: provider, now: now}
}

// Assemble generates, normalizes and validates a plan for the conversation.
// A plan that fails validation is reported as a provider failure.
func (a *PlanAssembler) Assemble(ctx context.Context, state *models.ConversationState) (models.Plan, error) {
	plan, err := a.provider.GeneratePlan(ctx, state)
	if err != nil {
		return models.Plan{}, err
	}
	plan.Normalize(a.now())
	if err := plan.Validate(); err != nil {
		slog.Warn("PlanAssembler.Assemble: generated plan rejected", "conversationID", state.ConversationID, "error", err)
		return models.Plan{}, fmt.Errorf("%w: %w", insight.ErrProviderFailure, err)
	}
	slog.Debug("PlanAssembler.Assemble: plan accepted", "conversationID", state.ConversationID, "tasks", len(plan.Tasks), "date", plan.Date)
	return plan, nil
}

// Render formats a freshly generated plan for the user.
func Render(plan models.Plan) string {
	var b strings.Builder
	b.WriteString("Plan ready.\n\n")
	if plan.MotivationMessage != "" {
		b.WriteString(plan.MotivationMessage)
		b.WriteString("\n\n")
	}
	b.WriteString("Today's tasks:")
	for _, t := range plan.Tasks {
		b.WriteString("\n• ")
		b.WriteString(t.Title)
		b.WriteString(" (")
		b.WriteString(string(t.Type))
		if t.Difficulty != "" {
			b.WriteString(" · ")
			b.WriteString(string(t.Difficulty))
		}
		b.WriteString(")")
	}
	b.WriteString("\n\nConfirm you're good with this, or request a tweak.")
	return b.String()
}

// RenderMotivation formats a quick boost from the stored plan. Without a plan, or
// with an empty one, noPlan is returned. defaultMotivation fills a missing motivation line.
func RenderMotivation(plan *models.Plan, defaultMotivation, noPlan string) string {
	if plan == nil || len(plan.Tasks) == 0 {
		return noPlan
	}
	motivation := plan.MotivationMessage
	if motivation == "" {
		motivation = defaultMotivation
	}
	return "🚀 Quick boost: " + motivation + "\n\nToday's lineup:\n" + taskLines(plan.Tasks) + "\n\nWhich one are you hitting first?"
}

// RenderCheckIn formats the morning check-in: the header followed by the day's tasks.
func RenderCheckIn(header string, plan *models.Plan) string {
	if plan == nil || len(plan.Tasks) == 0 {
		return header
	}
	return header + "\n" + taskLines(plan.Tasks)
}

func taskLines(tasks []models.Task) string {
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		lines = append(lines, "• "+t.Title+" ("+string(t.Difficulty)+")")
	}
	return strings.Join(lines, "\n")
}
