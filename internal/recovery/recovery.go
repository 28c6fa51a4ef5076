// Package recovery resumes work that a restart interrupted.
//
// Components register a Recoverable with a Manager; RecoverAll runs each one once
// at startup and reports every failure without stopping the others.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Recoverable restores one component's in-progress work and reports how many
// items it resumed.
type Recoverable interface {
	Name() string
	Recover(ctx context.Context) (int, error)
}

// Manager runs registered Recoverables.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to recover.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component in registration order.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	var errs []error
	resumed := 0
	for _, r := range m.recoverables {
		n, err := r.Recover(ctx)
		resumed += n
		if err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "resumed", n, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			continue
		}
		slog.Debug("Manager.RecoverAll: component recovered", "component", r.Name(), "resumed", n)
	}

	slog.Info("Manager.RecoverAll: recovery completed", "resumed", resumed, "errors", len(errs))
	return errors.Join(errs...)
}

// Coordinator runs work under a conversation's turn lock and sends messages.
type Coordinator interface {
	Update(ctx context.Context, conversationID string, fn func(ctx context.Context, state *models.ConversationState) (bool, error)) error
	Send(ctx context.Context, conversationID, text string) error
}

// Lister enumerates stored conversations.
type Lister interface {
	List(ctx context.Context) ([]flow.ConversationSummary, error)
}

// PlanGenerator produces a plan for a conversation.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, state *models.ConversationState) flow.Outcome
}

// PlanRecovery finishes onboarding for conversations left waiting at plan_generation,
// for example when the process stopped between the "building your plan" reply and
// the stored plan. A conversation whose plan still cannot be built is left for the
// user's next message to retry.
type PlanRecovery struct {
	coord  Coordinator
	states Lister
	plans  PlanGenerator
}

// NewPlanRecovery creates a PlanRecovery. *flow.Dispatcher is the usual Coordinator.
func NewPlanRecovery(coord Coordinator, states Lister, plans PlanGenerator) *PlanRecovery {
	return &PlanRecovery{coord: coord, states: states, plans: plans}
}

// Name identifies the component in logs.
func (p *PlanRecovery) Name() string {
	return "plan_generation"
}

// Recover regenerates and sends the plan for every waiting conversation.
func (p *PlanRecovery) Recover(ctx context.Context) (int, error) {
	summaries, err := p.states.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	var errs []error
	resumed := 0
	for _, summary := range summaries {
		if summary.Step != models.StepPlanGeneration {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		id := summary.ConversationID
		done := false
		err := p.coord.Update(ctx, id, func(ctx context.Context, state *models.ConversationState) (bool, error) {
			// A turn may have finished the plan since the listing was taken.
			if state.Onboarding.Step != models.StepPlanGeneration {
				return false, nil
			}
			out := p.plans.GeneratePlan(ctx, state)
			if out.Failed {
				slog.Warn("PlanRecovery.Recover: plan still unavailable", "conversationID", id)
				return false, nil
			}
			*state = *out.State
			if err := p.coord.Send(ctx, id, out.Reply); err != nil {
				slog.Error("PlanRecovery.Recover: failed to send recovered plan", "conversationID", id, "error", err)
			}
			done = true
			return true, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if done {
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}
