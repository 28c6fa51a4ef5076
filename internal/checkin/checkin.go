// Package checkin runs the scheduled morning and evening check-ins for users who
// have finished onboarding.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/insight"
	"github.com/BTreeMap/CoachPipe/internal/metrics"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
)

// Check-in kinds, used as the metrics label.
const (
	KindMorning = "morning"
	KindEvening = "evening"
)

// Coordinator runs work under a conversation's turn lock and sends unsolicited messages.
// *flow.Dispatcher implements it.
type Coordinator interface {
	Update(ctx context.Context, conversationID string, fn func(ctx context.Context, state *models.ConversationState) (bool, error)) error
	Send(ctx context.Context, conversationID, text string) error
}

// Lister enumerates stored conversations.
type Lister interface {
	List(ctx context.Context) ([]flow.ConversationSummary, error)
}

// PlanGenerator produces a fresh plan for a conversation.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, state *models.ConversationState) flow.Outcome
}

// Service sends check-ins to every conversation at step complete.
type Service struct {
	coord    Coordinator
	states   Lister
	plans    PlanGenerator
	composer insight.Composer
	settings config.CheckIns
	messages config.Messages
}

// Option configures a Service.
type Option func(*Service)

// WithComposer personalizes check-in text. Without one, or when it fails, the
// fixed catalogue messages are sent.
func WithComposer(c insight.Composer) Option {
	return func(s *Service) { s.composer = c }
}

// New creates a check-in Service.
func New(coord Coordinator, states Lister, plans PlanGenerator, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		coord:    coord,
		states:   states,
		plans:    plans,
		settings: cfg.CheckIns,
		messages: cfg.Messages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register schedules the morning and evening jobs. It is a no-op when check-ins are disabled.
func (s *Service) Register(sched *scheduler.Scheduler) error {
	if !s.settings.Enabled {
		slog.Info("CheckIn.Register: check-ins disabled")
		return nil
	}
	if _, err := sched.AddJob(s.settings.MorningCron, s.job(KindMorning, s.RunMorning)); err != nil {
		return fmt.Errorf("failed to schedule morning check-in: %w", err)
	}
	if _, err := sched.AddJob(s.settings.EveningCron, s.job(KindEvening, s.RunEvening)); err != nil {
		return fmt.Errorf("failed to schedule evening check-in: %w", err)
	}
	slog.Info("CheckIn.Register: check-ins scheduled", "morning", s.settings.MorningCron, "evening", s.settings.EveningCron)
	return nil
}

func (s *Service) job(kind string, run func(context.Context) (int, error)) func() {
	return func() {
		sent, err := run(context.Background())
		if err != nil {
			slog.Error("CheckIn: run finished with errors", "kind", kind, "sent", sent, "error", err)
			return
		}
		slog.Info("CheckIn: run finished", "kind", kind, "sent", sent)
	}
}

// RunMorning sends today's task list to every onboarded conversation and returns
// how many check-ins were sent.
func (s *Service) RunMorning(ctx context.Context) (int, error) {
	return s.forEachComplete(ctx, KindMorning, func(ctx context.Context, id string, state *models.ConversationState) (bool, error) {
		header := s.compose(ctx, insight.CheckInMorning, state, s.messages.MorningCheckIn)
		return false, s.coord.Send(ctx, id, flow.RenderCheckIn(header, state.DailyPlan))
	})
}

// RunEvening sends the reflection prompt and, when enabled, replaces the stored plan
// with tomorrow's. A failed regeneration keeps the current plan.
func (s *Service) RunEvening(ctx context.Context) (int, error) {
	return s.forEachComplete(ctx, KindEvening, func(ctx context.Context, id string, state *models.ConversationState) (bool, error) {
		prompt := s.compose(ctx, insight.CheckInEvening, state, s.messages.EveningReflection)
		if err := s.coord.Send(ctx, id, prompt); err != nil {
			return false, err
		}
		if !s.settings.RegeneratePlan {
			return false, nil
		}
		out := s.plans.GeneratePlan(ctx, state)
		if out.Failed {
			slog.Warn("CheckIn.RunEvening: plan regeneration failed, keeping current plan", "conversationID", id)
			return false, nil
		}
		*state = *out.State
		return true, nil
	})
}

// compose returns the personalized message for kind, or fallback when no composer
// is set or it fails.
func (s *Service) compose(ctx context.Context, kind insight.CheckInKind, state *models.ConversationState, fallback string) string {
	if s.composer == nil {
		return fallback
	}
	text, err := s.composer.ComposeCheckIn(ctx, kind, state)
	if err != nil {
		metrics.RecordProviderFailure("ComposeCheckIn")
		slog.Warn("CheckIn.compose: using fixed message", "kind", kind, "conversationID", state.ConversationID, "error", err)
		return fallback
	}
	return text
}

func (s *Service) forEachComplete(ctx context.Context, kind string, fn func(ctx context.Context, id string, state *models.ConversationState) (bool, error)) (int, error) {
	summaries, err := s.states.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	var errs []error
	sent := 0
	for _, summary := range summaries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if summary.Step != models.StepComplete {
			continue
		}
		id := summary.ConversationID
		err := s.coord.Update(ctx, id, func(ctx context.Context, state *models.ConversationState) (bool, error) {
			// The step may have changed since the listing was taken.
			if state.Onboarding.Step != models.StepComplete {
				return false, errSkip
			}
			return fn(ctx, id, state)
		})
		switch {
		case errors.Is(err, errSkip):
			continue
		case err != nil:
			slog.Error("CheckIn: check-in failed", "kind", kind, "conversationID", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		default:
			sent++
			metrics.RecordCheckIn(kind)
		}
	}
	return sent, errors.Join(errs...)
}

var errSkip = errors.New("conversation no longer complete")
