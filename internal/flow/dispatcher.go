package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoachPipe/internal/metrics"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/reply"
)

// Dispatcher is the entry point for inbound utterances. It serializes turns per
// conversation, applies the acknowledgement policy, runs the controller, shapes
// and sends replies, executes follow-on actions and persists the final state.
type Dispatcher struct {
	states      StateManager
	controller  *Controller
	shaper      *reply.Shaper
	sender      Sender
	locks       *KeyedMutex
	autoSilence bool
	hiccup      string
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAutoSilence enables or disables silent absorption of acknowledgements.
func WithAutoSilence(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.autoSilence = enabled }
}

// WithHiccupMessage sets the reply sent when a turn fails unexpectedly.
func WithHiccupMessage(msg string) DispatcherOption {
	return func(d *Dispatcher) { d.hiccup = msg }
}

// WithDispatcherClock overrides the clock used for last_seen stamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(states StateManager, controller *Controller, shaper *reply.Shaper, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		states:      states,
		controller:  controller,
		shaper:      shaper,
		sender:      sender,
		locks:       NewKeyedMutex(),
		autoSilence: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one inbound utterance for a conversation.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID, utterance string) (err error) {
	if conversationID == "" {
		return models.ErrEmptyConvID
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return models.ErrEmptyUtterance
	}

	turnID := uuid.NewString()
	log := slog.With("conversationID", conversationID, "turnID", turnID)
	start := d.now()

	unlock := d.locks.Lock(conversationID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Dispatcher.Dispatch: panic during turn", "panic", r)
			if d.hiccup != "" {
				d.send(ctx, log, conversationID, d.hiccup)
			}
			err = fmt.Errorf("turn %s panicked: %v", turnID, r)
		}
	}()

	state, loadErr := d.states.Load(ctx, conversationID)
	if loadErr != nil {
		// The stored document stays authoritative; the turn is dropped rather than replayed on a blank state.
		metrics.RecordPersistFailure()
		log.Error("Dispatcher.Dispatch: state load failed, skipping turn", "error", loadErr)
		if d.hiccup != "" {
			d.send(ctx, log, conversationID, d.hiccup)
		}
		return fmt.Errorf("failed to load state for %s: %w", conversationID, loadErr)
	}
	startStep := state.Onboarding.Step

	if d.autoSilence && d.shaper.IsAcknowledgement(utterance) {
		seen := d.now().UTC()
		state.LastSeen = &seen
		saveErr := d.states.Save(ctx, conversationID, state)
		if saveErr == nil {
			log.Debug("Dispatcher.Dispatch: acknowledgement absorbed", "step", startStep)
			metrics.RecordAckSilenced()
			return nil
		}
		log.Warn("Dispatcher.Dispatch: failed to record acknowledgement, processing normally", "error", saveErr)
	}

	if typer, ok := d.sender.(TypingIndicator); ok {
		if typErr := typer.SendTypingIndicator(ctx, conversationID, true); typErr != nil {
			log.Debug("Dispatcher.Dispatch: typing indicator failed", "error", typErr)
		}
	}

	out := d.controller.Advance(ctx, state, utterance)
	if err := checkTransition(startStep, out.State.Onboarding.Step); err != nil {
		log.Error("Dispatcher.Dispatch: discarding turn", "error", err)
		if d.hiccup != "" {
			d.send(ctx, log, conversationID, d.hiccup)
		}
		return err
	}
	d.send(ctx, log, conversationID, out.Reply)

	current := d.runActions(ctx, log, conversationID, out)

	if saveErr := d.states.Save(ctx, conversationID, current); saveErr != nil {
		metrics.RecordPersistFailure()
		log.Error("Dispatcher.Dispatch: failed to persist state", "error", saveErr)
		err = fmt.Errorf("failed to persist state for %s: %w", conversationID, saveErr)
	}

	metrics.RecordTurn(string(startStep), d.now().Sub(start))
	log.Info("Dispatcher.Dispatch: turn complete", "from", startStep, "to", current.Onboarding.Step, "actions", out.NextActions)
	return err
}

// runActions executes follow-on actions in order and returns the resulting state.
// Actions emitted by a follow-on are not executed within the same turn.
func (d *Dispatcher) runActions(ctx context.Context, log *slog.Logger, conversationID string, out Outcome) *models.ConversationState {
	current := out.State
	for _, action := range out.NextActions {
		switch action {
		case models.ActionGeneratePlan, models.ActionGenerateNewPlan:
			planOut := d.controller.GeneratePlan(ctx, current)
			if planOut.Failed {
				log.Warn("Dispatcher.runActions: plan generation failed", "action", action)
			}
			if err := checkTransition(current.Onboarding.Step, planOut.State.Onboarding.Step); err != nil {
				log.Error("Dispatcher.runActions: discarding plan outcome", "action", action, "error", err)
				continue
			}
			current = planOut.State
			d.send(ctx, log, conversationID, planOut.Reply)
		case models.ActionSendMotivation:
			d.send(ctx, log, conversationID, d.controller.Motivation(current))
		case models.ActionWaitForResponse, models.ActionNoReply:
		default:
			log.Warn("Dispatcher.runActions: ignoring unknown action", "action", action)
		}
	}
	return current
}

func checkTransition(from, to models.Step) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrBadTransition, from, to)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, log *slog.Logger, conversationID, text string) {
	text = d.shaper.Shape(text)
	if text == "" {
		return
	}
	if err := d.sender.SendMessage(ctx, conversationID, text); err != nil {
		metrics.RecordSendFailure()
		log.Error("Dispatcher.send: failed to send reply", "error", err)
	}
}

// Update runs fn against the conversation's state while holding its turn lock, and
// persists the state when fn reports a change. It lets scheduled collaborators
// observe and mutate state without racing inbound turns.
func (d *Dispatcher) Update(ctx context.Context, conversationID string, fn func(ctx context.Context, state *models.ConversationState) (bool, error)) error {
	unlock := d.locks.Lock(conversationID)
	defer unlock()

	state, err := d.states.Load(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load state for %s: %w", conversationID, err)
	}
	changed, err := fn(ctx, state)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := d.states.Save(ctx, conversationID, state); err != nil {
		metrics.RecordPersistFailure()
		return fmt.Errorf("failed to persist state for %s: %w", conversationID, err)
	}
	return nil
}

// Send shapes and delivers an unsolicited message, counting failures.
func (d *Dispatcher) Send(ctx context.Context, conversationID, text string) error {
	text = d.shaper.Shape(text)
	if text == "" {
		return nil
	}
	if err := d.sender.SendMessage(ctx, conversationID, text); err != nil {
		metrics.RecordSendFailure()
		return err
	}
	return nil
}
