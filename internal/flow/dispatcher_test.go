package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/reply"
)

func TestDispatch_Validation(t *testing.T) {
	h := newHarness()
	if err := h.dispatcher.Dispatch(context.Background(), "", "hi"); !errors.Is(err, models.ErrEmptyConvID) {
		t.Errorf("expected ErrEmptyConvID, got %v", err)
	}
	if err := h.dispatcher.Dispatch(context.Background(), "42", "   "); !errors.Is(err, models.ErrEmptyUtterance) {
		t.Errorf("expected ErrEmptyUtterance, got %v", err)
	}
	if len(h.sender.bodies()) != 0 {
		t.Error("invalid input must not send anything")
	}
}

func TestDispatch_FullOnboarding(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	utterances := []string{
		"Went hiking",
		"Climbed a big hill with friends",
		"I love a challenge",
		"Competing keeps me sharp",
		"Racing friends uphill",
		"I lead a team and run a marathon",
		"I procrastinate",
		"Doomscrolling late at night",
	}
	for _, u := range utterances {
		if err := h.dispatcher.Dispatch(ctx, "42", u); err != nil {
			t.Fatalf("Dispatch(%q) error = %v", u, err)
		}
	}

	final := h.load("42")
	if final.Onboarding.Step != models.StepComplete {
		t.Fatalf("step = %s, want complete", final.Onboarding.Step)
	}
	if !final.HasPlan() || len(final.DailyPlan.Tasks) != 3 {
		t.Errorf("plan not stored: %+v", final.DailyPlan)
	}
	if final.Onboarding.DeepDiveCount != 3 {
		t.Errorf("deep dive count = %d, want 3", final.Onboarding.DeepDiveCount)
	}
	if final.Goals.VisionStatement != "I lead a team and run a marathon" || final.Goals.BadHabits != "Doomscrolling late at night" {
		t.Errorf("goals = %+v", final.Goals)
	}

	bodies := h.sender.bodies()
	last := bodies[len(bodies)-1]
	if !strings.HasPrefix(last, "Plan ready.") {
		t.Errorf("last message = %q, want rendered plan", last)
	}
	if bodies[len(bodies)-2] != h.cfg.Messages.BuildingPlan {
		t.Errorf("expected building-plan notice before the plan, got %q", bodies[len(bodies)-2])
	}
	for _, b := range bodies {
		if strings.Count(b, "?") > 1 {
			t.Errorf("reply exceeds question budget: %q", b)
		}
	}
	if h.sender.typing == 0 {
		t.Error("typing indicator never sent")
	}
}

func TestDispatch_AcknowledgementIsSilent(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepComplete, 0)

	if err := h.dispatcher.Dispatch(context.Background(), "42", "  Thanks "); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(h.sender.bodies()) != 0 {
		t.Errorf("acknowledgement produced replies: %v", h.sender.bodies())
	}
	if _, _, acc := h.provider.calls(); acc != 0 {
		t.Error("acknowledgement reached the provider")
	}
	s := h.load("42")
	if s.LastSeen == nil || !s.LastSeen.Equal(fixedNow) {
		t.Errorf("last_seen = %v", s.LastSeen)
	}
	if s.Onboarding.Step != models.StepComplete {
		t.Errorf("step changed to %s", s.Onboarding.Step)
	}
}

func TestDispatch_AcknowledgementWithSilenceDisabled(t *testing.T) {
	h := newHarness()
	h.dispatcher = NewDispatcher(h.states, h.controller, reply.NewShaper(1, h.cfg.AckPhrases), h.sender, WithAutoSilence(false))
	h.seed("42", models.StepComplete, 0)

	if err := h.dispatcher.Dispatch(context.Background(), "42", "ok"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if _, _, acc := h.provider.calls(); acc != 1 {
		t.Errorf("accountability calls = %d, want 1", acc)
	}
}

func TestDispatch_AcknowledgementSaveFailureProcessesNormally(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepComplete, 0)
	h.store.failSaves = true

	err := h.dispatcher.Dispatch(context.Background(), "42", "ok")
	if err == nil {
		t.Fatal("expected persist error")
	}
	if _, _, acc := h.provider.calls(); acc != 1 {
		t.Errorf("accountability calls = %d, want 1", acc)
	}
	if len(h.sender.bodies()) != 1 {
		t.Errorf("expected one reply, got %v", h.sender.bodies())
	}
}

func TestDispatch_ProviderFailureKeepsState(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepWeekHighlight, 0)
	h.provider.analysisErr = errFakeProvider

	if err := h.dispatcher.Dispatch(context.Background(), "42", "Went hiking"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	s := h.load("42")
	if s.Onboarding.Step != models.StepWeekHighlight || len(s.Onboarding.Responses) != 0 {
		t.Errorf("state advanced on failure: %+v", s.Onboarding)
	}
	if got := h.sender.bodies(); len(got) != 1 || got[0] != h.cfg.Messages.ParsingError {
		t.Errorf("sent = %v", got)
	}
}

func TestDispatch_PlanFailureStaysAtPlanGeneration(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepHabits, 3)
	h.provider.planErr = errFakeProvider

	if err := h.dispatcher.Dispatch(context.Background(), "42", "Doomscrolling"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	s := h.load("42")
	if s.Onboarding.Step != models.StepPlanGeneration || s.HasPlan() {
		t.Errorf("onboarding = %+v plan = %v", s.Onboarding, s.DailyPlan)
	}
	if s.Goals.BadHabits != "Doomscrolling" {
		t.Errorf("habits answer lost: %q", s.Goals.BadHabits)
	}
	want := []string{h.cfg.Messages.BuildingPlan, h.cfg.Messages.PlanFailure}
	if got := h.sender.bodies(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("sent = %q, want %q", got, want)
	}
	if _, plans, _ := h.provider.calls(); plans != 1 {
		t.Errorf("plan attempts = %d, want exactly 1 per turn", plans)
	}

	// The next inbound message retries.
	h.provider.planErr = nil
	h.sender.reset()
	if err := h.dispatcher.Dispatch(context.Background(), "42", "any news"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if s := h.load("42"); s.Onboarding.Step != models.StepComplete || !s.HasPlan() {
		t.Errorf("retry did not complete onboarding: %+v", s.Onboarding)
	}
	if got := h.sender.bodies(); len(got) != 2 || got[0] != h.cfg.Messages.StillWorking {
		t.Errorf("sent = %q", got)
	}
}

func TestDispatch_FollowOnActions(t *testing.T) {
	tests := []struct {
		name       string
		action     models.Action
		wantPrefix string
		wantPlans  int
	}{
		{"send motivation", models.ActionSendMotivation, "🚀 Quick boost: Small wins compound.", 0},
		{"new plan", models.ActionGenerateNewPlan, "Plan ready.", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.seed("42", models.StepComplete, 0)
			h.provider.accountability.NextAction = tt.action

			if err := h.dispatcher.Dispatch(context.Background(), "42", "give me something"); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			got := h.sender.bodies()
			if len(got) != 2 || !strings.HasPrefix(got[1], tt.wantPrefix) {
				t.Errorf("sent = %q", got)
			}
			if _, plans, _ := h.provider.calls(); plans != tt.wantPlans {
				t.Errorf("plan calls = %d, want %d", plans, tt.wantPlans)
			}
		})
	}
}

func TestDispatch_NewPlanFailureKeepsCurrentPlan(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepComplete, 0)
	h.provider.accountability.NextAction = models.ActionGenerateNewPlan
	h.provider.planErr = errFakeProvider

	if err := h.dispatcher.Dispatch(context.Background(), "42", "I want a new plan"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	got := h.sender.bodies()
	if len(got) != 2 || got[1] != h.cfg.Messages.NewPlanFailure {
		t.Errorf("sent = %q, want the new-plan failure message last", got)
	}
	s := h.load("42")
	if s.Onboarding.Step != models.StepComplete || !s.HasPlan() || s.DailyPlan.Tasks[0].Title != "Walk 10 minutes" {
		t.Errorf("current plan should be kept: step=%s plan=%+v", s.Onboarding.Step, s.DailyPlan)
	}

	// The next message goes to the accountability handler, not a plan retry.
	h.provider.accountability.NextAction = models.ActionWaitForResponse
	h.sender.reset()
	if err := h.dispatcher.Dispatch(context.Background(), "42", "did my walk"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if _, plans, _ := h.provider.calls(); plans != 1 {
		t.Errorf("plan calls = %d, want 1", plans)
	}
}

func TestDispatch_ShapesReplies(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepWeekHighlight, 0)
	h.provider.analysis.FollowUpQuestion = "What happened? Who was there? Why?"

	if err := h.dispatcher.Dispatch(context.Background(), "42", "Went hiking"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := h.sender.bodies(); len(got) != 1 || got[0] != "What happened?" {
		t.Errorf("sent = %q", got)
	}
}

func TestDispatch_SendFailureStillPersists(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepVisionStatement, 3)
	h.sender.sendErr = errors.New("transport down")

	if err := h.dispatcher.Dispatch(context.Background(), "42", "I lead a team"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if s := h.load("42"); s.Onboarding.Step != models.StepWeaknesses {
		t.Errorf("step = %s, want weaknesses", s.Onboarding.Step)
	}
}

func TestDispatch_PersistFailureReturnsError(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepVisionStatement, 3)
	h.store.failSaves = true

	err := h.dispatcher.Dispatch(context.Background(), "42", "I lead a team")
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persist error, got %v", err)
	}
	if len(h.sender.bodies()) != 1 {
		t.Errorf("reply should still be sent, got %v", h.sender.bodies())
	}
}

func TestDispatch_LoadFailureKeepsStoredState(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepComplete, 0)
	h.store.failGets = true

	err := h.dispatcher.Dispatch(context.Background(), "42", "I did my walk today")
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected load error, got %v", err)
	}
	if got := h.sender.bodies(); len(got) != 1 || got[0] != h.cfg.Messages.Hiccup {
		t.Errorf("sent = %q, want only the hiccup message", got)
	}
	if _, _, acc := h.provider.calls(); acc != 0 {
		t.Error("controller should not run without the stored state")
	}

	h.store.failGets = false
	s := h.load("42")
	if s.Onboarding.Step != models.StepComplete || s.DailyPlan == nil || s.Profile.Name != "Sam" {
		t.Errorf("stored state was overwritten: step=%s plan=%v name=%q", s.Onboarding.Step, s.DailyPlan != nil, s.Profile.Name)
	}
}

func TestDispatch_LoadFailureOnAcknowledgement(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepHabits, 0)
	h.store.failGets = true

	if err := h.dispatcher.Dispatch(context.Background(), "42", "ok"); err == nil {
		t.Fatal("expected load error")
	}
	h.store.failGets = false
	s := h.load("42")
	if s.Onboarding.Step != models.StepHabits || s.LastSeen != nil {
		t.Errorf("stored state changed: step=%s last_seen=%v", s.Onboarding.Step, s.LastSeen)
	}
}

func TestDispatch_PanicSendsHiccup(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepWeekHighlight, 0)
	h.provider.panicOnAnalyze = true

	err := h.dispatcher.Dispatch(context.Background(), "42", "Went hiking")
	if err == nil {
		t.Fatal("expected error from panicking turn")
	}
	if got := h.sender.bodies(); len(got) != 1 || got[0] != h.cfg.Messages.Hiccup {
		t.Errorf("sent = %q", got)
	}
	if s := h.load("42"); s.Onboarding.Step != models.StepWeekHighlight {
		t.Errorf("step = %s", s.Onboarding.Step)
	}

	// The conversation lock must have been released.
	h.provider.panicOnAnalyze = false
	if err := h.dispatcher.Dispatch(context.Background(), "42", "Went hiking"); err != nil {
		t.Fatalf("Dispatch() after panic error = %v", err)
	}
}

func TestDispatch_ConcurrentTurnsAreSerialized(t *testing.T) {
	h := newHarness()
	cfg := config.Default()
	cfg.MaxDeepDiveQuestions = 1000
	h.controller = NewController(h.provider, cfg, WithClock(fixedClock))
	h.dispatcher = NewDispatcher(h.states, h.controller, reply.NewShaper(1, nil), h.sender)
	h.seed("42", models.StepPersonalityDeepDive, 1)
	h.seed("43", models.StepPersonalityDeepDive, 1)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for _, id := range []string{"42", "43"} {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				if err := h.dispatcher.Dispatch(context.Background(), id, fmt.Sprintf("detail %d", i)); err != nil {
					t.Errorf("Dispatch() error = %v", err)
				}
			}(id, i)
		}
	}
	wg.Wait()

	for _, id := range []string{"42", "43"} {
		if got := h.load(id).Onboarding.DeepDiveCount; got != n+1 {
			t.Errorf("%s deep dive count = %d, want %d", id, got, n+1)
		}
	}
	if h.dispatcher.locks.Len() != 0 {
		t.Errorf("lock entries leaked: %d", h.dispatcher.locks.Len())
	}
}

func TestUpdate(t *testing.T) {
	h := newHarness()
	h.seed("42", models.StepComplete, 0)

	err := h.dispatcher.Update(context.Background(), "42", func(ctx context.Context, s *models.ConversationState) (bool, error) {
		s.Progress.StreakDays = 4
		return true, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := h.load("42").Progress.StreakDays; got != 4 {
		t.Errorf("streak = %d", got)
	}

	err = h.dispatcher.Update(context.Background(), "42", func(ctx context.Context, s *models.ConversationState) (bool, error) {
		s.Progress.StreakDays = 9
		return false, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := h.load("42").Progress.StreakDays; got != 4 {
		t.Errorf("unchanged update persisted: streak = %d", got)
	}

	boom := errors.New("boom")
	if err := h.dispatcher.Update(context.Background(), "42", func(ctx context.Context, s *models.ConversationState) (bool, error) {
		return true, boom
	}); !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to models.Step
		ok       bool
	}{
		{models.StepStart, models.StepWeekHighlight, true},
		{models.StepPersonalityDeepDive, models.StepPersonalityDeepDive, true},
		{models.StepHabits, models.StepPlanGeneration, true},
		{models.StepPlanGeneration, models.StepComplete, true},
		{models.StepComplete, models.StepComplete, true},
		{models.StepStart, models.StepStart, false},
		{models.StepWeekHighlight, models.StepVisionStatement, false},
		{models.StepComplete, models.StepWeekHighlight, false},
	}
	for _, tt := range tests {
		err := checkTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("checkTransition(%s, %s) = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if err != nil && !errors.Is(err, models.ErrBadTransition) {
			t.Errorf("expected ErrBadTransition, got %v", err)
		}
	}
}
