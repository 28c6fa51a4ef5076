package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/config"
	"github.com/BTreeMap/CoachPipe/internal/insight"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/reply"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

var errFakeProvider = errors.New("model unavailable")

var fixedNow = time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// fakeProvider is a scripted insight.Provider.
type fakeProvider struct {
	mu sync.Mutex

	analysis       insight.PersonalityAnalysis
	analysisErr    error
	plan           models.Plan
	planErr        error
	accountability insight.Accountability
	accErr         error
	panicOnAnalyze bool

	analyzeCalls int
	planCalls    int
	accCalls     int
}

func (f *fakeProvider) AnalyzePersonality(ctx context.Context, utterance string, state *models.ConversationState) (insight.PersonalityAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	if f.panicOnAnalyze {
		panic("analyzer exploded")
	}
	if f.analysisErr != nil {
		return insight.PersonalityAnalysis{}, f.analysisErr
	}
	return f.analysis, nil
}

func (f *fakeProvider) GeneratePlan(ctx context.Context, state *models.ConversationState) (models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls++
	if f.planErr != nil {
		return models.Plan{}, f.planErr
	}
	plan := f.plan
	plan.Tasks = append([]models.Task(nil), f.plan.Tasks...)
	return plan, nil
}

func (f *fakeProvider) AccountabilityReply(ctx context.Context, utterance string, state *models.ConversationState) (insight.Accountability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accCalls++
	if f.accErr != nil {
		return insight.Accountability{}, f.accErr
	}
	return f.accountability, nil
}

func (f *fakeProvider) calls() (analyze, plan, acc int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzeCalls, f.planCalls, f.accCalls
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		analysis: insight.PersonalityAnalysis{
			Traits:             []string{"competitive"},
			Interests:          []string{"hiking"},
			CommunicationStyle: "supportive",
			MotivationFactors:  []string{"growth"},
			FollowUpQuestion:   "What made it the highlight?",
		},
		plan: samplePlan(),
		accountability: insight.Accountability{
			Reply:      "Nice progress. What's next?",
			NextAction: models.ActionWaitForResponse,
		},
	}
}

func samplePlan() models.Plan {
	return models.Plan{
		Tasks: []models.Task{
			{ID: 1, Type: models.TaskTypePhysical, Title: "Walk 10 minutes", Difficulty: models.DifficultyEasy},
			{ID: 2, Type: models.TaskTypeEmotional, Title: "Write one gratitude note", Difficulty: models.DifficultyEasy},
			{ID: 3, Type: models.TaskTypeMental, Title: "Read a chapter", Difficulty: models.DifficultyMedium},
		},
		MotivationMessage: "Small wins compound.",
	}
}

type sentMessage struct {
	To   string
	Body string
}

// recordingSender captures outbound messages.
type recordingSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	typing  int
	sendErr error
}

func (s *recordingSender) SendMessage(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentMessage{To: to, Body: body})
	return nil
}

func (s *recordingSender) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *recordingSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Body)
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}

// flakyStore fails saves while failSaves is set.
type flakyStore struct {
	*store.InMemoryStore
	mu        sync.Mutex
	failSaves bool
	failGets  bool
}

func (f *flakyStore) SaveConversation(id string, state *models.ConversationState) error {
	f.mu.Lock()
	fail := f.failSaves
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.InMemoryStore.SaveConversation(id, state)
}

func (f *flakyStore) GetConversation(id string) (*models.ConversationState, error) {
	f.mu.Lock()
	fail := f.failGets
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.InMemoryStore.GetConversation(id)
}

type harness struct {
	provider   *fakeProvider
	sender     *recordingSender
	store      *flakyStore
	states     *StoreBasedStateManager
	controller *Controller
	dispatcher *Dispatcher
	cfg        config.Config
}

func newHarness() *harness {
	cfg := config.Default()
	h := &harness{
		provider: newFakeProvider(),
		sender:   &recordingSender{},
		store:    &flakyStore{InMemoryStore: store.NewInMemoryStore()},
		cfg:      cfg,
	}
	h.states = NewStoreBasedStateManager(h.store)
	h.controller = NewController(h.provider, cfg, WithClock(fixedClock))
	h.dispatcher = NewDispatcher(h.states, h.controller, reply.NewShaper(cfg.MaxQuestionsPerReply, cfg.AckPhrases), h.sender,
		WithAutoSilence(cfg.AutoSilenceOnAck), WithHiccupMessage(cfg.Messages.Hiccup), WithDispatcherClock(fixedClock))
	return h
}

// seed stores a state positioned at step.
func (h *harness) seed(id string, step models.Step, deepDiveCount int) {
	s := models.NewConversationState(id)
	s.Profile.Name = "Sam"
	s.MoveTo(step)
	s.Onboarding.DeepDiveCount = deepDiveCount
	if step == models.StepComplete {
		plan := samplePlan()
		plan.Date = "2025-01-01"
		s.DailyPlan = &plan
	}
	if err := h.store.InMemoryStore.SaveConversation(id, s); err != nil {
		panic(err)
	}
}

func (h *harness) load(id string) *models.ConversationState {
	s, err := h.store.InMemoryStore.GetConversation(id)
	if err != nil {
		panic(err)
	}
	return s
}
