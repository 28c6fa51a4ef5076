package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/tone"
)

// generator is the subset of genai.Client used by GenAIProvider.
type generator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenAIProvider implements Provider on top of a JSON-mode chat completion client.
type GenAIProvider struct {
	gen       generator
	retriever Retriever
	now       func() time.Time
}

// ProviderOption configures a GenAIProvider.
type ProviderOption func(*GenAIProvider)

// WithRetriever adds knowledge context to personality and accountability prompts.
func WithRetriever(r Retriever) ProviderOption {
	return func(p *GenAIProvider) { p.retriever = r }
}

// WithClock overrides the clock used for plan dates.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *GenAIProvider) { p.now = now }
}

// NewGenAIProvider creates a provider backed by gen.
func NewGenAIProvider(gen generator, opts ...ProviderOption) *GenAIProvider {
	p := &GenAIProvider{gen: gen, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type personalityPayload struct {
	PersonalityInsights struct {
		Traits             []string `json:"traits"`
		Interests          []string `json:"interests"`
		CommunicationStyle string   `json:"communication_style"`
		MotivationFactors  []string `json:"motivation_factors"`
	} `json:"personality_insights"`
	FollowUpQuestion    string `json:"follow_up_question"`
	ConversationContext string `json:"conversation_context"`
}

type planPayload struct {
	DailyPlan *models.Plan `json:"daily_plan"`
}

type accountabilityPayload struct {
	ReplyToUser     string `json:"reply_to_user"`
	NextAction      string `json:"next_action"`
	UpdatedInsights struct {
		NewTraits     []string `json:"new_traits"`
		ProgressNotes string   `json:"progress_notes"`
	} `json:"updated_insights"`
}

// AnalyzePersonality infers personality signals and a follow-up question.
func (p *GenAIProvider) AnalyzePersonality(ctx context.Context, utterance string, state *models.ConversationState) (PersonalityAnalysis, error) {
	userData, err := stateJSON(state)
	if err != nil {
		return PersonalityAnalysis{}, err
	}
	prompt := fmt.Sprintf(personalityUserTemplate, userData, utterance, p.context(utterance))

	var payload personalityPayload
	if err := p.call(ctx, "AnalyzePersonality", personalitySystemPrompt+toneGuide(state), prompt, &payload); err != nil {
		return PersonalityAnalysis{}, err
	}
	in := payload.PersonalityInsights
	return PersonalityAnalysis{
		Traits:              in.Traits,
		Interests:           in.Interests,
		CommunicationStyle:  in.CommunicationStyle,
		MotivationFactors:   in.MotivationFactors,
		FollowUpQuestion:    strings.TrimSpace(payload.FollowUpQuestion),
		ConversationContext: payload.ConversationContext,
	}, nil
}

// GeneratePlan produces a daily plan. The plan is returned as generated; callers validate it.
func (p *GenAIProvider) GeneratePlan(ctx context.Context, state *models.ConversationState) (models.Plan, error) {
	userData, err := stateJSON(state)
	if err != nil {
		return models.Plan{}, err
	}
	prompt := fmt.Sprintf(planUserTemplate, userData, p.now().UTC().Format(models.PlanDateLayout))

	var payload planPayload
	if err := p.call(ctx, "GeneratePlan", planSystemPrompt+toneGuide(state), prompt, &payload); err != nil {
		return models.Plan{}, err
	}
	if payload.DailyPlan == nil {
		return models.Plan{}, fmt.Errorf("%w: response has no daily_plan", ErrProviderFailure)
	}
	return *payload.DailyPlan, nil
}

// AccountabilityReply produces the daily-execution reply and a suggested next action.
func (p *GenAIProvider) AccountabilityReply(ctx context.Context, utterance string, state *models.ConversationState) (Accountability, error) {
	userData, err := stateJSON(state)
	if err != nil {
		return Accountability{}, err
	}
	prompt := fmt.Sprintf(accountabilityUserTemplate, userData, utterance, p.context(utterance))

	var payload accountabilityPayload
	if err := p.call(ctx, "AccountabilityReply", accountabilitySystemPrompt+toneGuide(state), prompt, &payload); err != nil {
		return Accountability{}, err
	}
	reply := strings.TrimSpace(payload.ReplyToUser)
	if reply == "" {
		return Accountability{}, fmt.Errorf("%w: response has no reply_to_user", ErrProviderFailure)
	}
	action, ok := models.ParseAction(payload.NextAction)
	if !ok && payload.NextAction != "" {
		slog.Debug("GenAIProvider.AccountabilityReply: unknown next_action, waiting for response", "nextAction", payload.NextAction)
	}
	return Accountability{
		Reply:         reply,
		NextAction:    action,
		NewTraits:     payload.UpdatedInsights.NewTraits,
		ProgressNotes: strings.TrimSpace(payload.UpdatedInsights.ProgressNotes),
	}, nil
}

// ComposeCheckIn writes the morning greeting or the evening reflection prompt for
// a conversation.
func (p *GenAIProvider) ComposeCheckIn(ctx context.Context, kind CheckInKind, state *models.ConversationState) (string, error) {
	var template string
	switch kind {
	case CheckInMorning:
		template = morningCheckInTemplate
	case CheckInEvening:
		template = eveningReflectionTemplate
	default:
		return "", fmt.Errorf("%w: unknown check-in kind %q", ErrProviderFailure, kind)
	}
	userData, err := stateJSON(state)
	if err != nil {
		return "", err
	}

	raw, err := p.gen.GenerateText(ctx, checkInSystemPrompt+toneGuide(state), fmt.Sprintf(template, userData))
	if err != nil {
		slog.Error("GenAIProvider.ComposeCheckIn: generation failed", "kind", kind, "error", err)
		return "", fmt.Errorf("%w: ComposeCheckIn: %w", ErrProviderFailure, err)
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("%w: ComposeCheckIn: empty %s message", ErrProviderFailure, kind)
	}
	return text, nil
}

// toneGuide renders the tone policy for the conversation's communication style.
func toneGuide(state *models.ConversationState) string {
	if state == nil {
		return tone.Guide(models.StyleDirect)
	}
	return tone.Guide(state.Profile.CommunicationStyle)
}

func (p *GenAIProvider) context(query string) string {
	if p.retriever == nil {
		return ""
	}
	return p.retriever.Retrieve(query)
}

func (p *GenAIProvider) call(ctx context.Context, op, systemPrompt, userPrompt string, out any) error {
	raw, err := p.gen.GenerateJSON(ctx, systemPrompt, userPrompt)
	if err != nil {
		slog.Error("GenAIProvider."+op+": generation failed", "error", err)
		return fmt.Errorf("%w: %s: %w", ErrProviderFailure, op, err)
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), out); err != nil {
		slog.Error("GenAIProvider."+op+": malformed response", "error", err, "raw", raw)
		return fmt.Errorf("%w: %s: decode response: %w", ErrProviderFailure, op, err)
	}
	return nil
}

// stripFences removes Markdown code fences a model may wrap around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func stateJSON(state *models.ConversationState) (string, error) {
	if state == nil {
		return "{}", nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode state: %w", ErrProviderFailure, err)
	}
	return string(data), nil
}
