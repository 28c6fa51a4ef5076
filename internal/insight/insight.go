// Package insight turns conversation state and user utterances into structured
// coaching insight: personality signals with a follow-up question, a daily plan,
// or an accountability reply.
package insight

import (
	"context"
	"errors"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ErrProviderFailure wraps every failure surfaced by a Provider: transport errors,
// timeouts, malformed output and missing fields alike.
var ErrProviderFailure = errors.New("insight provider failure")

// PersonalityAnalysis is the result of analyzing an assessment-phase utterance.
type PersonalityAnalysis struct {
	Traits              []string
	Interests           []string
	CommunicationStyle  string
	MotivationFactors   []string
	FollowUpQuestion    string
	ConversationContext string
}

// Accountability is the daily-execution reply to a check-in utterance.
type Accountability struct {
	Reply         string
	NextAction    models.Action
	NewTraits     []string
	ProgressNotes string
}

// Provider is the text-generation capability the conversation core depends on.
type Provider interface {
	AnalyzePersonality(ctx context.Context, utterance string, state *models.ConversationState) (PersonalityAnalysis, error)
	GeneratePlan(ctx context.Context, state *models.ConversationState) (models.Plan, error)
	AccountabilityReply(ctx context.Context, utterance string, state *models.ConversationState) (Accountability, error)
}

// CheckInKind selects which scheduled message a Composer writes.
type CheckInKind string

const (
	CheckInMorning CheckInKind = "morning"
	CheckInEvening CheckInKind = "evening"
)

// Composer writes personalized free-text check-in messages. Failures wrap
// ErrProviderFailure; callers fall back to fixed text.
type Composer interface {
	ComposeCheckIn(ctx context.Context, kind CheckInKind, state *models.ConversationState) (string, error)
}

// Retriever supplies optional reference context for a query.
type Retriever interface {
	Retrieve(query string) string
}
