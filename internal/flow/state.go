package flow

import (
	"context"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// StateManager loads and persists conversation state documents.
type StateManager interface {
	// Load returns the stored state, a fresh default state when none exists, and an
	// error when the stored document could not be read.
	Load(ctx context.Context, conversationID string) (*models.ConversationState, error)
	// Save persists the state document.
	Save(ctx context.Context, conversationID string, state *models.ConversationState) error
	// List returns a summary of every stored conversation.
	List(ctx context.Context) ([]ConversationSummary, error)
}

// ConversationSummary is the listing view of a stored conversation.
type ConversationSummary struct {
	ConversationID string
	Step           models.Step
	Phase          models.Phase
}

// Sender delivers a reply to a conversation.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TypingIndicator is implemented by transports that can show a typing state.
type TypingIndicator interface {
	SendTypingIndicator(ctx context.Context, to string, typing bool) error
}
