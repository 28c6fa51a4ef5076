package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
	now   func() time.Time
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st, now: time.Now}
}

// Load returns the stored state, or a default one when none is stored. A read
// error returns a nil state. A stored document with an unrecognized step is
// reset to the start of onboarding.
func (sm *StoreBasedStateManager) Load(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	state, err := sm.store.GetConversation(conversationID)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "conversationID", conversationID)
		return nil, err
	}
	if state == nil {
		slog.Debug("StateManager Load not found, starting fresh", "conversationID", conversationID)
		return models.NewConversationState(conversationID), nil
	}
	if err := state.Normalize(); err != nil {
		slog.Warn("StateManager Load reset unknown step", "conversationID", conversationID, "error", err)
	}
	if state.ConversationID == "" {
		state.ConversationID = conversationID
	}
	slog.Debug("StateManager Load found", "conversationID", conversationID, "step", state.Onboarding.Step)
	return state, nil
}

// Save stamps UpdatedAt and persists the state.
func (sm *StoreBasedStateManager) Save(ctx context.Context, conversationID string, state *models.ConversationState) error {
	state.UpdatedAt = sm.now().UTC()
	if err := sm.store.SaveConversation(conversationID, state); err != nil {
		slog.Error("StateManager Save error", "error", err, "conversationID", conversationID, "step", state.Onboarding.Step)
		return err
	}
	slog.Debug("StateManager Save succeeded", "conversationID", conversationID, "step", state.Onboarding.Step)
	return nil
}

// List returns a summary of every stored conversation.
func (sm *StoreBasedStateManager) List(ctx context.Context) ([]ConversationSummary, error) {
	records, err := sm.store.ListConversations()
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(records))
	for _, r := range records {
		out = append(out, ConversationSummary{ConversationID: r.ConversationID, Step: r.Step, Phase: r.Phase})
	}
	return out, nil
}
