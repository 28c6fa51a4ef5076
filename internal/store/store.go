// Package store provides storage backends for CoachPipe.
//
// Each conversation id maps to a single JSON state document. Backends are an
// in-memory store for tests and console runs, SQLite for single-node deployments,
// and PostgreSQL.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
	// ErrNilState is returned when saving a nil state document.
	ErrNilState = errors.New("state cannot be nil")
)

// Store is the durable mapping from conversation id to state document.
type Store interface {
	// GetConversation returns the stored state, or nil with no error when absent.
	GetConversation(conversationID string) (*models.ConversationState, error)
	// SaveConversation upserts the state for the id. Saving the same state twice is a no-op.
	SaveConversation(conversationID string, state *models.ConversationState) error
	// ListConversations returns a summary of every stored conversation ordered by id.
	ListConversations() ([]ConversationRecord, error)
	// AddReceipt records a delivery receipt for an outgoing message.
	AddReceipt(r models.Receipt) error
	// GetReceipts returns all recorded receipts.
	GetReceipts() ([]models.Receipt, error)
	Close() error
}

// ConversationRecord summarizes a stored conversation.
type ConversationRecord struct {
	ConversationID string       `json:"conversation_id"`
	Step           models.Step  `json:"step"`
	Phase          models.Phase `json:"phase"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend implied by the DSN: PostgreSQL, SQLite, or in-memory when the DSN is empty.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// encodeState marshals a state document and stamps UpdatedAt when unset.
func encodeState(conversationID string, state *models.ConversationState) ([]byte, error) {
	if state == nil {
		return nil, ErrNilState
	}
	if conversationID == "" {
		return nil, models.ErrEmptyConvID
	}
	if state.ConversationID == "" {
		state.ConversationID = conversationID
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state for %s: %w", conversationID, err)
	}
	return data, nil
}

func decodeState(conversationID string, data []byte) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %s: %w", conversationID, err)
	}
	return &state, nil
}

// InMemoryStore keeps encoded state documents in memory so loads never alias saved values.
type InMemoryStore struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	records  map[string]ConversationRecord
	receipts []models.Receipt
	closed   bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs:    make(map[string][]byte),
		records: make(map[string]ConversationRecord),
	}
}

func (s *InMemoryStore) GetConversation(conversationID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	data, ok := s.docs[conversationID]
	if !ok {
		return nil, nil
	}
	return decodeState(conversationID, data)
}

func (s *InMemoryStore) SaveConversation(conversationID string, state *models.ConversationState) error {
	data, err := encodeState(conversationID, state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.docs[conversationID] = data
	s.records[conversationID] = ConversationRecord{
		ConversationID: conversationID,
		Step:           state.Onboarding.Step,
		Phase:          state.Onboarding.Phase,
		UpdatedAt:      state.UpdatedAt,
	}
	return nil
}

func (s *InMemoryStore) ListConversations() ([]ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]ConversationRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

// Close marks the store closed. Later operations return ErrStoreClosed.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
