package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// DefaultMaxConcurrentTurns bounds how many inbound utterances are processed at once.
const DefaultMaxConcurrentTurns = 16

// ReceiptRecorder persists delivery receipts.
type ReceiptRecorder interface {
	AddReceipt(r models.Receipt) error
}

// TurnDispatcher runs one conversation turn.
type TurnDispatcher interface {
	Dispatch(ctx context.Context, conversationID, utterance string) error
}

// ResponseHandler routes inbound utterances from a Service to the turn dispatcher.
// Each conversation has a FIFO queue drained by a single worker, so its turns run
// one at a time in arrival order. Workers are created on demand and exit once
// their queue is empty. Different conversations run in parallel, bounded by a
// shared semaphore.
type ResponseHandler struct {
	msgService Service
	dispatcher TurnDispatcher
	receipts   ReceiptRecorder
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]models.Response
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithReceiptRecorder stores every receipt the service emits.
func WithReceiptRecorder(r ReceiptRecorder) ResponseHandlerOption {
	return func(rh *ResponseHandler) { rh.receipts = r }
}

// WithMaxConcurrentTurns sets the bound on concurrently processed utterances.
func WithMaxConcurrentTurns(n int64) ResponseHandlerOption {
	return func(rh *ResponseHandler) {
		if n > 0 {
			rh.sem = semaphore.NewWeighted(n)
		}
	}
}

// NewResponseHandler creates a new ResponseHandler.
func NewResponseHandler(msgService Service, dispatcher TurnDispatcher, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService: msgService,
		dispatcher: dispatcher,
		sem:        semaphore.NewWeighted(DefaultMaxConcurrentTurns),
		queues:     make(map[string][]models.Response),
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse canonicalizes the sender and dispatches the utterance as one turn.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	conversationID, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	slog.Debug("ResponseHandler processing response", "conversationID", conversationID, "body_length", len(response.Body))
	if err := rh.dispatcher.Dispatch(ctx, conversationID, response.Body); err != nil {
		return fmt.Errorf("turn for %s failed: %w", conversationID, err)
	}
	return nil
}

// Start consumes the service's response and receipt channels until ctx is done
// or the channels close.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.enqueue(ctx, response)
			case <-ctx.Done():
				return
			}
		}
	}()

	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		for {
			select {
			case receipt, ok := <-rh.msgService.Receipts():
				if !ok {
					return
				}
				rh.recordReceipt(receipt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the consumer loops and every in-flight turn have finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// enqueue appends the response to its conversation's queue, starting a worker
// when the conversation has none.
func (rh *ResponseHandler) enqueue(ctx context.Context, response models.Response) {
	conversationID, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler dropping response from invalid sender", "error", err, "from", response.From)
		return
	}

	rh.mu.Lock()
	pending, active := rh.queues[conversationID]
	rh.queues[conversationID] = append(pending, response)
	rh.mu.Unlock()
	if active {
		return
	}

	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		rh.drain(ctx, conversationID)
	}()
}

// drain processes a conversation's queue in order and removes it once empty.
func (rh *ResponseHandler) drain(ctx context.Context, conversationID string) {
	for {
		rh.mu.Lock()
		pending := rh.queues[conversationID]
		if len(pending) == 0 {
			delete(rh.queues, conversationID)
			rh.mu.Unlock()
			return
		}
		response := pending[0]
		pending[0] = models.Response{}
		rh.queues[conversationID] = pending[1:]
		rh.mu.Unlock()

		rh.process(ctx, response)
	}
}

func (rh *ResponseHandler) process(ctx context.Context, response models.Response) {
	if err := rh.sem.Acquire(ctx, 1); err != nil {
		slog.Warn("ResponseHandler dropping response, shutting down", "from", response.From)
		return
	}
	defer rh.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ResponseHandler recovered from panic", "panic", r, "from", response.From)
		}
	}()
	if err := rh.ProcessResponse(ctx, response); err != nil {
		slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
	}
}

// queued reports how many conversations currently have a worker.
func (rh *ResponseHandler) queued() int {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return len(rh.queues)
}

func (rh *ResponseHandler) recordReceipt(receipt models.Receipt) {
	if rh.receipts == nil {
		return
	}
	if err := rh.receipts.AddReceipt(receipt); err != nil {
		slog.Warn("ResponseHandler failed to record receipt", "error", err, "to", receipt.To, "status", receipt.Status)
	}
}
