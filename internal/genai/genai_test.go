package genai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing. Each call consumes the next
// scripted result; the last one repeats.
type mockChatService struct {
	mu      sync.Mutex
	results []mockResult
	calls   int
	params  []openai.ChatCompletionNewParams
}

type mockResult struct {
	content string
	empty   bool
	err     error
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = append(m.params, params)
	r := m.results[min(m.calls, len(m.results)-1)]
	m.calls++
	if r.err != nil {
		return openai.ChatCompletion{}, r.err
	}
	if r.empty {
		return openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}, nil
	}
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: r.content}}},
	}, nil
}

func testClient(chat chatService) *Client {
	cfg := defaultOpts()
	cfg.Backoff = time.Millisecond
	cfg.RateLimit = 0
	return newClient(chat, cfg)
}

func TestGenerateJSON_Success(t *testing.T) {
	mock := &mockChatService{results: []mockResult{{content: ` {"ok": true} `}}}
	client := testClient(mock)

	out, err := client.GenerateJSON(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"ok": true}` {
		t.Errorf("expected trimmed JSON, got %q", out)
	}
	if mock.params[0].ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
	if len(mock.params[0].Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.params[0].Messages))
	}
}

func TestGenerateText_NoResponseFormat(t *testing.T) {
	mock := &mockChatService{results: []mockResult{{content: "Hello World"}}}
	out, err := testClient(mock).GenerateText(context.Background(), "sys", "usr")
	if err != nil || out != "Hello World" {
		t.Fatalf("got %q, %v", out, err)
	}
	if mock.params[0].ResponseFormat.OfJSONObject != nil {
		t.Error("plain text request should not set JSON mode")
	}
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	mock := &mockChatService{results: []mockResult{
		{err: errors.New("503 upstream")},
		{empty: true},
		{content: "third time lucky"},
	}}
	out, err := testClient(mock).GenerateText(context.Background(), "sys", "usr")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if out != "third time lucky" || mock.calls != 3 {
		t.Errorf("got %q after %d calls", out, mock.calls)
	}
}

func TestGenerate_ExhaustsAttempts(t *testing.T) {
	mock := &mockChatService{results: []mockResult{{err: errors.New("service failure")}}}
	_, err := testClient(mock).GenerateJSON(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected service failure error, got %v", err)
	}
	if mock.calls != DefaultMaxAttempts {
		t.Errorf("expected %d attempts, got %d", DefaultMaxAttempts, mock.calls)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	mock := &mockChatService{results: []mockResult{{empty: true}}}
	_, err := testClient(mock).GenerateText(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestGenerate_EmptyContent(t *testing.T) {
	mock := &mockChatService{results: []mockResult{{content: "   "}}}
	_, err := testClient(mock).GenerateText(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestGenerate_CanceledContext(t *testing.T) {
	mock := &mockChatService{results: []mockResult{{err: errors.New("boom")}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(mock).GenerateText(ctx, "sys", "usr")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.calls > 1 {
		t.Errorf("canceled context should stop retries, got %d calls", mock.calls)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithOptions(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithRetry(5, time.Second), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.maxAttempts != 5 || cli.timeout != time.Second {
		t.Errorf("options not applied: %+v", cli)
	}
	if cli.limiter == nil {
		t.Error("expected default rate limiter")
	}
}
