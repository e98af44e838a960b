package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel replays canned results and records what it was called with.
type fakeModel struct {
	mu       sync.Mutex
	results  []func(ctx context.Context) (*llms.ContentResponse, error)
	calls    int
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.messages = messages
	f.opts = llms.CallOptions{}
	for _, o := range options {
		o(&f.opts)
	}
	f.mu.Unlock()
	return f.results[min(i, len(f.results)-1)](ctx)
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func reply(text string) func(context.Context) (*llms.ContentResponse, error) {
	return func(context.Context) (*llms.ContentResponse, error) {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
	}
}

func fail(err error) func(context.Context) (*llms.ContentResponse, error) {
	return func(context.Context) (*llms.ContentResponse, error) { return nil, err }
}

func newTestClient(m llms.Model, cfg config.LLMConfig) *Client {
	cfg.RateLimit = 1000
	cfg.Burst = 100
	c := NewWithModel(m, cfg, nil)
	c.backoff = time.Millisecond
	return c
}

func TestComplete_PropagatesOptions(t *testing.T) {
	m := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){reply("[]")}}
	c := newTestClient(m, config.LLMConfig{Model: "gpt-test"})

	got, err := c.Complete(context.Background(), "write cases", Options{Temperature: 0.7, MaxTokens: 4096})
	require.NoError(t, err)
	assert.Equal(t, "[]", got)

	require.Len(t, m.messages, 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, m.messages[0].Role)
	require.Len(t, m.messages[0].Parts, 1)
	assert.Equal(t, llms.TextContent{Text: "write cases"}, m.messages[0].Parts[0])
	assert.InDelta(t, 0.7, m.opts.Temperature, 1e-9)
	assert.Equal(t, 4096, m.opts.MaxTokens)
}

func TestComplete_RetriesTransientErrors(t *testing.T) {
	m := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		fail(errors.New("API returned unexpected status code: 502")),
		fail(errors.New("connection reset by peer")),
		reply("ok"),
	}}
	c := newTestClient(m, config.LLMConfig{MaxRetries: 3})

	got, err := c.Complete(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, m.calls)
}

func TestComplete_ClientErrorNotRetried(t *testing.T) {
	m := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		fail(errors.New("API returned unexpected status code: 401: invalid api key")),
	}}
	c := newTestClient(m, config.LLMConfig{MaxRetries: 3})

	_, err := c.Complete(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, m.calls)
}

func TestComplete_GivesUp(t *testing.T) {
	m := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		fail(errors.New("dial tcp: connection refused")),
	}}
	c := newTestClient(m, config.LLMConfig{MaxRetries: 2})

	_, err := c.Complete(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, m.calls)
}

func TestComplete_Timeout(t *testing.T) {
	m := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		func(ctx context.Context) (*llms.ContentResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	c := newTestClient(m, config.LLMConfig{MaxRetries: 0, Timeout: config.Duration(10 * time.Millisecond)})

	_, err := c.Complete(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestComplete_EmptyResponse(t *testing.T) {
	m := &fakeModel{results: []func(context.Context) (*llms.ContentResponse, error){
		func(context.Context) (*llms.ContentResponse, error) { return &llms.ContentResponse{}, nil },
	}}
	c := newTestClient(m, config.LLMConfig{MaxRetries: 3})

	_, err := c.Complete(context.Background(), "p", Options{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, m.calls)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.LLMConfig{Model: "gpt-3.5-turbo"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err := New(config.LLMConfig{BaseURL: "http://localhost:1/v1", Model: "gpt-3.5-turbo"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
