// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockHTTPClient captures the outgoing request and returns a scripted
// response.
type mockHTTPClient struct {
	response *http.Response
	err      error
	lastReq  *http.Request
	lastBody []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func newTestProvider(t *testing.T, client HTTPClient) *Provider {
	t.Helper()
	p, err := NewProvider(Config{APIKey: "test-key"})
	require.NoError(t, err)
	p.client = client
	return p
}

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.Error(t, err)
}

func TestNewProviderDefaults(t *testing.T) {
	p, err := NewProvider(Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, p.DefaultModelName())
	assert.True(t, p.SupportsStreaming())
	assert.True(t, p.IsHealthy())
}

func TestCompleteSuccess(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(http.StatusOK, `{
		"id": "chatcmpl-123",
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4}
	}`)}
	p := newTestProvider(t, mock)

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Prompt:       "Say hello",
		SystemPrompt: "You are terse",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "chatcmpl-123", resp.RequestID)
	assert.Equal(t, 16, resp.Usage.TotalTokens)

	// Request shape: auth header, endpoint, system message first.
	assert.Equal(t, "Bearer test-key", mock.lastReq.Header.Get("Authorization"))
	assert.Contains(t, mock.lastReq.URL.Path, "/v1/chat/completions")

	var sent chatCompletionRequest
	require.NoError(t, json.Unmarshal(mock.lastBody, &sent))
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "user", sent.Messages[1].Role)
	assert.False(t, sent.Stream)
}

func TestCompleteParsesAPIError(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(http.StatusTooManyRequests, `{
		"error": {"type": "rate_limit_exceeded", "message": "Rate limit reached"}
	}`)}
	p := newTestProvider(t, mock)

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.True(t, apiErr.IsRateLimitError())
	assert.False(t, apiErr.IsAuthError())
	assert.Equal(t, "Rate limit reached", apiErr.Message)
	assert.Equal(t, "rate_limit_exceeded", apiErr.Type)
}

func TestCompleteAuthErrorMarksUnhealthyOnServerFault(t *testing.T) {
	mock := &mockHTTPClient{response: jsonResponse(http.StatusUnauthorized, `{
		"error": {"type": "invalid_request_error", "message": "Incorrect API key"}
	}`)}
	p := newTestProvider(t, mock)

	_, err := p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.True(t, apiErr.IsAuthError())
	// A 4xx is the caller's fault, not an outage.
	assert.True(t, p.IsHealthy())

	mock.response = jsonResponse(http.StatusInternalServerError, `oops`)
	_, err = p.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.False(t, p.IsHealthy())
}

func TestCompleteStreamAssemblesChunks(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"id":"chatcmpl-9","model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")
	mock := &mockHTTPClient{response: jsonResponse(http.StatusOK, stream)}
	p := newTestProvider(t, mock)

	var deltas []string
	var sawDone bool
	resp, err := p.CompleteStream(context.Background(), CompletionRequest{Prompt: "hi"}, func(chunk StreamChunk) error {
		if chunk.Done {
			sawDone = true
			assert.Equal(t, "stop", chunk.FinishReason)
			return nil
		}
		deltas = append(deltas, chunk.Content)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.True(t, sawDone)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "chatcmpl-9", resp.RequestID)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	// Streaming requests opt into usage reporting.
	var sent chatCompletionRequest
	require.NoError(t, json.Unmarshal(mock.lastBody, &sent))
	assert.True(t, sent.Stream)
	require.NotNil(t, sent.StreamOptions)
	assert.True(t, sent.StreamOptions.IncludeUsage)
}

func TestCompleteStreamSkipsMalformedEvents(t *testing.T) {
	stream := strings.Join([]string{
		`data: {not json`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	}, "\n")
	mock := &mockHTTPClient{response: jsonResponse(http.StatusOK, stream)}
	p := newTestProvider(t, mock)

	resp, err := p.CompleteStream(context.Background(), CompletionRequest{Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
