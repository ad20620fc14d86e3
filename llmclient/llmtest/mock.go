// Package llmtest provides a scripted llmclient.Provider for testing
// planner, sub-planner, and worker pool code without a network call.
package llmtest

import (
	"context"
	"sync"

	"github.com/codesynth/codesynth/llmclient"
)

// MockProvider is a thread-safe scripted llmclient.Provider.
//
// Usage:
//
//	mock := &MockProvider{
//	    Responses: []*llmclient.Response{
//	        {Content: `{"scratchpad": "...", "tasks": []}`, Model: "test-model"},
//	    },
//	}
//
// Responses are returned in sequence; once exhausted, subsequent calls
// return a single empty Response unless Err is set, in which case Err
// takes precedence over any scripted response.
type MockProvider struct {
	mu              sync.Mutex
	capturedContext context.Context
	capturedReqs    []llmclient.Request
	Responses       []*llmclient.Response
	Err             error
	callCount       int
	responseIndex   int
}

// Name implements llmclient.Provider.
func (m *MockProvider) Name() string { return "mock" }

// Complete implements llmclient.Provider. It returns the next scripted
// response, or Err if set, and records the call for later inspection.
func (m *MockProvider) Complete(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.capturedReqs = append(m.capturedReqs, req)
	m.callCount++

	if m.Err != nil {
		return nil, m.Err
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	return &llmclient.Response{Content: "", Model: "mock-model"}, nil
}

// CapturedContext returns the context passed to the most recent Complete call.
func (m *MockProvider) CapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// CallCount returns the number of times Complete was called.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Requests returns a copy of every request Complete has observed, in order.
func (m *MockProvider) Requests() []llmclient.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llmclient.Request, len(m.capturedReqs))
	copy(out, m.capturedReqs)
	return out
}

// Reset clears call count, captured requests, and response cursor so the
// same mock can be reused across subtests.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.capturedContext = nil
	m.capturedReqs = nil
}
