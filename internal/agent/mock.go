package agent

import (
	"context"
	"time"
)

// MockAgent is a scriptable Agent for tests: it records every call and
// returns either a configured result or a default success.
type MockAgent struct {
	AgentName string

	// RunFunc, when set, handles Run instead of the default.
	RunFunc func(ctx context.Context, opts RunOpts) (*RunResult, error)

	// RateLimitResult, when set, is returned by every ParseRateLimit.
	RateLimitResult *RateLimitInfo

	// Calls records every RunOpts passed to Run, in order.
	Calls []RunOpts
}

// NewMockAgent creates a mock whose Run returns "mock output".
func NewMockAgent(name string) *MockAgent {
	return &MockAgent{AgentName: name}
}

func (m *MockAgent) Name() string { return m.AgentName }

func (m *MockAgent) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	m.Calls = append(m.Calls, opts)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, opts)
	}
	return &RunResult{Stdout: "mock output", Duration: 100 * time.Millisecond}, nil
}

func (m *MockAgent) ParseRateLimit(string) (*RateLimitInfo, bool) {
	if m.RateLimitResult != nil {
		return m.RateLimitResult, m.RateLimitResult.IsLimited
	}
	return nil, false
}

// WithRunFunc sets a custom Run handler, returning the receiver for
// chaining.
func (m *MockAgent) WithRunFunc(fn func(ctx context.Context, opts RunOpts) (*RunResult, error)) *MockAgent {
	m.RunFunc = fn
	return m
}

// WithRateLimit makes every ParseRateLimit report a limit with the given
// reset duration.
func (m *MockAgent) WithRateLimit(resetAfter time.Duration) *MockAgent {
	m.RateLimitResult = &RateLimitInfo{IsLimited: true, ResetAfter: resetAfter, Message: "mock rate limit"}
	return m
}
