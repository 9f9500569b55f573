// Package llm provides the language-model invoker used by every reasoning
// component. A single Client backend is shared; callers invoke it through
// roles so temperature and retry policy stay consistent per task.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"scout/internal/logging"
	"scout/internal/types"
)

// Client is a provider backend. Implementations must be safe for concurrent
// use.
type Client interface {
	Complete(ctx context.Context, system, user string, temperature float64) (string, error)
}

// Role names a reasoning task. Each role carries its own temperature so
// deterministic tasks (validation, selection) stay cold while generative
// tasks (synthesis) run warmer.
type Role string

const (
	RolePhaseSelector        Role = "phase_selector"
	RoleRequirementsReasoner Role = "requirements_reasoner"
	RoleRelevanceScanner     Role = "relevance_scanner"
	RolePageReader           Role = "page_reader"
	RoleExtractionValidator  Role = "extraction_validator"
	RoleNavigationDecider    Role = "navigation_decider"
	RoleRetryDecider         Role = "retry_decider"
	RoleSynthesizer          Role = "synthesizer"
	RoleSatisfactionEval     Role = "satisfaction_evaluator"
	RoleGoalGenerator        Role = "goal_generator"
	RolePageSummarizer       Role = "page_summarizer"
)

var roleTemperatures = map[Role]float64{
	RolePhaseSelector:        0.0,
	RoleRequirementsReasoner: 0.2,
	RoleRelevanceScanner:     0.0,
	RolePageReader:           0.1,
	RoleExtractionValidator:  0.0,
	RoleNavigationDecider:    0.1,
	RoleRetryDecider:         0.0,
	RoleSynthesizer:          0.4,
	RoleSatisfactionEval:     0.1,
	RoleGoalGenerator:        0.3,
	RolePageSummarizer:       0.2,
}

// Invoker wraps a Client with role routing, retries, and call accounting.
type Invoker struct {
	client     Client
	maxRetries int
	timeout    time.Duration

	callCount int64
}

// NewInvoker builds an Invoker over the given backend.
func NewInvoker(client Client, maxRetries int, timeout time.Duration) *Invoker {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Invoker{client: client, maxRetries: maxRetries, timeout: timeout}
}

// Invoke runs one completion for the role, retrying transient failures with
// exponential backoff (1s, 2s, 4s, ...).
func (inv *Invoker) Invoke(ctx context.Context, role Role, system, user string) (string, error) {
	if inv == nil || inv.client == nil {
		return "", types.NewError(types.ErrLLMUnavailable, string(role), fmt.Errorf("no client configured"))
	}
	temp, ok := roleTemperatures[role]
	if !ok {
		temp = 0.2
	}

	atomic.AddInt64(&inv.callCount, 1)
	timer := logging.StartTimer(logging.CategoryLLM, string(role))
	defer timer.Stop()

	var lastErr error
	for attempt := 0; attempt < inv.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logging.LLMDebug("Retry %d for role %s after %v: %v", attempt, role, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", types.NewError(types.ErrCancelled, string(role), ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
		out, err := inv.client.Complete(callCtx, system, user, temp)
		cancel()
		if err == nil {
			return strings.TrimSpace(out), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", types.NewError(types.ErrCancelled, string(role), ctx.Err())
		}
		if !isRetryable(err) {
			break
		}
	}
	return "", types.NewError(types.ErrLLMUnavailable, string(role),
		fmt.Errorf("after %d attempts: %w", inv.maxRetries, lastErr))
}

// CallCount returns the number of invocations made so far.
func (inv *Invoker) CallCount() int64 {
	return atomic.LoadInt64(&inv.callCount)
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "500")
}
