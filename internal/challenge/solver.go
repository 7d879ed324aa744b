package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/desertthunder/setgraph/internal/shared"
)

// Solver is the pluggable backend for human-verification challenges.
// A real backend integrates with an external solving service; the in-tree
// default only accounts for budget and reports the challenge unsolved.
type Solver interface {
	// Solve attempts to obtain a token for the challenge. Params carry
	// provider-specific material (site key, page URL).
	Solve(ctx context.Context, c *Challenge, params map[string]string, timeout time.Duration) (string, error)
}

// BudgetSolver is the default in-tree solver. It tracks how much solve budget
// would have been consumed and always returns a structured unsolved failure.
type BudgetSolver struct {
	mu       sync.Mutex
	perSolve float64
	limit    float64
	consumed float64
	attempts int
}

// NewBudgetSolver creates the default solver with a per-solve cost estimate
// and a total budget cap.
func NewBudgetSolver(perSolve, limit float64) *BudgetSolver {
	if perSolve <= 0 {
		perSolve = 0.003 // typical per-solve market price in USD
	}
	return &BudgetSolver{perSolve: perSolve, limit: limit}
}

// Solve records the consumption that a real backend would have incurred and
// fails with [shared.ErrChallenge].
func (s *BudgetSolver) Solve(_ context.Context, c *Challenge, _ map[string]string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.limit > 0 && s.consumed+s.perSolve > s.limit {
		return "", fmt.Errorf("%w: solver budget exhausted after %d attempts", shared.ErrChallenge, s.attempts)
	}
	s.consumed += s.perSolve

	return "", fmt.Errorf("%w: %s challenge unsolved (no solver backend configured)", shared.ErrChallenge, c.Provider)
}

// Consumed returns the budget spent so far.
func (s *BudgetSolver) Consumed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// HTTPSolver forwards challenges to an external solving service speaking a
// JSON request/response protocol.
type HTTPSolver struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPSolver creates a solver backed by the configured service.
func NewHTTPSolver(cfg shared.SolverConfig) *HTTPSolver {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPSolver{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

type solveRequest struct {
	Provider string            `json:"provider"`
	Params   map[string]string `json:"params"`
}

type solveResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Solve posts the challenge to the backend and returns its token.
func (s *HTTPSolver) Solve(ctx context.Context, c *Challenge, params map[string]string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(solveRequest{Provider: string(c.Provider), Params: params})
	if err != nil {
		return "", fmt.Errorf("%w: encode solve request: %v", shared.ErrChallenge, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrChallenge, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: solver request failed: %v", shared.ErrChallenge, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read solver response: %v", shared.ErrChallenge, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: solver returned %d: %s", shared.ErrChallenge, resp.StatusCode, body)
	}

	var sr solveResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("%w: decode solver response: %v", shared.ErrChallenge, err)
	}
	if sr.Error != "" || sr.Token == "" {
		return "", fmt.Errorf("%w: solver failed: %s", shared.ErrChallenge, sr.Error)
	}

	return sr.Token, nil
}
