package queue

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/l0p7/offlinegate/internal/expr"
)

// Policy decides whether a failed write is queued for replay.
type Policy struct {
	program *expr.Program
}

// NewPolicy compiles the eligibility expression. An empty expression disables
// queueing.
func NewPolicy(expression string) (*Policy, error) {
	if strings.TrimSpace(expression) == "" {
		return &Policy{}, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("queue: eligibility: %w", err)
	}
	return &Policy{program: &program}, nil
}

// Candidate describes a failed write for the eligibility expression.
type Candidate struct {
	Method string
	URL    string
	Path   string
	Class  string
	Header http.Header
}

// Eligible evaluates the expression with the candidate bound to `request`.
func (p *Policy) Eligible(c Candidate) (bool, error) {
	if p == nil || p.program == nil {
		return false, nil
	}
	headers := make(map[string]any, len(c.Header))
	for name := range c.Header {
		headers[strings.ToLower(name)] = c.Header.Get(name)
	}
	return p.program.EvalBool(map[string]any{
		"request": map[string]any{
			"method":  strings.ToUpper(c.Method),
			"url":     c.URL,
			"path":    c.Path,
			"class":   c.Class,
			"headers": headers,
		},
	})
}
