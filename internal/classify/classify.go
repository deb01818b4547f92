// Package classify implements the structured-output LLM sub-call
// exposed to listeners as callAgent. It wraps a single Anthropic
// request with a forced tool call so the response is guaranteed to
// match the caller's JSON schema, or fails with a typed error.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvidhollow/quillmail/internal/llm"
)

// toolName is the single forced tool every callAgent request declares.
// The caller's schema becomes this tool's input_schema; there is never
// more than one tool in play, so a fixed name is fine.
const toolName = "respond"

// DefaultTimeout bounds the wall-clock time of a single CallAgent call.
// spec.md leaves this implementation-defined ("an upper bound"); 30s
// matches the teacher's general external-call budget (see
// internal/delegate's sub-agent timeout).
const DefaultTimeout = 30 * time.Second

// ErrNoStructuredResponse is returned when the model's response carries
// no tool-use block matching the forced tool, despite tool_choice
// requiring one (e.g., truncation at max_tokens). This is spec.md §7's
// callAgent validation error — it is surfaced to the listener, not
// retried.
var ErrNoStructuredResponse = errors.New("classify: model returned no structured response")

// modelAliases maps the listener-facing selector to a concrete
// Anthropic model string. Grounded on the teacher's
// config.ModelsConfig/ContextWindowForModel pattern: a named alias
// looked up against a small table, falling back to a default when the
// alias is unrecognized rather than failing the call.
var modelAliases = map[string]string{
	"haiku":  "claude-3-5-haiku-20241022",
	"sonnet": "claude-sonnet-4-20250514",
	"opus":   "claude-opus-4-20250514",
}

// DefaultModelAlias is used when the caller's model selector is empty.
const DefaultModelAlias = "haiku"

// resolveModel maps a listener's model selector to a concrete model
// string. An empty or unrecognized selector falls back to the haiku
// alias rather than failing — callAgent's model argument is advisory,
// not a hard requirement.
func resolveModel(alias string) string {
	if alias == "" {
		alias = DefaultModelAlias
	}
	if m, ok := modelAliases[alias]; ok {
		return m
	}
	return modelAliases[DefaultModelAlias]
}

// Anthropic is the slice of internal/llm's AnthropicClient this
// package needs: one forced tool-use call.
type Anthropic interface {
	CallTool(ctx context.Context, model, system, userPrompt, toolName string, schema map[string]any) (map[string]any, error)
}

// Gateway performs callAgent's structured-output sub-calls.
type Gateway struct {
	logger  *slog.Logger
	client  Anthropic
	timeout time.Duration
}

// New builds a Gateway bound to the given Anthropic client. A zero
// timeout falls back to DefaultTimeout.
func New(logger *slog.Logger, client Anthropic, timeout time.Duration) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{logger: logger, client: client, timeout: timeout}
}

// CallAgent performs one structured-output call: prompt in, a payload
// matching schema out. schema is a JSON-Schema object type (named
// properties plus a required list, per spec.md §4.6) describing the
// shape of the returned map. model selects among the haiku/sonnet/opus
// aliases; an empty or unknown value defaults to haiku.
//
// The call is bounded by g.timeout regardless of the caller's context
// deadline, so a single misbehaving listener cannot hang the
// dispatcher indefinitely.
func (g *Gateway) CallAgent(ctx context.Context, prompt string, schema map[string]any, model string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resolved := resolveModel(model)
	g.logger.Debug("callAgent", "model_alias", model, "model", resolved, "prompt_len", len(prompt))

	result, err := g.client.CallTool(ctx, resolved, "", prompt, toolName, schema)
	if err != nil {
		if errors.Is(err, llm.ErrNoToolUse) {
			return nil, ErrNoStructuredResponse
		}
		return nil, fmt.Errorf("callAgent: %w", err)
	}
	if result == nil {
		return nil, ErrNoStructuredResponse
	}
	return result, nil
}
