// Package listeners loads, validates, and hot-reloads the directory of
// YAML rule files that drive mail automation. Each file declares a
// config block (id, name, event) and a handler pipeline of
// condition/action steps; the dispatcher (internal/dispatch) invokes
// the pipeline against a capability context for every matching event.
package listeners

import "fmt"

// EventKind identifies which dispatch event a listener subscribes to.
type EventKind string

const (
	EventEmailReceived EventKind = "email_received"
	EventEmailSent     EventKind = "email_sent"
	EventEmailStarred  EventKind = "email_starred"
	EventEmailArchived EventKind = "email_archived"
	EventEmailLabeled  EventKind = "email_labeled"
	EventScheduledTime EventKind = "scheduled_time"
)

func (k EventKind) valid() bool {
	switch k {
	case EventEmailReceived, EventEmailSent, EventEmailStarred, EventEmailArchived, EventEmailLabeled, EventScheduledTime:
		return true
	default:
		return false
	}
}

// Config is the listener's identity and subscription, the part
// surfaced to GET /api/listeners and the listeners_update broadcast.
type Config struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Enabled     bool      `yaml:"enabled"`
	Event       EventKind `yaml:"event"`
}

func (c Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("config.id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("config.name is required")
	}
	if !c.Event.valid() {
		return fmt.Errorf("config.event %q is not a recognized event kind", c.Event)
	}
	return nil
}

// File is the on-disk shape of one listener: a config block plus the
// condition/action pipeline.
type File struct {
	Config  Config `yaml:"config"`
	Handler []Rule `yaml:"handler"`
}

// Listener is a loaded, validated rule ready for dispatch.
type Listener struct {
	Config     Config
	Handler    []Rule
	SourcePath string
	SourceText string
}

// Rule is one condition/action step of a handler pipeline. When
// CallAgent is set, its structured result is bound into the
// evaluation scope under BindAs before When is evaluated and before
// Then/Else actions are rendered, so callAgent plus branching actions
// is how a listener expresses "classify, then decide."
type Rule struct {
	When      Condition      `yaml:"when,omitempty"`
	CallAgent *CallAgentSpec `yaml:"call_agent,omitempty"`
	Then      []Action       `yaml:"then,omitempty"`
	Else      []Action       `yaml:"else,omitempty"`
}

// Condition is a set of field checks over the event payload and any
// bound callAgent result, all of which must hold (AND semantics) for
// a rule to match. A zero-value Condition with Always unset does not
// match anything; set Always to true for an unconditional rule.
type Condition struct {
	Always          bool   `yaml:"always,omitempty"`
	FromContains    string `yaml:"from_contains,omitempty"`
	SubjectContains string `yaml:"subject_contains,omitempty"`
	SubjectRegex    string `yaml:"subject_regex,omitempty"`
	HasLabel        string `yaml:"has_label,omitempty"`
	IsUnread        *bool  `yaml:"is_unread,omitempty"`
	BoolField       string `yaml:"bool_field,omitempty"` // dotted path into the bound scope, e.g. classification.isUrgent
}

// CallAgentSpec describes a structured-output sub-call a rule makes
// before evaluating When. BindAs names the scope key the JSON result
// is exposed under (e.g. "classification"), referenced by later
// conditions (BoolField: "classification.isUrgent") and action
// templates ({{.classification.reason}}).
type CallAgentSpec struct {
	Prompt string         `yaml:"prompt"`
	Schema map[string]any `yaml:"schema"`
	Model  string         `yaml:"model,omitempty"`
	BindAs string         `yaml:"bind_as"`
}

// Action is one context-API call a matched rule performs. Message and
// Label are text/template strings rendered against the evaluation
// scope (the event payload plus any bound callAgent result).
type Action struct {
	Op      ActionOp `yaml:"action"`
	Message string   `yaml:"message,omitempty"`
	Priority string  `yaml:"priority,omitempty"`
	Label   string   `yaml:"label,omitempty"`
}

// ActionOp names one of the context API operations of spec §4.5.
type ActionOp string

const (
	ActionNotify      ActionOp = "notify"
	ActionArchive     ActionOp = "archive"
	ActionStar        ActionOp = "star"
	ActionUnstar      ActionOp = "unstar"
	ActionMarkRead    ActionOp = "mark_read"
	ActionMarkUnread  ActionOp = "mark_unread"
	ActionAddLabel    ActionOp = "add_label"
	ActionRemoveLabel ActionOp = "remove_label"
)

func validateFile(f File) error {
	if err := f.Config.validate(); err != nil {
		return err
	}
	for i, rule := range f.Handler {
		if rule.CallAgent != nil {
			if rule.CallAgent.Prompt == "" {
				return fmt.Errorf("handler[%d].call_agent.prompt is required", i)
			}
			if rule.CallAgent.BindAs == "" {
				return fmt.Errorf("handler[%d].call_agent.bind_as is required", i)
			}
		}
		for j, a := range rule.Then {
			if err := a.validate(); err != nil {
				return fmt.Errorf("handler[%d].then[%d]: %w", i, j, err)
			}
		}
		for j, a := range rule.Else {
			if err := a.validate(); err != nil {
				return fmt.Errorf("handler[%d].else[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func (a Action) validate() error {
	switch a.Op {
	case ActionNotify, ActionArchive, ActionStar, ActionUnstar, ActionMarkRead, ActionMarkUnread, ActionAddLabel, ActionRemoveLabel:
		return nil
	default:
		return fmt.Errorf("unrecognized action %q", a.Op)
	}
}
