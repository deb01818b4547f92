package listeners

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Matches reports whether a condition holds against scope, the
// evaluation context built from an event payload plus any bound
// callAgent result. Unset fields are not checked (implicit AND over
// the fields that are set); a zero-value Condition with Always false
// and every other field empty never matches.
func (c Condition) Matches(scope map[string]any) bool {
	if c.Always {
		return true
	}

	matchedAny := false

	if c.FromContains != "" {
		matchedAny = true
		from, _ := scope["fromAddress"].(string)
		if !strings.Contains(strings.ToLower(from), strings.ToLower(c.FromContains)) {
			return false
		}
	}
	if c.SubjectContains != "" {
		matchedAny = true
		subject, _ := scope["subject"].(string)
		if !strings.Contains(strings.ToLower(subject), strings.ToLower(c.SubjectContains)) {
			return false
		}
	}
	if c.SubjectRegex != "" {
		matchedAny = true
		re, err := regexp.Compile(c.SubjectRegex)
		if err != nil {
			return false
		}
		subject, _ := scope["subject"].(string)
		if !re.MatchString(subject) {
			return false
		}
	}
	if c.HasLabel != "" {
		matchedAny = true
		labels, _ := scope["labels"].([]string)
		found := false
		for _, l := range labels {
			if l == c.HasLabel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.IsUnread != nil {
		matchedAny = true
		isRead, _ := scope["isRead"].(bool)
		if (*c.IsUnread) == isRead {
			return false
		}
	}
	if c.BoolField != "" {
		matchedAny = true
		if !lookupBool(scope, c.BoolField) {
			return false
		}
	}

	return matchedAny
}

// lookupBool resolves a dotted path like "classification.isUrgent"
// against nested map[string]any scopes.
func lookupBool(scope map[string]any, path string) bool {
	parts := strings.Split(path, ".")
	var cur any = scope
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[p]
		if !ok {
			return false
		}
	}
	b, _ := cur.(bool)
	return b
}

// Render expands a text/template string against scope. Used for
// Action.Message and Action.Label/Priority so a rule can reference
// bound callAgent fields, e.g. "{{.classification.reason}}".
func Render(tmplText string, scope map[string]any) (string, error) {
	if !strings.Contains(tmplText, "{{") {
		return tmplText, nil
	}
	tmpl, err := template.New("action").Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scope); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
