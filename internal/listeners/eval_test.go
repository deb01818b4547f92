package listeners

import "testing"

func TestCondition_Always(t *testing.T) {
	c := Condition{Always: true}
	if !c.Matches(map[string]any{}) {
		t.Error("expected Always condition to match empty scope")
	}
}

func TestCondition_ZeroValueNeverMatches(t *testing.T) {
	c := Condition{}
	if c.Matches(map[string]any{"fromAddress": "a@b.com"}) {
		t.Error("expected zero-value condition to never match")
	}
}

func TestCondition_FromContains(t *testing.T) {
	c := Condition{FromContains: "news@noreply.site"}
	scope := map[string]any{"fromAddress": "News@NoReply.Site"}
	if !c.Matches(scope) {
		t.Error("expected case-insensitive match")
	}

	scope2 := map[string]any{"fromAddress": "boss@company.com"}
	if c.Matches(scope2) {
		t.Error("expected no match for unrelated sender")
	}
}

func TestCondition_SubjectRegex(t *testing.T) {
	c := Condition{SubjectRegex: `^\[URGENT\]`}
	if !c.Matches(map[string]any{"subject": "[URGENT] server down"}) {
		t.Error("expected regex match")
	}
	if c.Matches(map[string]any{"subject": "normal subject"}) {
		t.Error("expected no match")
	}
}

func TestCondition_HasLabel(t *testing.T) {
	c := Condition{HasLabel: "Work"}
	if !c.Matches(map[string]any{"labels": []string{"Work", "Invoices"}}) {
		t.Error("expected label match")
	}
	if c.Matches(map[string]any{"labels": []string{"Personal"}}) {
		t.Error("expected no match")
	}
}

func TestCondition_BoolField_NestedScope(t *testing.T) {
	c := Condition{BoolField: "classification.isUrgent"}
	scope := map[string]any{
		"classification": map[string]any{"isUrgent": true},
	}
	if !c.Matches(scope) {
		t.Error("expected nested bool field match")
	}

	scope2 := map[string]any{
		"classification": map[string]any{"isUrgent": false},
	}
	if c.Matches(scope2) {
		t.Error("expected no match when bool field is false")
	}
}

func TestRender_PlainStringPassesThrough(t *testing.T) {
	got, err := Render("no template here", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "no template here" {
		t.Errorf("got %q", got)
	}
}

func TestRender_ExpandsNestedField(t *testing.T) {
	scope := map[string]any{
		"classification": map[string]any{"reason": "production outage"},
	}
	got, err := Render("{{.classification.reason}}", scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "production outage" {
		t.Errorf("got %q", got)
	}
}
