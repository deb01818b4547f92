package imapclient

import "testing"

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{Host: "imap.gmail.com", Username: "user@example.com", Password: "secret"}
	got := c.withDefaults()

	if got.Port != 993 {
		t.Errorf("expected default port 993, got %d", got.Port)
	}
	if got.ConnectTimeout.Seconds() != 30 {
		t.Errorf("expected 30s connect timeout, got %v", got.ConnectTimeout)
	}
	if got.AuthTimeout.Seconds() != 30 {
		t.Errorf("expected 30s auth timeout, got %v", got.AuthTimeout)
	}
	if got.KeepaliveInterval.Seconds() != 10 {
		t.Errorf("expected 10s keepalive interval, got %v", got.KeepaliveInterval)
	}
	if got.IdleRenewInterval.Minutes() != 5 {
		t.Errorf("expected 5m idle renew interval, got %v", got.IdleRenewInterval)
	}
}

func TestConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	c := Config{Port: 143}
	got := c.withDefaults()
	if got.Port != 143 {
		t.Errorf("expected explicit port 143 to survive, got %d", got.Port)
	}
}

func TestDrainLiteral_NilIsNoop(t *testing.T) {
	// Must not panic when the fetch response carries no literal.
	drainLiteral(nil)
}
