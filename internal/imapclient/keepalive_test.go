package imapclient

import (
	"context"
	"testing"
)

func TestKeepalive_StartStopToggleActive(t *testing.T) {
	c := New(Config{}, nil)

	c.keepaliveMu.Lock()
	active := c.keepaliveActive
	c.keepaliveMu.Unlock()
	if active {
		t.Fatal("expected keepalive inactive before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.StartKeepalive(ctx)
	c.keepaliveMu.Lock()
	active = c.keepaliveActive
	c.keepaliveMu.Unlock()
	if !active {
		t.Fatal("expected keepalive active after Start")
	}

	c.StopKeepalive()
	c.keepaliveMu.Lock()
	active = c.keepaliveActive
	c.keepaliveMu.Unlock()
	if active {
		t.Fatal("expected keepalive inactive after Stop")
	}
}

func TestKeepalive_StartTwiceIsNoop(t *testing.T) {
	c := New(Config{}, nil)
	ctx := context.Background()

	c.StartKeepalive(ctx)
	c.keepaliveMu.Lock()
	first := c.keepaliveStop
	c.keepaliveMu.Unlock()

	c.StartKeepalive(ctx)
	c.keepaliveMu.Lock()
	second := c.keepaliveStop
	c.keepaliveMu.Unlock()

	if first != second {
		t.Error("expected second StartKeepalive call to be a no-op")
	}
	c.StopKeepalive()
}

func TestKeepalive_StopWhenNotActiveIsNoop(t *testing.T) {
	c := New(Config{}, nil)
	c.StopKeepalive() // must not panic
}
