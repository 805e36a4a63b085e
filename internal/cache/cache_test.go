package cache

import (
	"testing"
	"time"

	"github.com/wudi/transit/internal/config"
)

// A client with no addr configured must degrade every operation, never panic.
func TestDisabledClient(t *testing.T) {
	c := New(config.RedisConfig{})

	if c.Enabled() {
		t.Fatal("Enabled() must be false without an addr")
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("Get must miss")
	}
	c.Set("k", "v", time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatal("Set must be a no-op")
	}
	if _, ok := c.HGetAll("h"); ok {
		t.Fatal("HGetAll must miss")
	}
	c.HIncrByFloat("h", "f", 1, time.Minute)
	c.ZAdd("z", 1, "m", time.Minute)
	if _, ok := c.ZRangeByScore("z", 0, 2); ok {
		t.Fatal("ZRangeByScore must miss")
	}
	c.ZTrim("z", 0, 10)
	c.Del("k")
	c.Expire("k", time.Minute)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// SetNX is the one write that surfaces its error so the notification sink can
// fall back to in-memory dedupe.
func TestDisabledClientSetNXSurfacesError(t *testing.T) {
	c := New(config.RedisConfig{})
	if _, err := c.SetNX("k", "v", time.Minute); err == nil {
		t.Fatal("SetNX must error when the cache is disabled")
	}
}

func TestDisabledClientJSON(t *testing.T) {
	c := New(config.RedisConfig{})
	c.SetJSON("k", map[string]int{"a": 1}, time.Minute)

	var out map[string]int
	if c.GetJSON("k", &out) {
		t.Fatal("GetJSON must miss")
	}
}

func TestNilReceiverEnabled(t *testing.T) {
	var c *Client
	if c.Enabled() {
		t.Fatal("nil client must report disabled")
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{1.5, "1.5"},
		{1700000000000, "1700000000000"},
	}
	for _, tt := range tests {
		if got := formatFloat(tt.in); got != tt.want {
			t.Errorf("formatFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
