package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Listen != ":9000" || c.Control != ":9100" {
		t.Fatalf("addresses %s %s", c.Listen, c.Control)
	}
	if c.MaxDevices != 8 {
		t.Fatalf("max devices %d", c.MaxDevices)
	}
	if c.HeartbeatTimeout != 5*time.Second || c.DegradedGrace != 15*time.Second {
		t.Fatalf("timeouts %v %v", c.HeartbeatTimeout, c.DegradedGrace)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNCREC_LISTEN", ":7000")
	t.Setenv("SYNCREC_MAX_DEVICES", "4")
	t.Setenv("SYNCREC_HEARTBEAT_TIMEOUT", "10s")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Listen != ":7000" || c.MaxDevices != 4 || c.HeartbeatTimeout != 10*time.Second {
		t.Fatalf("overrides not applied: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SYNCREC_MAX_DEVICES", "0")
	if _, err := Load(); err == nil {
		t.Fatal("zero max devices accepted")
	}

	t.Setenv("SYNCREC_MAX_DEVICES", "8")
	t.Setenv("SYNCREC_HEARTBEAT_TIMEOUT", "500ms")
	t.Setenv("SYNCREC_HEARTBEAT_INTERVAL", "1s")
	if _, err := Load(); err == nil {
		t.Fatal("timeout below interval accepted")
	}
}
