// devicesim runs a fleet of simulated capture devices against a running
// coordinator daemon, optionally through a chaotic link.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juanpablocruz/syncrec/internal/devicesim"
	"github.com/juanpablocruz/syncrec/pkg/transport"
	"github.com/juanpablocruz/syncrec/pkg/wire"
)

type simConfig struct {
	Addr   string
	Count  int
	Prefix string
	Caps   string

	Heartbeat time.Duration
	Skew      time.Duration

	// Chaos knobs
	Loss   float64
	Dup    float64
	Reord  float64
	Delay  time.Duration
	Jitter time.Duration
}

func parseFlags() *simConfig {
	cfg := &simConfig{}
	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:9000", "coordinator device port")
	flag.IntVar(&cfg.Count, "n", 4, "number of simulated devices")
	flag.StringVar(&cfg.Prefix, "prefix", "dev", "device id prefix")
	flag.StringVar(&cfg.Caps, "caps", "camera", "comma-separated capabilities per device")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", 0, "heartbeat override (0 = use coordinator cadence)")
	flag.DurationVar(&cfg.Skew, "skew", 0, "device clock skew added per device index")
	flag.Float64Var(&cfg.Loss, "loss", 0.0, "drop probability [0..1]")
	flag.Float64Var(&cfg.Dup, "dup", 0.0, "dup probability [0..1]")
	flag.Float64Var(&cfg.Reord, "reorder", 0.0, "reorder probability [0..1]")
	flag.DurationVar(&cfg.Delay, "delay", 0, "base one-way delay")
	flag.DurationVar(&cfg.Jitter, "jitter", 0, "jitter (+/-)")
	flag.Parse()
	return cfg
}

func (cfg *simConfig) Validate() error {
	if cfg.Count < 1 {
		return fmt.Errorf("need at least 1 device, got %d", cfg.Count)
	}
	for _, p := range []struct {
		name string
		v    float64
	}{{"loss", cfg.Loss}, {"dup", cfg.Dup}, {"reorder", cfg.Reord}} {
		if p.v < 0 || p.v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", p.name, p.v)
		}
	}
	for _, c := range parseCaps(cfg.Caps) {
		if !wire.ValidCapability(c) {
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	return nil
}

func parseCaps(s string) []wire.Capability {
	var out []wire.Capability
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, wire.Capability(part))
		}
	}
	return out
}

func (cfg *simConfig) chaotic() bool {
	return cfg.Loss > 0 || cfg.Dup > 0 || cfg.Reord > 0 || cfg.Delay > 0 || cfg.Jitter > 0
}

func main() {
	cfg := parseFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	caps := parseCaps(cfg.Caps)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Count; i++ {
		id := fmt.Sprintf("%s-%02d", cfg.Prefix, i)
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			runDevice(ctx, cfg, i, id, caps)
		}(i, id)
	}
	wg.Wait()
}

// runDevice keeps one device alive, redialing on failure until ctx ends.
func runDevice(ctx context.Context, cfg *simConfig, idx int, id string, caps []wire.Capability) {
	for ctx.Err() == nil {
		conn, err := transport.Dial(cfg.Addr, 5*time.Second)
		if err != nil {
			slog.Warn("dial_failed", "device", id, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var link transport.Conn = conn
		if cfg.chaotic() {
			link = transport.WrapChaos(conn, transport.ChaosConfig{
				Loss:      cfg.Loss,
				Dup:       cfg.Dup,
				Reorder:   cfg.Reord,
				BaseDelay: cfg.Delay,
				Jitter:    cfg.Jitter,
			})
		}

		d := devicesim.New(link, devicesim.Options{
			DeviceID:       id,
			Capabilities:   caps,
			HeartbeatEvery: cfg.Heartbeat,
			ClockSkew:      time.Duration(idx) * cfg.Skew,
		})
		if err := d.Run(ctx); err != nil {
			slog.Warn("device_stopped", "device", id, "err", err)
		}
		d.Stop()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
