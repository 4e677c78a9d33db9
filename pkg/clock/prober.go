package clock

import (
	"context"
	"time"
)

// ProbeFunc performs one round trip with a device and returns the sample.
// Implementations must honor ctx; the prober imposes a per-probe deadline.
type ProbeFunc func(ctx context.Context, n int) (Sample, error)

// Prober drives a round of probes against one device and reduces them to
// an Estimate. A failed round is not fatal to the session; it only leaves
// the clock confidence Unknown.
type Prober struct {
	Probe    ProbeFunc
	Count    int           // probes per round, default 12
	MinValid int           // default DefaultMinValid
	Timeout  time.Duration // per probe, default 2s
	Gap      time.Duration // pause between probes, default 20ms
	Clock    Clock
}

const (
	DefaultProbeCount   = 12
	DefaultProbeTimeout = 2 * time.Second
	defaultProbeGap     = 20 * time.Millisecond
)

// Run executes the round. It returns whatever it could compute: on ctx
// expiry the samples gathered so far still go through Compute, consistent
// with partial results being the normal failure mode.
func (p *Prober) Run(ctx context.Context) (Estimate, error) {
	count := p.Count
	if count <= 0 {
		count = DefaultProbeCount
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	gap := p.Gap
	if gap <= 0 {
		gap = defaultProbeGap
	}
	clk := p.Clock
	if clk == nil {
		clk = System{}
	}

	samples := make([]Sample, 0, count)
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		s, err := p.Probe(pctx, i)
		cancel()
		if err == nil {
			samples = append(samples, s)
		}
		if i < count-1 {
			select {
			case <-ctx.Done():
			case <-time.After(gap):
			}
		}
	}
	return Compute(samples, p.MinValid, clk.Now())
}
