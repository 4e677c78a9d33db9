package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ChaosConfig models an unreliable wireless link.
type ChaosConfig struct {
	// Probabilities [0..1].
	Loss    float64 // drop frame silently
	Dup     float64 // duplicate once
	Reorder float64 // extra delay on this frame to force reordering

	// Latency model.
	BaseDelay time.Duration // fixed one-way latency
	Jitter    time.Duration // +/- uniform jitter

	// Link starts up unless DownAtStart is set.
	DownAtStart bool

	// Seed 0 means time-based.
	Seed int64
}

// ChaosConn wraps a Conn so outbound frames pass through the chaos model.
// Inbound frames are passed through untouched; wrapping both ends of a
// pipe chaoses both directions.
type ChaosConn struct {
	under Conn

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

func WrapChaos(under Conn, cfg ChaosConfig) *ChaosConn {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	c := &ChaosConn{
		under:  under,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		closed: make(chan struct{}),
	}
	c.up.Store(!cfg.DownAtStart)
	return c
}

// SetUp toggles the simulated link.
func (c *ChaosConn) SetUp(up bool) { c.up.Store(up) }

// SetConfig replaces the chaos parameters at runtime.
func (c *ChaosConn) SetConfig(cfg ChaosConfig) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

func (c *ChaosConn) Recv(ctx context.Context) ([]byte, bool) {
	return c.under.Recv(ctx)
}

func (c *ChaosConn) Send(frame []byte) error {
	if !c.up.Load() {
		return ErrLinkDown
	}
	cfg := c.getCfg()

	if c.roll() < cfg.Loss {
		return nil // lost in the air; sender sees success, like UDP-ish WiFi
	}

	n := 1
	if c.roll() < cfg.Dup {
		n = 2
	}
	for i := 0; i < n; i++ {
		delay := cfg.BaseDelay
		if cfg.Jitter > 0 {
			delay += time.Duration(c.rollInt(int64(2*cfg.Jitter))) - cfg.Jitter
		}
		if c.roll() < cfg.Reorder {
			delay += cfg.BaseDelay + cfg.Jitter + time.Millisecond
		}
		if delay <= 0 {
			if err := c.under.Send(frame); err != nil {
				return err
			}
			continue
		}
		cp := make([]byte, len(frame))
		copy(cp, frame)
		c.wg.Add(1)
		go func(d time.Duration, b []byte) {
			defer c.wg.Done()
			select {
			case <-c.closed:
				return
			case <-time.After(d):
			}
			_ = c.under.Send(b)
		}(delay, cp)
	}
	return nil
}

func (c *ChaosConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.wg.Wait()
	return c.under.Close()
}

func (c *ChaosConn) RemoteAddr() string { return c.under.RemoteAddr() }

func (c *ChaosConn) getCfg() ChaosConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *ChaosConn) roll() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

func (c *ChaosConn) rollInt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Int63n(n)
}
