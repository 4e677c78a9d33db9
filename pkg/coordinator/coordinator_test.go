package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/syncrec/internal/devicesim"
	"github.com/juanpablocruz/syncrec/pkg/registry"
	"github.com/juanpablocruz/syncrec/pkg/router"
	"github.com/juanpablocruz/syncrec/pkg/session"
	"github.com/juanpablocruz/syncrec/pkg/transport"
)

// rig wires a full in-process coordinator stack over mem pipes.
type rig struct {
	reg   *registry.Registry
	coord *Coordinator
	ctx   context.Context
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New(registry.Config{MaxDevices: 8})
	rtr := router.New(reg, nil)
	coord := New(reg, rtr, nil, nil, nil, Defaults{
		Countdown:      150 * time.Millisecond,
		StopTimeout:    300 * time.Millisecond,
		MaxUncertainty: 500 * time.Millisecond,
		ProbeCount:     5,
		ProbeTimeout:   500 * time.Millisecond,
	})
	return &rig{reg: reg, coord: coord, ctx: ctx}
}

func (r *rig) attach(t *testing.T, id string, opts devicesim.Options) *devicesim.Device {
	t.Helper()
	coordSide, devSide := transport.Pipe(256)
	t.Cleanup(func() { coordSide.Close(); devSide.Close() })
	go r.reg.HandleConn(r.ctx, coordSide)

	opts.DeviceID = id
	if opts.HeartbeatEvery == 0 {
		opts.HeartbeatEvery = 50 * time.Millisecond
	}
	d := devicesim.New(devSide, opts)
	t.Cleanup(d.Stop)
	go func() { _ = d.Run(r.ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := r.reg.Lookup(id); ok && s.State() == session.Ready {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never became ready", id)
	return nil
}

func allQuorum() SessionConfig {
	return SessionConfig{Quorum: QuorumPolicy{Mode: QuorumAll}}
}

func TestStartRequiresExplicitQuorum(t *testing.T) {
	r := newRig(t)
	_, err := r.coord.StartSession(r.ctx, SessionConfig{})
	require.ErrorIs(t, err, ErrQuorumPolicyRequired)

	_, err = r.coord.StartSession(r.ctx, SessionConfig{
		Quorum: QuorumPolicy{Mode: QuorumMinCount, MinCount: 0},
	})
	require.ErrorIs(t, err, ErrQuorumPolicyRequired)
}

func TestStartWithNoDevices(t *testing.T) {
	r := newRig(t)
	_, err := r.coord.StartSession(r.ctx, allQuorum())
	require.ErrorIs(t, err, ErrNoDevices)
}

func TestStartStopAllCompleted(t *testing.T) {
	r := newRig(t)
	devs := []*devicesim.Device{
		r.attach(t, "cam-0", devicesim.Options{}),
		r.attach(t, "cam-1", devicesim.Options{ClockSkew: 30 * time.Millisecond}),
		r.attach(t, "cam-2", devicesim.Options{ClockSkew: -80 * time.Millisecond}),
	}

	res, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
	require.True(t, res.Started)
	assert.Len(t, res.Accepted, 3)
	assert.True(t, res.Reference.After(time.Now().Add(-time.Second)))

	for _, d := range devs {
		assert.True(t, d.Recording(), "device %s not recording", d.SessionID())
		assert.Equal(t, res.SessionID, d.SessionID())
	}
	for _, id := range []string{"cam-0", "cam-1", "cam-2"} {
		s, ok := r.reg.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, session.Recording, s.State())
		est := s.Estimate()
		assert.True(t, est.Known, "clock estimate missing for %s", id)
	}

	m, err := r.coord.StopSession(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, m.State)
	for id, out := range m.Devices {
		assert.Equal(t, OutcomeCompleted, out, "device %s", id)
	}
	require.Len(t, m.Devices, 3)
	assert.False(t, m.EndedAt.IsZero())

	for _, id := range []string{"cam-0", "cam-1", "cam-2"} {
		s, _ := r.reg.Lookup(id)
		assert.Equal(t, session.Ready, s.State())
		assert.Empty(t, s.RecordingID())
	}

	hist := r.coord.Sessions()
	require.Len(t, hist, 1)
	assert.Equal(t, m.SessionID, hist[0].SessionID)
	_, inFlight := r.coord.Current()
	assert.False(t, inFlight)
}

func TestQuorumAllFailsWhenDeviceStaysSilent(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})
	r.attach(t, "cam-1", devicesim.Options{IgnoreBegin: true})

	_, err := r.coord.StartSession(r.ctx, allQuorum())
	require.ErrorIs(t, err, ErrQuorumNotMet)

	// The acked device must be released, not left Recording.
	s, _ := r.reg.Lookup("cam-0")
	assert.Equal(t, session.Ready, s.State())

	hist := r.coord.Sessions()
	require.Len(t, hist, 1)
	assert.Equal(t, Aborted, hist[0].State)
}

func TestMinCountProceedsWithPartialFleet(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})
	r.attach(t, "cam-1", devicesim.Options{IgnoreBegin: true})

	res, err := r.coord.StartSession(r.ctx, SessionConfig{
		Quorum: QuorumPolicy{Mode: QuorumMinCount, MinCount: 1},
	})
	require.NoError(t, err)
	require.True(t, res.Started)
	assert.Equal(t, []string{"cam-0"}, res.Accepted)
	assert.Contains(t, res.Rejected, "cam-1")

	m, err := r.coord.StopSession(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, m.Devices["cam-0"])
	assert.Equal(t, OutcomeFailed, m.Devices["cam-1"])
}

func TestStopIsBoundedByUnresponsiveDevice(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})
	r.attach(t, "cam-1", devicesim.Options{})
	r.attach(t, "cam-2", devicesim.Options{})
	r.attach(t, "cam-3", devicesim.Options{IgnoreStop: true})

	res, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
	require.True(t, res.Started)

	begun := time.Now()
	m, err := r.coord.StopSession(r.ctx)
	elapsed := time.Since(begun)
	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second, "stop must be bounded by the stop timeout")

	completed, incomplete := 0, 0
	for _, out := range m.Devices {
		switch out {
		case OutcomeCompleted:
			completed++
		case OutcomeIncomplete:
			incomplete++
		}
	}
	assert.Equal(t, 3, completed)
	assert.Equal(t, 1, incomplete)
	assert.Equal(t, OutcomeIncomplete, m.Devices["cam-3"])
}

func TestAbortDoesNotWaitForAcks(t *testing.T) {
	r := newRig(t)
	d0 := r.attach(t, "cam-0", devicesim.Options{})
	r.attach(t, "cam-1", devicesim.Options{IgnoreStop: true})

	res, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
	require.True(t, res.Started)

	begun := time.Now()
	m, err := r.coord.AbortSession(r.ctx, "operator_abort")
	require.NoError(t, err)
	assert.Less(t, time.Since(begun), time.Second)
	assert.Equal(t, Aborted, m.State)
	assert.Equal(t, "operator_abort", m.Reason)
	for id, out := range m.Devices {
		assert.Equal(t, OutcomeIncomplete, out, "device %s", id)
	}

	// Devices learn about the abort and drop out of recording.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d0.Recording() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, d0.Recording())
}

func TestAbortDuringStopIsRejected(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{IgnoreStop: true})

	res, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
	require.True(t, res.Started)

	type stopReply struct {
		m   *Manifest
		err error
	}
	done := make(chan stopReply, 1)
	go func() {
		m, err := r.coord.StopSession(r.ctx)
		done <- stopReply{m, err}
	}()

	// Let the stop claim the session and block on the silent device, then
	// try to abort out from under it. The stop owns the ending.
	time.Sleep(100 * time.Millisecond)
	_, err = r.coord.AbortSession(r.ctx, "operator_abort")
	require.ErrorIs(t, err, ErrNoActiveSession)

	reply := <-done
	require.NoError(t, reply.err)
	assert.Equal(t, Completed, reply.m.State)
	assert.Equal(t, OutcomeIncomplete, reply.m.Devices["cam-0"])

	hist := r.coord.Sessions()
	require.Len(t, hist, 1, "session must finalize exactly once")
	assert.Equal(t, Completed, hist[0].State)
}

func TestSecondStartRejectedWhileActive(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})

	_, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)

	_, err = r.coord.StartSession(r.ctx, allQuorum())
	require.ErrorIs(t, err, ErrSessionInProgress)

	_, err = r.coord.StopSession(r.ctx)
	require.NoError(t, err)

	// After a terminal outcome a new session may start.
	_, err = r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
}

func TestStopWithoutSession(t *testing.T) {
	r := newRig(t)
	_, err := r.coord.StopSession(r.ctx)
	require.ErrorIs(t, err, ErrNoActiveSession)
	_, err = r.coord.AbortSession(r.ctx, "x")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestMidSessionDisconnectMarksDeviceFailed(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})
	r.attach(t, "cam-1", devicesim.Options{})

	res, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
	require.True(t, res.Started)

	// The fault monitor reports cam-1 gone; the session must survive.
	if s, ok := r.reg.Lookup("cam-1"); ok {
		s.MarkDisconnected("test_disconnect")
	}
	r.coord.OnDeviceDisconnect("cam-1")

	cur, ok := r.coord.Current()
	require.True(t, ok)
	assert.Equal(t, OutcomeFailed, cur.Devices["cam-1"])
	assert.False(t, cur.State.Terminal())

	m, err := r.coord.StopSession(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, m.Devices["cam-0"])
	assert.Equal(t, OutcomeFailed, m.Devices["cam-1"])
}

func TestStartHandleResolves(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})

	h := r.coord.StartSessionAsync(r.ctx, allQuorum())
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("async start never resolved")
	}
	res, err := h.Wait()
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, res.SessionID, h.SessionID)

	_, err = r.coord.StopSession(r.ctx)
	require.NoError(t, err)
}

func TestStopHandleResolves(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})

	res, err := r.coord.StartSession(r.ctx, allQuorum())
	require.NoError(t, err)
	require.True(t, res.Started)

	h := r.coord.StopSessionAsync(r.ctx)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("async stop never resolved")
	}
	m, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, Completed, m.State)
	assert.Equal(t, OutcomeCompleted, m.Devices["cam-0"])
}

func TestQuorumMet(t *testing.T) {
	c := &Coordinator{}
	assert.True(t, c.quorumMet(QuorumPolicy{Mode: QuorumAll}, 3, 3))
	assert.False(t, c.quorumMet(QuorumPolicy{Mode: QuorumAll}, 2, 3))
	assert.False(t, c.quorumMet(QuorumPolicy{Mode: QuorumAll}, 0, 0))
	assert.True(t, c.quorumMet(QuorumPolicy{Mode: QuorumMinCount, MinCount: 2}, 2, 5))
	assert.False(t, c.quorumMet(QuorumPolicy{Mode: QuorumMinCount, MinCount: 3}, 2, 5))
	assert.False(t, c.quorumMet(QuorumPolicy{}, 5, 5), "unset policy never passes")
}

func TestRecordingStateStrings(t *testing.T) {
	for st, want := range map[RecordingState]string{
		Preparing: "Preparing", Synchronizing: "Synchronizing",
		CountingDown: "CountingDown", Active: "Active",
		Stopping: "Stopping", Completed: "Completed", Aborted: "Aborted",
	} {
		assert.Equal(t, want, st.String())
	}
	assert.True(t, Completed.Terminal())
	assert.True(t, Aborted.Terminal())
	assert.False(t, Active.Terminal())
}

func TestSessionTransitionLegality(t *testing.T) {
	assert.True(t, legalSessionTransition(Active, Stopping))
	assert.True(t, legalSessionTransition(Stopping, Completed))
	assert.True(t, legalSessionTransition(Active, Aborted))
	assert.True(t, legalSessionTransition(CountingDown, Aborted))
	assert.False(t, legalSessionTransition(Stopping, Aborted), "a claimed ending cannot be re-ended")
	assert.False(t, legalSessionTransition(Aborted, Completed))
	assert.False(t, legalSessionTransition(Completed, Aborted))
	assert.False(t, legalSessionTransition(Preparing, Active))
}

func TestStartExcludesUnknownAndNotReadyDevices(t *testing.T) {
	r := newRig(t)
	r.attach(t, "cam-0", devicesim.Options{})

	res, err := r.coord.StartSession(r.ctx, SessionConfig{
		Devices: []string{"cam-0", "ghost"},
		Quorum:  QuorumPolicy{Mode: QuorumMinCount, MinCount: 1},
	})
	require.NoError(t, err)
	require.True(t, res.Started)
	assert.Equal(t, []string{"cam-0"}, res.Accepted)
	assert.Equal(t, "unknown_device", res.Rejected["ghost"])

	m, err := r.coord.StopSession(r.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, m.Devices["cam-0"])
}
