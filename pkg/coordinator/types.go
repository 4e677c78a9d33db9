package coordinator

import (
	"errors"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/wire"
)

// RecordingState is the lifecycle position of one recording session.
type RecordingState int

const (
	Preparing RecordingState = iota
	Synchronizing
	CountingDown
	Active
	Stopping
	Completed
	Aborted
)

func (s RecordingState) String() string {
	switch s {
	case Preparing:
		return "Preparing"
	case Synchronizing:
		return "Synchronizing"
	case CountingDown:
		return "CountingDown"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	case Completed:
		return "Completed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func (s RecordingState) Terminal() bool { return s == Completed || s == Aborted }

// legalSessionTransition enforces the recording lifecycle. Stopping is an
// ending claim: once a stop holds it, only that stop may finish the
// session, so Stopping -> Aborted is illegal.
func legalSessionTransition(from, to RecordingState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case Synchronizing:
		return from == Preparing
	case CountingDown:
		return from == Synchronizing
	case Active:
		return from == CountingDown
	case Stopping:
		return from == Active || from == CountingDown
	case Completed:
		return from == Stopping
	case Aborted:
		return from != Stopping
	}
	return false
}

// QuorumMode selects how many devices must be ready before a session goes
// Active. There is no default: the policy is explicit per session.
type QuorumMode int

const (
	quorumUnset QuorumMode = iota
	// QuorumAll requires every selected device (strict research sessions).
	QuorumAll
	// QuorumMinCount proceeds with any subset of at least MinCount
	// devices (best-effort sessions).
	QuorumMinCount
)

type QuorumPolicy struct {
	Mode     QuorumMode
	MinCount int // only for QuorumMinCount
}

// SessionConfig describes one start_session request.
type SessionConfig struct {
	// Devices to include; empty means every device currently Ready.
	Devices []string

	// Quorum is required; StartSession fails without an explicit policy.
	Quorum QuorumPolicy

	// Countdown between the begin broadcast and the shared start instant.
	// Raised automatically if the worst observed round trip demands it.
	Countdown time.Duration

	// MaxUncertainty disqualifies devices whose clock confidence is worse.
	MaxUncertainty time.Duration

	StopTimeout time.Duration
	ProbeCount  int
}

// DeviceOutcome is a device's final status within a session manifest.
type DeviceOutcome string

const (
	OutcomeCompleted  DeviceOutcome = "completed"
	OutcomeFailed     DeviceOutcome = "failed"
	OutcomeIncomplete DeviceOutcome = "incomplete"
	OutcomeExcluded   DeviceOutcome = "excluded"
	outcomePending    DeviceOutcome = "" // in-flight
)

// Manifest is the per-device record every session-ending outcome carries,
// so the researcher-facing layer can render an accurate record even when
// the run was imperfect.
type Manifest struct {
	SessionID string                   `json:"session_id"`
	State     RecordingState           `json:"-"`
	StateName string                   `json:"state"`
	Reference time.Time                `json:"reference"`
	StartedAt time.Time                `json:"started_at,omitempty"`
	EndedAt   time.Time                `json:"ended_at,omitempty"`
	Devices   map[string]DeviceOutcome `json:"devices"`
	Reason    string                   `json:"reason,omitempty"`
}

// StartResult reports a start_session attempt, successful or not, with a
// device-by-device reason list for anything not admitted.
type StartResult struct {
	SessionID string            `json:"session_id"`
	Started   bool              `json:"started"`
	Reference time.Time         `json:"reference,omitempty"`
	Accepted  []string          `json:"accepted,omitempty"`
	Rejected  map[string]string `json:"rejected,omitempty"`
}

// DeviceInfo is the upward-facing view of one device session.
type DeviceInfo struct {
	DeviceID         string            `json:"device_id"`
	State            string            `json:"state"`
	Capabilities     []wire.Capability `json:"capabilities"`
	ClockOffsetMS    float64           `json:"clock_offset_ms"`
	UncertaintyMS    float64           `json:"clock_uncertainty_ms"`
	ClockKnown       bool              `json:"clock_known"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	RecordingSession string            `json:"recording_session,omitempty"`
}

var (
	ErrQuorumPolicyRequired = errors.New("quorum policy must be explicit")
	ErrQuorumNotMet         = errors.New("quorum not met")
	ErrSessionInProgress    = errors.New("recording session already in progress")
	ErrNoActiveSession      = errors.New("no active recording session")
	ErrNoDevices            = errors.New("no eligible devices")
)
