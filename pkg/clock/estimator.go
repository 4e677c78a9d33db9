package clock

import (
	"errors"
	"sort"
	"time"
)

// ErrInsufficientSamples reports that outlier rejection left fewer valid
// probes than the minimum quorum. The device session survives; its clock
// confidence becomes Unknown, which disqualifies it from recording quorum.
var ErrInsufficientSamples = errors.New("insufficient probe samples")

// Sample is one completed round trip: t0 coordinator send, t1 device
// receive (device clock), t2 coordinator receive.
type Sample struct {
	T0 time.Time
	T1 time.Time
	T2 time.Time
}

// RTT is the round-trip latency of the sample.
func (s Sample) RTT() time.Duration { return s.T2.Sub(s.T0) }

// offsetCandidate assumes symmetric latency: device clock minus the
// midpoint of the round trip.
func (s Sample) offsetCandidate() time.Duration {
	mid := s.T0.Add(s.RTT() / 2)
	return s.T1.Sub(mid)
}

// Estimate is one offset measurement. A later run replaces the previous
// estimate wholesale; drift is not integrated because session durations
// are short relative to consumer-clock drift rates.
type Estimate struct {
	Offset      time.Duration
	Uncertainty time.Duration
	WorstRTT    time.Duration // largest surviving round-trip latency
	Samples     int
	At          time.Time
	Known       bool
}

// DefaultMinValid is the minimum number of post-rejection samples for a
// usable estimate.
const DefaultMinValid = 4

// Compute derives (offset, uncertainty) from a probe round.
//
// Outlier rejection: a sample is discarded when its RTT exceeds 3x the
// median RTT of the samples accepted so far. The offset is the median
// candidate among the lowest-latency quartile, which suppresses
// asymmetric-delay bias; uncertainty is half the interquartile range of
// the surviving RTTs.
func Compute(samples []Sample, minValid int, at time.Time) (Estimate, error) {
	if minValid <= 0 {
		minValid = DefaultMinValid
	}

	valid := make([]Sample, 0, len(samples))
	rtts := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		rtt := s.RTT()
		if rtt <= 0 {
			continue
		}
		if len(rtts) >= 3 && rtt > 3*median(rtts) {
			continue
		}
		valid = append(valid, s)
		rtts = append(rtts, rtt)
	}
	if len(valid) < minValid {
		return Estimate{At: at}, ErrInsufficientSamples
	}

	sort.Slice(valid, func(i, j int) bool { return valid[i].RTT() < valid[j].RTT() })

	quart := len(valid) / 4
	if quart < 1 {
		quart = 1
	}
	candidates := make([]time.Duration, 0, quart)
	for _, s := range valid[:quart] {
		candidates = append(candidates, s.offsetCandidate())
	}

	sorted := make([]time.Duration, len(valid))
	for i, s := range valid {
		sorted[i] = s.RTT()
	}
	q1 := sorted[len(sorted)/4]
	q3 := sorted[(3*len(sorted))/4]

	return Estimate{
		Offset:      median(candidates),
		Uncertainty: (q3 - q1) / 2,
		WorstRTT:    sorted[len(sorted)-1],
		Samples:     len(valid),
		At:          at,
		Known:       true,
	}, nil
}

func median(ds []time.Duration) time.Duration {
	tmp := make([]time.Duration, len(ds))
	copy(tmp, ds)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	n := len(tmp)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return tmp[n/2]
	}
	return (tmp[n/2-1] + tmp[n/2]) / 2
}
