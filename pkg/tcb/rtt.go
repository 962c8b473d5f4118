package tcb

import (
	"math"
	"time"
)

const (
	// Alpha is the gain applied to a new sample in the smoothed RTT.
	Alpha = 0.125
	// Beta is the gain applied to the new deviation in the RTT variance.
	Beta = 0.25
)

// Estimator is a Jacobson-style round trip estimator. Values are kept as
// float64 nanoseconds so the exponential averages do not truncate.
type Estimator struct {
	SRTT   time.Duration
	RTTVar time.Duration
	RTO    time.Duration

	srtt, rttvar float64
	sampled      bool

	floor  time.Duration // timer resolution
	minRTO time.Duration
}

// NewEstimator returns an estimator reporting initial until the first
// sample arrives.
func NewEstimator(initial, floor, minRTO time.Duration) Estimator {
	return Estimator{RTO: initial, floor: floor, minRTO: minRTO}
}

// Sampled reports whether at least one sample has been taken.
func (e *Estimator) Sampled() bool { return e.sampled }

// Sample folds a measured round trip into the estimate and recomputes RTO.
func (e *Estimator) Sample(rtt time.Duration) {
	r := float64(rtt)
	if !e.sampled {
		e.srtt = r
		e.rttvar = r / 2
		e.sampled = true
	} else {
		e.srtt = (1-Alpha)*e.srtt + Alpha*r
		e.rttvar = (1-Beta)*e.rttvar + Beta*math.Abs(e.srtt-r)
	}
	rto := e.srtt + math.Max(4*e.rttvar, float64(e.floor))
	if rto < float64(e.minRTO) {
		rto = float64(e.minRTO)
	}
	e.SRTT = time.Duration(e.srtt)
	e.RTTVar = time.Duration(e.rttvar)
	e.RTO = time.Duration(rto)
}

// Backoff returns RTO doubled once per retry.
func (e *Estimator) Backoff(retries int) time.Duration {
	timeout := e.RTO
	for i := 0; i < retries; i++ {
		timeout *= 2
	}
	return timeout
}
