// Package speed fuses GNSS ground speed with integrated longitudinal
// acceleration. GNSS is authoritative whenever a fresh, plausible value
// exists; between fixes the estimator dead-reckons from the forward axis of
// the accelerometer with a deadband to keep sensor noise from walking the
// integral.
package speed

import (
	"sync"
	"time"

	"github.com/roadsense/roadsense/internal/state"
)

const (
	// OptimalBiasG is the calibrated rest offset of the forward axis, in g.
	OptimalBiasG = 0.117588

	// DeadbandG suppresses integration for readings this close to rest.
	DeadbandG = 0.02

	// GravityMs2 converts g to m/s².
	GravityMs2 = 9.81

	// maxSpeedMs clamps the integrator at about 300 km/h.
	maxSpeedMs = 83.333

	// minAnchorKmh: GNSS values at walking pace or below are too noisy to
	// anchor on.
	minAnchorKmh = 0.5

	// maxAnchorKmh rejects corrupt GNSS speeds.
	maxAnchorKmh = 300.0
)

// Estimator integrates forward acceleration between GNSS anchors.
// All methods are safe for concurrent use.
type Estimator struct {
	mu     sync.Mutex
	v      float64 // m/s
	lastTS time.Time
	hasTS  bool
}

// NewEstimator returns an estimator at rest.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Reset returns the integrator to zero speed with no time reference.
// Called at ride start.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.v = 0
	e.hasTS = false
	e.mu.Unlock()
}

// Anchor pins the integrator to a trusted GNSS speed, in km/h, and restarts
// the integration clock. Returns false when the value is outside the
// anchoring window and was ignored.
func (e *Estimator) Anchor(kmh float64, now time.Time) bool {
	if kmh <= minAnchorKmh || kmh > maxAnchorKmh {
		return false
	}
	e.mu.Lock()
	e.v = kmh / 3.6
	e.lastTS = now
	e.hasTS = true
	e.mu.Unlock()
	return true
}

// Integrate advances the estimate using the latest raw forward acceleration
// in g. The calibrated bias is removed first; a result inside the deadband
// integrates as zero. Returns the updated speed in km/h.
func (e *Estimator) Integrate(accXG float64, now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasTS {
		// First update only establishes the time reference.
		e.lastTS = now
		e.hasTS = true
		return e.v * 3.6
	}

	dt := now.Sub(e.lastTS).Seconds()
	e.lastTS = now
	if dt <= 0 {
		return e.v * 3.6
	}

	// Two rest guards: readings inside the deadband around the calibrated
	// bias, and raw readings at true zero (a replayed or failed sensor),
	// both integrate as zero.
	aG := accXG - OptimalBiasG
	if (aG > -DeadbandG && aG < DeadbandG) || (accXG > -DeadbandG && accXG < DeadbandG) {
		aG = 0
	}
	e.v += aG * GravityMs2 * dt

	if e.v < 0 {
		e.v = 0
	} else if e.v > maxSpeedMs {
		e.v = maxSpeedMs
	}
	return e.v * 3.6
}

// SpeedKmh returns the current estimate without advancing it.
func (e *Estimator) SpeedKmh() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v * 3.6
}

// Current resolves the authoritative speed for one sampler tick. When the
// store holds a fresh GNSS speed inside the anchoring window it wins and the
// integrator is re-anchored; otherwise the bias-corrected acceleration is
// integrated and the source reflects whether a stale fix exists.
func (e *Estimator) Current(st *state.Store, accXG float64, now time.Time) (float64, state.SpeedSource) {
	fix, source, _, haveFix := st.Fix()
	stale := st.FixStale(now)

	if haveFix && !stale && source == state.SourceGPS && fix.SpeedKmh != nil {
		if e.Anchor(*fix.SpeedKmh, now) {
			return *fix.SpeedKmh, state.SourceGPS
		}
	}

	kmh := e.Integrate(accXG, now)
	if haveFix && stale {
		return kmh, state.SourceAccelStale
	}
	return kmh, state.SourceAccel
}
