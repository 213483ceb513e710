// Package state holds the most recent reading from every sensor behind one
// short-critical-section mutex. Device readers write their own slot; the
// sampler and the telemetry publisher take by-value snapshots.
package state

import (
	"sync"
	"time"

	"github.com/roadsense/roadsense/internal/sensor"
)

// SpeedSource tags where an emitted speed value came from.
type SpeedSource string

const (
	SourceGPS        SpeedSource = "GPS"
	SourceAccel      SpeedSource = "ACCEL"
	SourceAccelStale SpeedSource = "ACCEL(GPS_STALE)"
)

// GNSSStaleAfter is how long a fix stays usable for the speed estimator.
const GNSSStaleAfter = 5 * time.Second

// Store is the shared latest-state container.
type Store struct {
	mu sync.Mutex

	imu        sensor.IMUReading
	haveIMU    bool
	fix        sensor.Fix
	haveFix    bool
	fixSource  SpeedSource
	fixUpdated time.Time

	rawAccX     float64
	haveRawAccX bool

	speedLimit     float64
	haveSpeedLimit bool

	imagePath string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// SetIMU records the latest bias-corrected IMU reading.
func (s *Store) SetIMU(r sensor.IMUReading) {
	s.mu.Lock()
	s.imu = r
	s.haveIMU = true
	s.mu.Unlock()
}

// IMU returns the latest IMU reading and whether one exists yet.
func (s *Store) IMU() (sensor.IMUReading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imu, s.haveIMU
}

// SetRawAccX records the latest uncorrected forward acceleration in g. The
// speed estimator subtracts its own offline-derived bias from this value.
func (s *Store) SetRawAccX(g float64) {
	s.mu.Lock()
	s.rawAccX = g
	s.haveRawAccX = true
	s.mu.Unlock()
}

// RawAccX returns the latest uncorrected forward acceleration.
func (s *Store) RawAccX() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawAccX, s.haveRawAccX
}

// SetFix records a fresh GNSS solution. The source tag is GPS for a parsed
// record and ACCEL when the reader substituted the estimator speed.
func (s *Store) SetFix(fix sensor.Fix, source SpeedSource, at time.Time) {
	s.mu.Lock()
	s.fix = fix
	s.haveFix = true
	s.fixSource = source
	s.fixUpdated = at
	s.mu.Unlock()
}

// Fix returns the latest GNSS solution, its source tag, and the wall time it
// was recorded.
func (s *Store) Fix() (sensor.Fix, SpeedSource, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fix, s.fixSource, s.fixUpdated, s.haveFix
}

// FixStale reports whether the last GNSS update is older than the staleness
// window at the given instant.
func (s *Store) FixStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveFix {
		return true
	}
	return now.Sub(s.fixUpdated) > GNSSStaleAfter
}

// SetSpeedLimit records the latest posted speed limit in km/h.
func (s *Store) SetSpeedLimit(kmh float64) {
	s.mu.Lock()
	s.speedLimit = kmh
	s.haveSpeedLimit = true
	s.mu.Unlock()
}

// SpeedLimit returns the latest speed limit and whether one has been fetched.
func (s *Store) SpeedLimit() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speedLimit, s.haveSpeedLimit
}

// SetImagePath records the most recent camera frame on disk.
func (s *Store) SetImagePath(path string) {
	s.mu.Lock()
	s.imagePath = path
	s.mu.Unlock()
}

// ImagePath returns the most recent camera frame, or "" when none exists.
func (s *Store) ImagePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imagePath
}
