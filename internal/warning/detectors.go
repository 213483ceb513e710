package warning

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/roadsense/roadsense/internal/sensor"
)

// Detection thresholds. Batch acceleration is in m/s², angular rate in
// rad/s, speed in km/h.
const (
	// PotholeZThreshold flags vertical-acceleration spikes away from 1 g.
	PotholeZThreshold = 2.5

	// gravityMs2 is the at-rest vertical acceleration the pothole rule
	// centres on.
	gravityMs2 = 9.8

	// SpeedyTurnYawThreshold is the yaw rate above which a turn at speed
	// is flagged.
	SpeedyTurnYawThreshold = 0.5

	// SpeedyTurnMinSpeedKmh gates the yaw check to riding speed.
	SpeedyTurnMinSpeedKmh = 20.0

	// HarshBrakeMinJerk flags any single jerk sample below this, m/s³.
	HarshBrakeMinJerk = -4.0

	// HarshBrakeMeanJerk flags a sustained negative jerk trend, m/s³.
	HarshBrakeMeanJerk = -2.0

	// SuddenAccelSlope flags a rising regression slope of acc_x over t.
	SuddenAccelSlope = 3.5

	// SuddenAccelMaxJerk flags any single jerk sample above this, m/s³.
	SuddenAccelMaxJerk = 7.0
)

// Overspeed reports whether any sample exceeds its posted limit. Rows with
// no known limit are skipped rather than compared against the zero
// sentinel.
func Overspeed(batch *sensor.Batch) bool {
	for i := range batch {
		if batch[i].SpeedLimit > 0 && batch[i].SpeedKmh > batch[i].SpeedLimit {
			return true
		}
	}
	return false
}

// Pothole reports a vertical-acceleration spike anywhere in the batch.
func Pothole(batch *sensor.Batch) bool {
	for i := range batch {
		if math.Abs(batch[i].AccZ-gravityMs2) > PotholeZThreshold {
			return true
		}
	}
	return false
}

// SpeedyTurn reports a hard yaw while at speed. The caller gates this on
// the classifier label being LEFT or RIGHT.
func SpeedyTurn(batch *sensor.Batch) bool {
	for i := range batch {
		if math.Abs(batch[i].GyroZ) > SpeedyTurnYawThreshold && batch[i].SpeedKmh > SpeedyTurnMinSpeedKmh {
			return true
		}
	}
	return false
}

// jerkSeries differentiates forward acceleration over the batch timestamps.
// Pairs with non-increasing timestamps are skipped.
func jerkSeries(batch *sensor.Batch) []float64 {
	ts := batch.Timestamps()
	ax := batch.AccelX()

	jerk := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		dt := ts[i] - ts[i-1]
		if dt <= 0 {
			continue
		}
		jerk = append(jerk, (ax[i]-ax[i-1])/dt)
	}
	return jerk
}

// HarshBrake flags a sharp or sustained negative jerk.
func HarshBrake(batch *sensor.Batch) bool {
	jerk := jerkSeries(batch)
	if len(jerk) == 0 {
		return false
	}

	minJerk := jerk[0]
	for _, j := range jerk[1:] {
		if j < minJerk {
			minJerk = j
		}
	}
	return minJerk < HarshBrakeMinJerk || stat.Mean(jerk, nil) < HarshBrakeMeanJerk
}

// SuddenAccel flags a rising acceleration trend or a single forward jolt.
func SuddenAccel(batch *sensor.Batch) bool {
	ts := batch.Timestamps()
	ax := batch.AccelX()

	// Normalise the time base before regressing so the intercept stays
	// well conditioned.
	t0 := ts[0]
	rel := make([]float64, len(ts))
	for i, t := range ts {
		rel[i] = t - t0
	}

	if !allEqual(rel) {
		_, slope := stat.LinearRegression(rel, ax, nil, false)
		if slope > SuddenAccelSlope {
			return true
		}
	}

	jerk := jerkSeries(batch)
	for _, j := range jerk {
		if j > SuddenAccelMaxJerk {
			return true
		}
	}
	return false
}

func allEqual(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}
