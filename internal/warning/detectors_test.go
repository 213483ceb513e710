package warning

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roadsense/roadsense/internal/sensor"
)

// quietBatch returns a batch of a vehicle cruising legally on a smooth road:
// 100 Hz timestamps, 1 g vertical, no yaw, steady 40 in a 50 zone.
func quietBatch() *sensor.Batch {
	var batch sensor.Batch
	for i := range batch {
		batch[i] = sensor.Sample{
			TimestampMs: int64(i) * 10,
			AccX:        0,
			AccZ:        9.8,
			GyroZ:       0,
			SpeedKmh:    40,
			SpeedLimit:  50,
		}
	}
	return &batch
}

func TestOverspeed(t *testing.T) {
	batch := quietBatch()
	assert.False(t, Overspeed(batch))

	// A single row over the limit flags; no buffer is applied.
	batch[50].SpeedKmh = 50.1
	assert.True(t, Overspeed(batch))
}

func TestOverspeedUnknownLimit(t *testing.T) {
	batch := quietBatch()
	for i := range batch {
		batch[i].SpeedLimit = 0
		batch[i].SpeedKmh = 80
	}
	assert.False(t, Overspeed(batch), "no known limit must not flag")
}

func TestPotholeSpike(t *testing.T) {
	batch := quietBatch()
	assert.False(t, Pothole(batch))

	// One row at 13.0 m/s² is a 3.2 m/s² excursion from gravity.
	batch[42].AccZ = 13.0
	assert.True(t, Pothole(batch))
}

func TestPotholeNegativeSpike(t *testing.T) {
	batch := quietBatch()
	batch[10].AccZ = 6.0
	assert.True(t, Pothole(batch), "drops below gravity flag too")
}

func TestSpeedyTurn(t *testing.T) {
	batch := quietBatch()
	assert.False(t, SpeedyTurn(batch))

	// Hard yaw at speed.
	for i := range batch {
		batch[i].GyroZ = 0.8
		batch[i].SpeedKmh = 60
	}
	assert.True(t, SpeedyTurn(batch))
}

func TestSpeedyTurnRequiresSpeed(t *testing.T) {
	batch := quietBatch()
	for i := range batch {
		batch[i].GyroZ = 0.8
		batch[i].SpeedKmh = 15
	}
	assert.False(t, SpeedyTurn(batch), "walking-pace yaw is not a speedy turn")
}

func TestHarshBrakeSingleSpike(t *testing.T) {
	batch := quietBatch()
	assert.False(t, HarshBrake(batch))

	// One 10 ms step down of 0.05 m/s² is a jerk of -5 m/s³.
	for i := 60; i < sensor.BatchSize; i++ {
		batch[i].AccX = -0.05
	}
	assert.True(t, HarshBrake(batch))
}

func TestHarshBrakeSustainedTrend(t *testing.T) {
	batch := quietBatch()
	// Acceleration ramps from 0 to -2.3 m/s² over ~1 s: each 10 ms step
	// is about -0.022 m/s², a steady jerk near -2.2 m/s³.
	for i := range batch {
		batch[i].AccX = -2.2 * float64(i) / 100.0
	}
	assert.True(t, HarshBrake(batch))
}

func TestSuddenAccelSlope(t *testing.T) {
	batch := quietBatch()
	assert.False(t, SuddenAccel(batch))

	// Acceleration rising at 4 m/s³ over the whole batch.
	for i := range batch {
		batch[i].AccX = 4.0 * float64(i) / 100.0
	}
	assert.True(t, SuddenAccel(batch))
}

func TestSuddenAccelJolt(t *testing.T) {
	batch := quietBatch()
	// A single forward jolt: +0.08 m/s² in 10 ms is a jerk of 8 m/s³.
	batch[30].AccX = 0.08
	assert.True(t, SuddenAccel(batch))
}

func TestJerkSkipsNonIncreasingTimestamps(t *testing.T) {
	batch := quietBatch()
	// Duplicate one timestamp; the pair is skipped, not divided by zero.
	batch[51].TimestampMs = batch[50].TimestampMs
	batch[51].AccX = 5
	jerk := jerkSeries(batch)
	assert.Len(t, jerk, sensor.BatchSize-2)
	for _, j := range jerk {
		assert.False(t, j != j, "jerk must not be NaN")
	}
}

func TestDetectorsQuietOnFlatBatch(t *testing.T) {
	var batch sensor.Batch // all zero, including timestamps
	assert.False(t, Overspeed(&batch))
	assert.False(t, SpeedyTurn(&batch))
	assert.False(t, HarshBrake(&batch))
	assert.False(t, SuddenAccel(&batch))
}
