package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roadsense/roadsense/internal/sensor"
)

func TestEmptyStore(t *testing.T) {
	s := NewStore()

	_, ok := s.IMU()
	assert.False(t, ok)

	_, _, _, ok = s.Fix()
	assert.False(t, ok)

	_, ok = s.SpeedLimit()
	assert.False(t, ok)

	assert.Equal(t, "", s.ImagePath())
	assert.True(t, s.FixStale(time.Now()))
}

func TestIMURoundTrip(t *testing.T) {
	s := NewStore()
	reading := sensor.IMUReading{AccX: 0.5, AccZ: 1.0, GyroZ: -3.2}

	s.SetIMU(reading)
	got, ok := s.IMU()
	assert.True(t, ok)
	assert.Equal(t, reading, got)
}

func TestFixStaleness(t *testing.T) {
	s := NewStore()
	now := time.Now()

	speed := 42.0
	s.SetFix(sensor.Fix{Latitude: 17.385, Longitude: 78.486, SpeedKmh: &speed}, SourceGPS, now)

	assert.False(t, s.FixStale(now))
	assert.False(t, s.FixStale(now.Add(GNSSStaleAfter)))
	assert.True(t, s.FixStale(now.Add(GNSSStaleAfter+time.Millisecond)))

	fix, source, at, ok := s.Fix()
	assert.True(t, ok)
	assert.Equal(t, SourceGPS, source)
	assert.Equal(t, now, at)
	assert.Equal(t, 17.385, fix.Latitude)
}

func TestSpeedLimit(t *testing.T) {
	s := NewStore()
	s.SetSpeedLimit(50)

	limit, ok := s.SpeedLimit()
	assert.True(t, ok)
	assert.Equal(t, 50.0, limit)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.SetIMU(sensor.IMUReading{AccX: float64(n)})
				s.SetSpeedLimit(float64(j))
				s.IMU()
				s.SpeedLimit()
				s.ImagePath()
			}
		}(i)
	}
	wg.Wait()
}
