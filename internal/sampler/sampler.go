// Package sampler implements the fixed-rate coordinator: it snapshots the
// latest sensor state on an absolute-deadline schedule and fans each sample
// out to the ride CSV and the shared-memory batch slot.
package sampler

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/ride"
	"github.com/roadsense/roadsense/internal/sensor"
	"github.com/roadsense/roadsense/internal/speed"
	"github.com/roadsense/roadsense/internal/state"
	"github.com/roadsense/roadsense/internal/storage"
	"github.com/roadsense/roadsense/internal/telemetry"
)

// gravityMs2 converts the IMU's g units into the SI values carried by the
// batch; degToRad does the same for the gyro axes.
const (
	gravityMs2 = 9.81
	degToRad   = math.Pi / 180.0
)

// lateBudget is how far past its deadline a tick may run before it counts
// as late.
const lateBudget = 5 * time.Millisecond

// statsLogInterval spaces the loop-timing debug lines.
const statsLogInterval = 30 * time.Second

// BatchSink receives each full batch; in production the shared-memory
// writer.
type BatchSink interface {
	WriteBatch(batch *sensor.Batch)
}

// SessionProvider exposes the current ride session; in production the ride
// controller.
type SessionProvider interface {
	Session() *ride.Session
}

// Sampler is the fixed-rate producer.
type Sampler struct {
	rateHz    int
	store     *state.Store
	estimator *speed.Estimator
	sessions  SessionProvider
	sink      BatchSink
	log       *logrus.Logger
	metrics   *telemetry.Metrics

	buffer    []sensor.Sample
	bufferFor string
	timer     *LoopTimer
}

// New builds a sampler.
func New(rateHz int, store *state.Store, estimator *speed.Estimator, sessions SessionProvider, sink BatchSink, log *logrus.Logger, metrics *telemetry.Metrics) *Sampler {
	return &Sampler{
		rateHz:    rateHz,
		store:     store,
		estimator: estimator,
		sessions:  sessions,
		sink:      sink,
		log:       log,
		metrics:   metrics,
		buffer:    make([]sensor.Sample, 0, sensor.BatchSize),
		timer:     NewLoopTimer(1000),
	}
}

// Run executes the absolute-deadline loop until stop closes. The deadline
// advances exactly one period per iteration; a late tick does not try to
// catch up.
func (s *Sampler) Run(stop <-chan struct{}) {
	period := time.Second / time.Duration(s.rateHz)
	next := time.Now().Add(period)
	lastStats := time.Now()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if wait := time.Until(next); wait > 0 {
			select {
			case <-stop:
				return
			case <-time.After(wait):
			}
		}

		now := time.Now()
		s.timer.Tick(now)
		if now.After(next.Add(lateBudget)) && s.metrics != nil {
			s.metrics.SamplerLateTicks.Inc()
		}
		next = next.Add(period)

		s.tick(now)

		if now.Sub(lastStats) >= statsLogInterval {
			lastStats = now
			if stats, ok := s.timer.Stats(); ok {
				s.log.WithFields(logrus.Fields{
					"hz":      stats.Hz,
					"mean_ms": stats.MeanMs,
					"max_ms":  stats.MaxMs,
				}).Debug("sampler loop timing")
			}
		}
	}
}

// tick produces one sample when a ride is active.
func (s *Sampler) tick(now time.Time) {
	session := s.sessions.Session()
	if session == nil {
		// Idle: nothing is emitted and a stale partial batch must not
		// leak into the next ride.
		s.buffer = s.buffer[:0]
		s.bufferFor = ""
		return
	}
	if s.bufferFor != session.ID {
		s.buffer = s.buffer[:0]
		s.bufferFor = session.ID
	}

	sample := s.assemble(now)
	if s.metrics != nil {
		s.metrics.SamplerTicks.Inc()
		s.metrics.SpeedKmh.Set(sample.SpeedKmh)
	}

	if session.Writer.Enqueue(storage.RawRow{Sample: sample, ImagePath: s.store.ImagePath()}) {
		if s.metrics != nil {
			s.metrics.CSVRowsWritten.Inc()
		}
	} else if s.metrics != nil {
		s.metrics.CSVRowsDropped.Inc()
	}

	s.buffer = append(s.buffer, sample)
	if len(s.buffer) == sensor.BatchSize {
		var batch sensor.Batch
		copy(batch[:], s.buffer)
		s.sink.WriteBatch(&batch)
		s.buffer = s.buffer[:0]
		if s.metrics != nil {
			s.metrics.BatchesPublished.Inc()
		}
	}
}

// assemble snapshots every source through one short critical section each
// and fuses the speed.
func (s *Sampler) assemble(now time.Time) sensor.Sample {
	imu, _ := s.store.IMU()
	rawAccX, _ := s.store.RawAccX()

	speedKmh, source := s.estimator.Current(s.store, rawAccX, now)
	if speedKmh < 0 {
		speedKmh = 0
	} else if speedKmh > sensor.MaxSpeedKmh {
		speedKmh = sensor.MaxSpeedKmh
	}
	if s.metrics != nil {
		for _, tag := range []state.SpeedSource{state.SourceGPS, state.SourceAccel, state.SourceAccelStale} {
			value := 0.0
			if tag == source {
				value = 1.0
			}
			s.metrics.SpeedSource.WithLabelValues(string(tag)).Set(value)
		}
	}

	var lat, lon float64
	if fix, _, _, ok := s.store.Fix(); ok {
		lat = fix.Latitude
		lon = fix.Longitude
	}

	limit, _ := s.store.SpeedLimit()

	return sensor.Sample{
		TimestampMs: now.UnixMilli(),
		AccX:        imu.AccX * gravityMs2,
		AccY:        imu.AccY * gravityMs2,
		AccZ:        imu.AccZ * gravityMs2,
		GyroX:       imu.GyroX * degToRad,
		GyroY:       imu.GyroY * degToRad,
		GyroZ:       imu.GyroZ * degToRad,
		Latitude:    lat,
		Longitude:   lon,
		SpeedKmh:    speedKmh,
		SpeedLimit:  limit,
	}
}
