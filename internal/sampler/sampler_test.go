package sampler

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/roadsense/internal/ride"
	"github.com/roadsense/roadsense/internal/sensor"
	"github.com/roadsense/roadsense/internal/speed"
	"github.com/roadsense/roadsense/internal/state"
	"github.com/roadsense/roadsense/internal/storage"
	"github.com/roadsense/roadsense/internal/telemetry"
)

type fakeSessions struct {
	mu      sync.Mutex
	session *ride.Session
}

func (f *fakeSessions) Session() *ride.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeSessions) set(session *ride.Session) {
	f.mu.Lock()
	f.session = session
	f.mu.Unlock()
}

type fakeSink struct {
	mu      sync.Mutex
	batches []sensor.Batch
}

func (f *fakeSink) WriteBatch(batch *sensor.Batch) {
	f.mu.Lock()
	f.batches = append(f.batches, *batch)
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeSink) first() sensor.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[0]
}

func newTestSampler(t *testing.T, sessions SessionProvider, sink BatchSink) (*Sampler, *state.Store, *speed.Estimator) {
	t.Helper()
	store := state.NewStore()
	estimator := speed.NewEstimator()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := New(500, store, estimator, sessions, sink, log, telemetry.NewMetrics())
	return s, store, estimator
}

func startSession(t *testing.T, id string) (*ride.Session, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rawdata_"+id+".csv")
	writer, err := storage.NewRawWriter(path)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Drain(time.Second) })

	return &ride.Session{ID: id, IDNum: 1, Writer: writer}, path
}

func TestIdleEmitsNothing(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, _, _ := newTestSampler(t, sessions, sink)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(stop)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	<-done

	assert.Equal(t, 0, sink.count())
}

func TestBatchesOf104(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, store, _ := newTestSampler(t, sessions, sink)

	store.SetIMU(sensor.IMUReading{AccZ: 1.0})
	store.SetSpeedLimit(50)

	session, _ := startSession(t, "1")
	sessions.set(session)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(stop)
		close(done)
	}()

	// At 500 Hz a batch completes in ~0.21 s.
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	close(stop)
	<-done

	require.Greater(t, sink.count(), 0, "no batch published")

	batch := sink.first()
	// 1 g vertical converts to 9.81 m/s².
	assert.InDelta(t, 9.81, batch[0].AccZ, 1e-9)
	assert.Equal(t, 50.0, batch[0].SpeedLimit)

	// Timestamps are monotonically non-decreasing across the batch.
	for i := 1; i < sensor.BatchSize; i++ {
		assert.GreaterOrEqual(t, batch[i].TimestampMs, batch[i-1].TimestampMs)
	}
}

func TestUnitConversions(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, store, _ := newTestSampler(t, sessions, sink)

	store.SetIMU(sensor.IMUReading{AccX: 0.5, AccZ: 1.0, GyroZ: 90})

	sample := s.assemble(time.Now())
	assert.InDelta(t, 0.5*9.81, sample.AccX, 1e-9)
	assert.InDelta(t, 9.81, sample.AccZ, 1e-9)
	// 90 deg/s is π/2 rad/s.
	assert.InDelta(t, 1.5707963, sample.GyroZ, 1e-6)
}

func TestSpeedClamp(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, store, estimator := newTestSampler(t, sessions, sink)

	now := time.Now()
	estimator.Anchor(299.0, now)
	store.SetRawAccX(1.5)

	// Even with the integrator pushed hard, the emitted value stays
	// inside [0, 300].
	for i := 0; i < 100; i++ {
		sample := s.assemble(now.Add(time.Duration(i) * 100 * time.Millisecond))
		assert.GreaterOrEqual(t, sample.SpeedKmh, 0.0)
		assert.LessOrEqual(t, sample.SpeedKmh, 300.0)
	}
}

func TestGPSSpeedMatchesUpstream(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, store, _ := newTestSampler(t, sessions, sink)

	now := time.Now()
	gps := 40.0
	store.SetFix(sensor.Fix{Latitude: 17.385, Longitude: 78.486, SpeedKmh: &gps}, state.SourceGPS, now)

	sample := s.assemble(now)
	assert.InDelta(t, 40.0, sample.SpeedKmh, 0.01)
	assert.InDelta(t, 17.385, sample.Latitude, 1e-9)
	assert.InDelta(t, 78.486, sample.Longitude, 1e-9)
}

func TestBufferClearedOnRideChange(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, _, _ := newTestSampler(t, sessions, sink)

	sessionA, _ := startSession(t, "1")
	sessions.set(sessionA)

	// Partially fill the buffer for ride 1.
	for i := 0; i < 10; i++ {
		s.tick(time.Now())
	}
	assert.Len(t, s.buffer, 10)

	// Ride changes: the partial buffer must not leak into ride 2.
	sessionB, _ := startSession(t, "2")
	sessions.set(sessionB)
	s.tick(time.Now())
	assert.Len(t, s.buffer, 1)

	// Going idle clears it entirely.
	sessions.set(nil)
	s.tick(time.Now())
	assert.Len(t, s.buffer, 0)
}

func TestRowsReachCSV(t *testing.T) {
	sessions := &fakeSessions{}
	sink := &fakeSink{}
	s, store, _ := newTestSampler(t, sessions, sink)

	store.SetImagePath("captured_images/frame_42.jpg")
	session, path := startSession(t, "3")
	sessions.set(session)

	for i := 0; i < 5; i++ {
		s.tick(time.Now())
	}
	require.NoError(t, session.Writer.Drain(time.Second))

	data, err := readFile(path)
	require.NoError(t, err)
	assert.Contains(t, data, "captured_images/frame_42.jpg")
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
