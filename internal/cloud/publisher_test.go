package cloud

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/roadsense/roadsense/internal/sensor"
	"github.com/roadsense/roadsense/internal/speed"
	"github.com/roadsense/roadsense/internal/state"
	"github.com/roadsense/roadsense/internal/telemetry"
)

func TestPublisherPushesWhileActive(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var mu sync.Mutex
	paths := map[string]int{}
	var lastSpeed map[string]any
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		if r.URL.Path == "/users/user_1/rider_data.json" {
			json.NewDecoder(r.Body).Decode(&lastSpeed)
		}
		mu.Unlock()
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	client := NewClient(testConfig(db.URL))
	client.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	store := state.NewStore()
	store.SetIMU(sensor.IMUReading{AccX: 0.1, AccZ: 1.0})
	store.SetSpeedLimit(50)

	estimator := speed.NewEstimator()
	estimator.Anchor(60, time.Now())

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	p := NewPublisher(client, store, estimator, "user_1", 20*time.Millisecond,
		func() bool { return true }, log, telemetry.NewMetrics())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := paths["/users/user_1/rider_data/mpu.json"]
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, paths["/users/user_1/rider_data.json"], 1)
	assert.GreaterOrEqual(t, paths["/users/user_1/rider_data/mpu.json"], 1)

	// 60 km/h in a 50 zone carries exactly one speeding warning.
	assert.InDelta(t, 60.0, lastSpeed["speed"], 1e-9)
	assert.Equal(t, 50.0, lastSpeed["speed_limit"])
	active := lastSpeed["active_warnings"].(map[string]any)
	assert.Len(t, active, 1)
}

func TestPublisherIdleWhenInactive(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var calls atomic.Int64
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	client := NewClient(testConfig(db.URL))
	client.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	p := NewPublisher(client, state.NewStore(), speed.NewEstimator(), "user_1",
		10*time.Millisecond, func() bool { return false }, log, telemetry.NewMetrics())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Run(stop)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(stop)
	<-done

	assert.Equal(t, int64(0), calls.Load(), "no pushes while the ride is inactive")
}
