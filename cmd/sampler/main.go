// The sampler process: reads the IMU and GNSS devices, fuses speed, drives
// the ride state machine and publishes samples to the per-ride CSV, the
// shared-memory bridge and the cloud backend. Start this before the
// warning-engine process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/camera"
	"github.com/roadsense/roadsense/internal/cloud"
	"github.com/roadsense/roadsense/internal/config"
	"github.com/roadsense/roadsense/internal/device"
	"github.com/roadsense/roadsense/internal/parser"
	"github.com/roadsense/roadsense/internal/port"
	"github.com/roadsense/roadsense/internal/ride"
	"github.com/roadsense/roadsense/internal/sampler"
	"github.com/roadsense/roadsense/internal/sensor"
	"github.com/roadsense/roadsense/internal/shm"
	"github.com/roadsense/roadsense/internal/speed"
	"github.com/roadsense/roadsense/internal/state"
	"github.com/roadsense/roadsense/internal/telemetry"
)

const (
	calibrationWindow = time.Second
	imuPollInterval   = time.Millisecond
	speedLimitPoll    = 200 * time.Millisecond
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	log := telemetry.NewLogger(cfg.Log)
	metrics := telemetry.NewMetrics()
	if cfg.MetricsAddr != "" {
		go metrics.Serve(cfg.MetricsAddr, log)
	}

	stop := make(chan struct{})
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("stop signal received, shutting down")
		close(stop)
	}()

	store := state.NewStore()
	estimator := speed.NewEstimator()

	shmWriter, err := shm.NewWriter(shm.DefaultDir)
	if err != nil {
		log.Fatalf("shared memory: %v", err)
	}
	defer shmWriter.Close()

	var wg sync.WaitGroup

	// IMU: reset, calibrate for one second, then poll continuously.
	imu, err := device.OpenMPU6500(cfg.IMU.I2CBus, cfg.IMU.Address)
	if err != nil {
		log.WithError(err).Fatal("IMU unavailable")
	}
	defer imu.Close()
	if err := imu.Reset(); err != nil {
		log.WithError(err).Fatal("IMU reset failed")
	}

	log.Info("calibrating IMU, keep the vehicle still")
	bias, err := imu.Calibrate(calibrationWindow)
	if err != nil {
		log.WithError(err).Warn("calibration degraded, continuing with zero bias")
	} else {
		log.WithFields(logrus.Fields{
			"samples": bias.Samples,
			"acc_x":   bias.AccelX,
			"acc_z":   bias.AccelZ,
		}).Info("IMU calibrated")
	}
	if cfg.IMU.CalibrationFile != "" {
		if err := bias.Save(cfg.IMU.CalibrationFile); err != nil {
			log.WithError(err).Warn("could not persist calibration")
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runIMUReader(stop, imu, store, log)
	}()

	// GNSS: degrade to estimator-only speed when the device is missing.
	gnss := startGNSS(cfg, store, estimator, log, &wg)
	if gnss != nil {
		defer gnss.Disconnect()
	}

	// Camera frame cache is best-effort.
	if frames, err := camera.NewFrameCache(cfg.ImageDir, store, log); err != nil {
		log.WithError(err).Warn("image cache disabled")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frames.Run(stop)
		}()
	}

	// Cloud: backend client, ride control, speed limits, telemetry.
	client := cloud.NewClient(cfg.Cloud)
	controller := ride.NewController(client, shmWriter, estimator, cfg.Cloud.UserID, cfg.DataDir, log)
	controller.PollInterval = cfg.Cloud.ControlPoll.Std()
	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.Run(stop)
	}()

	limits := cloud.NewSpeedLimitFetcher(
		cfg.Cloud.SpeedLimitURL,
		cfg.Cloud.SpeedLimitAPIKey,
		cfg.Cloud.SpeedLimitEvery.Std(),
		cfg.Cloud.RequestTimeout.Std(),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSpeedLimits(stop, limits, store, log)
	}()

	publisher := cloud.NewPublisher(client, store, estimator, cfg.Cloud.UserID,
		cfg.Cloud.PushInterval.Std(), controller.Active, log, metrics)
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(stop)
	}()

	// The sampler loop runs in the main goroutine.
	s := sampler.New(cfg.SampleRateHz, store, estimator, controller, shmWriter, log, metrics)
	log.WithField("rate_hz", cfg.SampleRateHz).Info("sampler running")
	s.Run(stop)

	if gnss != nil {
		gnss.Stop()
	}
	wg.Wait()
	log.Info("sampler stopped")
}

// runIMUReader keeps the latest-state slots fresh at the device's native
// rate. Read failures are logged at a low rate and never stop the loop.
func runIMUReader(stop <-chan struct{}, imu device.IMU, store *state.Store, log *logrus.Logger) {
	var failures int
	for {
		select {
		case <-stop:
			return
		default:
		}

		reading, err := imu.Read()
		if err != nil {
			failures++
			if failures%1000 == 1 {
				log.WithError(err).WithField("failures", failures).Warn("IMU read failing")
			}
		}
		// On failure the device returns its previous sample, which is
		// still the freshest value available.
		store.SetIMU(reading)
		if raw, ok := imu.RawAccX(); ok {
			store.SetRawAccX(raw)
		}

		select {
		case <-stop:
			return
		case <-time.After(imuPollInterval):
		}
	}
}

// startGNSS connects the serial receiver and spawns its monitor. A missing
// device is a degradation, not a failure: the thread is simply omitted.
func startGNSS(cfg *config.Config, store *state.Store, estimator *speed.Estimator, log *logrus.Logger, wg *sync.WaitGroup) *device.GNSSDevice {
	serialPort := port.NewGNSSSerialPort()
	gnss := device.NewGNSSDevice(serialPort)
	if err := gnss.Connect(cfg.GNSS.Port, cfg.GNSS.Baud); err != nil {
		log.WithError(err).Warn("GNSS unavailable, speed falls back to accelerometer")
		return nil
	}

	monitorCfg := device.DefaultMonitorConfig(device.RMCHandlerFunc(func(fix parser.RMCFix) {
		store.SetFix(sensor.Fix{
			Latitude:  fix.Latitude,
			Longitude: fix.Longitude,
			SpeedKmh:  fix.SpeedKmh,
		}, state.SourceGPS, time.Now())
	}))
	monitorCfg.OnError = func(err error) {
		// Keep the last coordinates, substitute the estimator speed and
		// tag the source so the sampler reports ACCEL.
		prev, _, _, _ := store.Fix()
		est := estimator.SpeedKmh()
		store.SetFix(sensor.Fix{
			Latitude:  prev.Latitude,
			Longitude: prev.Longitude,
			SpeedKmh:  &est,
		}, state.SourceAccel, time.Now())
		log.WithError(err).Debug("GNSS record rejected")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gnss.Monitor(monitorCfg); err != nil {
			log.WithError(err).Warn("GNSS monitor exited")
		}
	}()
	return gnss
}

// runSpeedLimits refreshes the posted limit for the current position. The
// fetcher throttles upstream calls; this loop only decides when a lookup is
// worth attempting at all.
func runSpeedLimits(stop <-chan struct{}, limits *cloud.SpeedLimitFetcher, store *state.Store, log *logrus.Logger) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(speedLimitPoll):
		}

		fix, _, _, ok := store.Fix()
		if !ok || (fix.Latitude == 0 && fix.Longitude == 0) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		limit, err := limits.Lookup(ctx, fix.Latitude, fix.Longitude)
		cancel()
		if err != nil {
			log.WithError(err).Debug("speed limit unavailable")
			continue
		}
		store.SetSpeedLimit(limit)
	}
}
