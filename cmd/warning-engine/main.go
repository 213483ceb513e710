// The warning-engine process: attaches to the shared-memory bridge created
// by the sampler, runs the six rule detectors and the learned classifier
// over each batch, and maintains the per-ride warnings CSV.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/cloud"
	"github.com/roadsense/roadsense/internal/config"
	"github.com/roadsense/roadsense/internal/shm"
	"github.com/roadsense/roadsense/internal/telemetry"
	"github.com/roadsense/roadsense/internal/warning"
)

// attachTimeout is how long to wait for the sampler to create the
// shared-memory regions.
const attachTimeout = 30 * time.Second

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

	// Classifier is optional: a missing or malformed artifact disables it
	// and the rule-based detectors carry on alone.
	var model *warning.Model
	if cfg.ModelWeights != "" {
		loaded, err := warning.LoadModel(cfg.ModelWeights)
		if err != nil {
			log.WithError(err).Warn("classifier disabled")
		} else {
			model = loaded
			log.WithFields(logrus.Fields{
				"units":  model.Units(),
				"hidden": model.Hidden(),
			}).Info("classifier loaded")
		}
	} else {
		log.Info("no model configured, classifier disabled")
	}

	log.Info("attaching to shared memory, start the sampler first")
	reader, err := shm.NewReader(shm.DefaultDir, attachTimeout)
	if err != nil {
		log.Fatalf("shared memory: %v", err)
	}
	defer reader.Close()

	engine := warning.NewEngine(reader, warning.Config{
		DataDir: cfg.DataDir,
		Model:   model,
		Log:     log,
		Metrics: metrics,
	})

	stop := make(chan struct{})
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Info("stop signal received, shutting down")
		close(stop)
	}()

	// With a backend configured, the active warning set and the latest
	// batch telemetry go up on the usual cadence.
	if cfg.Cloud.DatabaseURL != "" {
		client := cloud.NewClient(cfg.Cloud)
		go pushWarnings(stop, client, engine, reader, cfg, log, metrics)
	}

	log.Info("warning engine running")
	engine.Run(stop)
	log.Info("warning engine stopped")
}

// pushWarnings mirrors the detector output to the rider document while a
// ride is active.
func pushWarnings(stop <-chan struct{}, client *cloud.Client, engine *warning.Engine, reader *shm.Reader, cfg *config.Config, log *logrus.Logger, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(cfg.Cloud.PushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !reader.RideActive() {
			continue
		}
		latest, ok := engine.LatestSample()
		if !ok {
			continue
		}

		nowMs := time.Now().UnixMilli()
		names := warning.ActiveNames(engine.Vector().Snapshot())
		warnings := cloud.BuildWarningSet(names, nowMs)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Cloud.PushInterval.Std())
		err := client.UpdateRiderSpeed(ctx, cfg.Cloud.UserID, latest.SpeedKmh, latest.SpeedLimit, warnings)
		cancel()
		if err != nil {
			metrics.CloudPushErrors.Inc()
			log.WithError(err).Warn("warning push failed")
		}
	}
}
