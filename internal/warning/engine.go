package warning

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/sensor"
	"github.com/roadsense/roadsense/internal/storage"
	"github.com/roadsense/roadsense/internal/telemetry"
)

// BatchSource is the read side of the shared-memory bridge.
type BatchSource interface {
	ReadBatch() sensor.Batch
	RideActive() bool
	RideID() int64
}

// Loop cadences. The active read keeps pace with the producer; detectors
// re-evaluate the current batch between 50 and 100 ms.
const (
	inactivePoll     = 100 * time.Millisecond
	activeReadPeriod = 10 * time.Millisecond
	detectorPeriod   = 50 * time.Millisecond
	overspeedPeriod  = 100 * time.Millisecond
	csvAppendPeriod  = time.Second
)

// Config wires an Engine.
type Config struct {
	// DataDir receives warnings_{ride_id}.csv files.
	DataDir string

	// Model may be nil: the classifier stays disabled, the bump flag
	// stays clear, and the speedy-turn gate never opens.
	Model *Model

	Log     *logrus.Logger
	Metrics *telemetry.Metrics
}

// Engine consumes shared-memory batches, runs the detectors in parallel and
// maintains the per-ride warnings CSV.
type Engine struct {
	source  BatchSource
	cfg     Config
	vector  *Vector
	labels  *LabelStore
	metrics *telemetry.Metrics
	log     *logrus.Logger

	mu        sync.Mutex
	batch     sensor.Batch
	haveBatch bool
	rideID    int64
	writer    *storage.WarningsWriter
}

// NewEngine builds an engine over a batch source.
func NewEngine(source BatchSource, cfg Config) *Engine {
	return &Engine{
		source:  source,
		cfg:     cfg,
		vector:  NewVector(),
		labels:  NewLabelStore(),
		metrics: cfg.Metrics,
		log:     cfg.Log,
	}
}

// Vector exposes the warning bit-vector for telemetry.
func (e *Engine) Vector() *Vector { return e.vector }

// Labels exposes the classifier label store.
func (e *Engine) Labels() *LabelStore { return e.labels }

// Run starts the reader, the six workers and the CSV appender, and blocks
// until stop closes.
func (e *Engine) Run(stop <-chan struct{}) {
	var wg sync.WaitGroup

	workers := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"overspeed", overspeedPeriod, e.runOverspeed},
		{"pothole", detectorPeriod, e.runPothole},
		{"speedy-turn", detectorPeriod, e.runSpeedyTurn},
		{"harsh-brake", detectorPeriod, e.runHarshBrake},
		{"sudden-accel", detectorPeriod, e.runSuddenAccel},
		{"classifier", detectorPeriod, e.runClassifier},
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.readerLoop(stop)
	}()

	for _, w := range workers {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func()) {
			defer wg.Done()
			e.workerLoop(stop, name, interval, fn)
		}(w.name, w.interval, w.fn)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.csvLoop(stop)
	}()

	wg.Wait()
	e.closeWriter()
}

// workerLoop drives one detector. A panic inside an iteration is logged and
// the loop continues; only the stop signal ends it.
func (e *Engine) workerLoop(stop <-chan struct{}, name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.WithField("worker", name).Errorf("worker panic recovered: %v", r)
					}
				}()
				fn()
			}()
		}
	}
}

// readerLoop polls the ride flag and snapshots the shared-memory slot while
// a ride is active. Ride transitions rotate the warnings CSV.
func (e *Engine) readerLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !e.source.RideActive() {
			e.handleInactive()
			select {
			case <-stop:
				return
			case <-time.After(inactivePoll):
			}
			continue
		}

		rideID := e.source.RideID()
		if err := e.ensureRide(rideID); err != nil {
			e.log.WithError(err).Error("failed to start ride output")
		}

		batch := e.source.ReadBatch()
		e.mu.Lock()
		e.batch = batch
		e.haveBatch = true
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.BatchesConsumed.Inc()
		}

		select {
		case <-stop:
			return
		case <-time.After(activeReadPeriod):
		}
	}
}

// handleInactive discards the working batch and finishes the ride CSV.
func (e *Engine) handleInactive() {
	e.mu.Lock()
	hadRide := e.writer != nil
	e.haveBatch = false
	e.rideID = 0
	e.mu.Unlock()

	if hadRide {
		e.log.Info("ride ended, closing warnings output")
		e.closeWriter()
		e.vector.Reset()
		e.labels.Set(LabelUnknown)
	}
}

// ensureRide opens the warnings CSV for a newly observed ride id.
func (e *Engine) ensureRide(rideID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rideID == rideID && e.writer != nil {
		return nil
	}

	if e.writer != nil {
		e.writer.Close()
		e.writer = nil
	}

	path := filepath.Join(e.cfg.DataDir, fmt.Sprintf("warnings_%d.csv", rideID))
	writer, err := storage.NewWarningsWriter(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	e.writer = writer
	e.rideID = rideID
	e.log.WithField("ride_id", rideID).Infof("writing warnings to %s", path)
	return nil
}

func (e *Engine) closeWriter() {
	e.mu.Lock()
	writer := e.writer
	e.writer = nil
	e.mu.Unlock()

	if writer != nil {
		if err := writer.Close(); err != nil {
			e.log.WithError(err).Warn("error closing warnings csv")
		}
	}
}

// LatestSample returns the newest row of the working batch; used by the
// cloud push loop.
func (e *Engine) LatestSample() (sensor.Sample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveBatch {
		return sensor.Sample{}, false
	}
	return e.batch[sensor.BatchSize-1], true
}

// currentBatch returns the working copy, if any.
func (e *Engine) currentBatch() (sensor.Batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch, e.haveBatch
}

// setWarning writes one flag and mirrors it into the metrics gauge.
func (e *Engine) setWarning(index int, active bool) {
	e.vector.Set(index, active)
	if e.metrics != nil {
		value := 0.0
		if active {
			value = 1.0
		}
		e.metrics.WarningState.WithLabelValues(Names[index]).Set(value)
	}
}

func (e *Engine) runOverspeed() {
	batch, ok := e.currentBatch()
	if !ok {
		e.setWarning(IdxOverspeed, false)
		return
	}
	e.setWarning(IdxOverspeed, Overspeed(&batch))
}

func (e *Engine) runPothole() {
	batch, ok := e.currentBatch()
	if !ok {
		e.setWarning(IdxPothole, false)
		return
	}
	e.setWarning(IdxPothole, Pothole(&batch))
}

func (e *Engine) runSpeedyTurn() {
	batch, ok := e.currentBatch()
	if !ok || !e.labels.Get().IsTurn() {
		e.setWarning(IdxSpeedyTurn, false)
		return
	}
	e.setWarning(IdxSpeedyTurn, SpeedyTurn(&batch))
}

func (e *Engine) runHarshBrake() {
	batch, ok := e.currentBatch()
	if !ok {
		e.setWarning(IdxHarshBrake, false)
		return
	}
	e.setWarning(IdxHarshBrake, HarshBrake(&batch))
}

func (e *Engine) runSuddenAccel() {
	batch, ok := e.currentBatch()
	if !ok {
		e.setWarning(IdxSuddenAccel, false)
		return
	}
	e.setWarning(IdxSuddenAccel, SuddenAccel(&batch))
}

// runClassifier predicts the batch label and owns the bump flag.
func (e *Engine) runClassifier() {
	if e.cfg.Model == nil {
		return
	}
	batch, ok := e.currentBatch()
	if !ok {
		return
	}

	label, confidence, err := e.cfg.Model.Predict(FeaturesFromBatch(&batch))
	if err != nil {
		e.log.WithError(err).Debug("classifier skipped batch")
		return
	}

	e.labels.Set(label)
	e.setWarning(IdxBump, label == LabelBump && confidence >= BumpConfidenceThreshold)
}

// csvLoop appends the working batch with its label and warning list once a
// second while a ride is active.
func (e *Engine) csvLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(csvAppendPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		batch, ok := e.currentBatch()
		if !ok {
			continue
		}

		e.mu.Lock()
		writer := e.writer
		e.mu.Unlock()
		if writer == nil {
			continue
		}

		label := e.labels.Get()
		warnings := JoinNames(e.vector.Snapshot())
		if err := writer.AppendBatch(&batch, string(label), warnings); err != nil {
			e.log.WithError(err).Warn("error appending warnings batch")
		}
	}
}
