// Package storage persists per-ride telemetry to CSV files. The raw writer
// decouples the 100 Hz sampler from disk latency with a bounded queue; the
// warnings writer appends whole batches from the consumer.
package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadsense/roadsense/internal/sensor"
)

// TimestampLayout is the wall-clock format used in the CSV files.
const TimestampLayout = "2006-01-02 15:04:05.000"

// rawHeader matches the sampler output contract.
var rawHeader = []string{
	"timestamp", "image_path",
	"acc_x", "acc_y", "acc_z",
	"gyro_x", "gyro_y", "gyro_z",
	"latitude", "longitude", "speed", "speed_limit",
}

// warningsHeader matches the consumer output contract.
var warningsHeader = []string{
	"timestamp",
	"acc_x", "acc_y", "acc_z",
	"gyro_x", "gyro_y", "gyro_z",
	"latitude", "longitude", "speed", "speed_limit",
	"lstm_prediction", "warnings",
}

// RawRow is one sampler tick headed for the raw-data CSV.
type RawRow struct {
	Sample    sensor.Sample
	ImagePath string
}

const (
	// queueCapacity bounds how far the writer may fall behind before rows
	// are dropped.
	queueCapacity = 1024

	// flushEvery batches this many rows per flush.
	flushEvery = 10

	// idleFlush flushes a partial batch after this long without new rows.
	idleFlush = 100 * time.Millisecond
)

// RawWriter appends sampler rows to one file per ride.
type RawWriter struct {
	file    *os.File
	csv     *csv.Writer
	queue   chan RawRow
	quit    chan struct{}
	done    chan struct{}
	closing atomic.Bool
	dropped atomic.Int64
	written atomic.Int64
	once    sync.Once
}

// NewRawWriter creates (or truncates) the ride CSV, writes the header and
// starts the writer goroutine.
func NewRawWriter(path string) (*RawWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating csv file: %w", err)
	}

	w := &RawWriter{
		file:  file,
		csv:   csv.NewWriter(file),
		queue: make(chan RawRow, queueCapacity),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := w.csv.Write(rawHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("error writing csv header: %w", err)
	}
	w.csv.Flush()

	go w.run()
	return w, nil
}

// Enqueue hands a row to the writer without blocking. Returns false when
// the queue is full, or the writer is draining, and the row was dropped.
func (w *RawWriter) Enqueue(row RawRow) bool {
	if w.closing.Load() {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.queue <- row:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// run drains the queue, flushing every flushEvery rows or after idleFlush of
// silence.
func (w *RawWriter) run() {
	defer close(w.done)
	pending := 0

	for {
		select {
		case <-w.quit:
			// Final drain: consume what is already queued, then stop.
			for {
				select {
				case row := <-w.queue:
					w.writeRow(row)
				default:
					w.csv.Flush()
					return
				}
			}
		case row := <-w.queue:
			w.writeRow(row)
			pending++
			if pending >= flushEvery {
				w.csv.Flush()
				pending = 0
			}
		case <-time.After(idleFlush):
			if pending > 0 {
				w.csv.Flush()
				pending = 0
			}
		}
	}
}

func (w *RawWriter) writeRow(row RawRow) {
	s := row.Sample
	record := []string{
		time.UnixMilli(s.TimestampMs).Format(TimestampLayout),
		row.ImagePath,
		formatFloat(s.AccX),
		formatFloat(s.AccY),
		formatFloat(s.AccZ),
		formatFloat(s.GyroX),
		formatFloat(s.GyroY),
		formatFloat(s.GyroZ),
		formatCoordinate(s.Latitude, s.Longitude, s.Latitude),
		formatCoordinate(s.Latitude, s.Longitude, s.Longitude),
		formatFloat(s.SpeedKmh),
		formatFloat(s.SpeedLimit),
	}
	if err := w.csv.Write(record); err == nil {
		w.written.Add(1)
	}
}

// Dropped returns how many rows overflowed the queue.
func (w *RawWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Written returns how many rows reached the file.
func (w *RawWriter) Written() int64 {
	return w.written.Load()
}

// Drain stops accepting rows, waits up to timeout for the queue to empty,
// and closes the file. Safe to call more than once.
func (w *RawWriter) Drain(timeout time.Duration) error {
	var err error
	w.once.Do(func() {
		w.closing.Store(true)
		close(w.quit)
		select {
		case <-w.done:
		case <-time.After(timeout):
			err = fmt.Errorf("csv queue did not drain within %s", timeout)
		}
		if closeErr := w.file.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

// WarningsWriter appends whole batches with the classifier label and the
// active warning list replicated onto every row.
type WarningsWriter struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// NewWarningsWriter creates the consumer CSV for one ride and writes the
// header.
func NewWarningsWriter(path string) (*WarningsWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating warnings csv: %w", err)
	}

	w := &WarningsWriter{file: file, csv: csv.NewWriter(file)}
	if err := w.csv.Write(warningsHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("error writing warnings header: %w", err)
	}
	w.csv.Flush()
	return w, nil
}

// AppendBatch writes all rows of the batch with the given label and warning
// list, then flushes.
func (w *WarningsWriter) AppendBatch(batch *sensor.Batch, label, warnings string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range batch {
		s := batch[i]
		record := []string{
			time.UnixMilli(s.TimestampMs).Format(TimestampLayout),
			formatFloat(s.AccX),
			formatFloat(s.AccY),
			formatFloat(s.AccZ),
			formatFloat(s.GyroX),
			formatFloat(s.GyroY),
			formatFloat(s.GyroZ),
			formatCoordinate(s.Latitude, s.Longitude, s.Latitude),
			formatCoordinate(s.Latitude, s.Longitude, s.Longitude),
			formatFloat(s.SpeedKmh),
			formatFloat(s.SpeedLimit),
			label,
			warnings,
		}
		if err := w.csv.Write(record); err != nil {
			return fmt.Errorf("error appending warnings row: %w", err)
		}
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes the file.
func (w *WarningsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatCoordinate renders a lat/lon field, or an empty cell when the fix is
// the 0,0 sentinel.
func formatCoordinate(lat, lon, value float64) string {
	if lat == 0 && lon == 0 {
		return ""
	}
	return strconv.FormatFloat(value, 'f', 6, 64)
}
