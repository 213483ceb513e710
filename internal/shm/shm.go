// Package shm implements the single-slot shared-memory bridge between the
// sampler and the warning engine. One region carries the current batch of
// samples, a second carries the ride-control flag word. There is no lock
// between writer and reader: the reader copies before use and a snapshot
// torn at a row boundary is acceptable because the detectors work on batch
// statistics.
package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/roadsense/roadsense/internal/sensor"
)

const (
	// DataRegionName is the OS name of the batch slot.
	DataRegionName = "two_wheeler_sensor_data"

	// FlagRegionName is the OS name of the ride flag word.
	FlagRegionName = "two_wheeler_ride_flag"

	// DataRegionSize is 104 rows of 11 float64 fields.
	DataRegionSize = sensor.BatchSize * sensor.FieldsPerSample * 8

	// FlagRegionSize holds two int64 words: [active, ride_id].
	FlagRegionSize = 16
)

// DefaultDir is where the named regions live. Tests point this elsewhere.
const DefaultDir = "/dev/shm"

// region is one mapped shared-memory object.
type region struct {
	file *os.File
	buf  []byte
}

func createRegion(path string, size int) (*region, error) {
	// A leftover object from a crashed run is unlinked and recreated so
	// the writer always starts from a clean slot.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error unlinking stale region %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating region %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("error sizing region %s: %w", path, err)
	}
	return mapRegion(file, size)
}

func openRegion(path string, size int) (*region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return mapRegion(file, size)
}

func mapRegion(file *os.File, size int) (*region, error) {
	buf, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error mapping region %s: %w", file.Name(), err)
	}
	return &region{file: file, buf: buf}, nil
}

func (r *region) close() error {
	if err := unix.Munmap(r.buf); err != nil {
		r.file.Close()
		return fmt.Errorf("error unmapping region: %w", err)
	}
	return r.file.Close()
}

// flagWord returns an aligned pointer into the flag region. Index 0 is the
// active flag, index 1 the ride id.
func flagWord(buf []byte, index int) *int64 {
	return (*int64)(unsafe.Pointer(&buf[index*8]))
}

// Writer owns the write side of the bridge. Created by the sampler process
// at boot; the regions are unlinked again on Close.
type Writer struct {
	dir  string
	data *region
	flag *region
}

// NewWriter creates both regions under dir, replacing any stale ones, and
// zeroes them.
func NewWriter(dir string) (*Writer, error) {
	data, err := createRegion(filepath.Join(dir, DataRegionName), DataRegionSize)
	if err != nil {
		return nil, err
	}
	flag, err := createRegion(filepath.Join(dir, FlagRegionName), FlagRegionSize)
	if err != nil {
		data.close()
		os.Remove(filepath.Join(dir, DataRegionName))
		return nil, err
	}

	w := &Writer{dir: dir, data: data, flag: flag}
	atomic.StoreInt64(flagWord(flag.buf, 0), 0)
	atomic.StoreInt64(flagWord(flag.buf, 1), 0)
	return w, nil
}

// WriteBatch replaces the full slot contents. Partial writes never happen:
// the caller hands over exactly one complete batch.
func (w *Writer) WriteBatch(batch *sensor.Batch) {
	for i := range batch {
		row := batch[i].Row()
		base := i * sensor.FieldsPerSample * 8
		for j, v := range row {
			binary.LittleEndian.PutUint64(w.data.buf[base+j*8:], math.Float64bits(v))
		}
	}
}

// SetRideActive publishes the active flag and ride id for the reader.
func (w *Writer) SetRideActive(rideID int64) {
	atomic.StoreInt64(flagWord(w.flag.buf, 1), rideID)
	atomic.StoreInt64(flagWord(w.flag.buf, 0), 1)
}

// SetRideInactive clears the active flag. The ride id stays published so a
// late reader can still finish its files.
func (w *Writer) SetRideInactive() {
	atomic.StoreInt64(flagWord(w.flag.buf, 0), 0)
}

// Close unmaps and unlinks both regions.
func (w *Writer) Close() error {
	errData := w.data.close()
	errFlag := w.flag.close()
	os.Remove(filepath.Join(w.dir, DataRegionName))
	os.Remove(filepath.Join(w.dir, FlagRegionName))
	if errData != nil {
		return errData
	}
	return errFlag
}

// Reader attaches to the regions created by the writer. It never unlinks.
type Reader struct {
	data *region
	flag *region
}

// NewReader attaches to existing regions under dir, waiting up to timeout
// for the writer to create them.
func NewReader(dir string, timeout time.Duration) (*Reader, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, err := openRegion(filepath.Join(dir, DataRegionName), DataRegionSize)
		if err == nil {
			flag, err := openRegion(filepath.Join(dir, FlagRegionName), FlagRegionSize)
			if err == nil {
				return &Reader{data: data, flag: flag}, nil
			}
			data.close()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("shared memory not created within %s", timeout)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// ReadBatch copies the current slot contents. The copy may be torn at a row
// boundary; callers accept that.
func (r *Reader) ReadBatch() sensor.Batch {
	var batch sensor.Batch
	for i := range batch {
		var row [sensor.FieldsPerSample]float64
		base := i * sensor.FieldsPerSample * 8
		for j := range row {
			row[j] = math.Float64frombits(binary.LittleEndian.Uint64(r.data.buf[base+j*8:]))
		}
		batch[i] = sensor.FromRow(row)
	}
	return batch
}

// RideActive reports whether the writer has a ride in progress.
func (r *Reader) RideActive() bool {
	return atomic.LoadInt64(flagWord(r.flag.buf, 0)) != 0
}

// RideID returns the currently published ride id.
func (r *Reader) RideID() int64 {
	return atomic.LoadInt64(flagWord(r.flag.buf, 1))
}

// Close unmaps the regions without unlinking them.
func (r *Reader) Close() error {
	errData := r.data.close()
	errFlag := r.flag.close()
	if errData != nil {
		return errData
	}
	return errFlag
}
