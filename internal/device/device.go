package device

import (
	"time"

	"github.com/roadsense/roadsense/internal/parser"
	"github.com/roadsense/roadsense/internal/sensor"
)

// IMU is the contract for the inertial unit. Read returns the latest
// bias-corrected six-axis sample in g and deg/s.
type IMU interface {
	// Reset wakes the device and clears its power-management state.
	Reset() error

	// Calibrate samples the stationary device and stores the zero bias
	// subtracted from all later reads.
	Calibrate(window time.Duration) (Bias, error)

	// Read returns one bias-corrected sample.
	Read() (sensor.IMUReading, error)

	// RawAccX returns the last uncorrected forward acceleration in g.
	RawAccX() (float64, bool)

	// Close releases the bus handle.
	Close() error
}

// RMCHandler receives each validated RMC fix from the GNSS monitor.
type RMCHandler interface {
	HandleRMC(fix parser.RMCFix)
}

// RMCHandlerFunc adapts a function to the RMCHandler interface.
type RMCHandlerFunc func(fix parser.RMCFix)

// HandleRMC calls f.
func (f RMCHandlerFunc) HandleRMC(fix parser.RMCFix) { f(fix) }

// MonitorConfig controls the GNSS monitoring loop.
type MonitorConfig struct {
	// PollInterval between serial reads; the GNSS contract is at most 1 Hz.
	PollInterval time.Duration

	// BufferSize for each serial read.
	BufferSize int

	// Handler receives validated fixes.
	Handler RMCHandler

	// OnError is invoked for parse or read failures; may be nil.
	OnError func(err error)
}

// DefaultMonitorConfig returns the monitoring configuration used by the
// sampler process.
func DefaultMonitorConfig(handler RMCHandler) MonitorConfig {
	return MonitorConfig{
		PollInterval: time.Second,
		BufferSize:   1024,
		Handler:      handler,
	}
}
