package device

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/roadsense/roadsense/internal/sensor"
)

// MPU6500 register map, as used by the sampler.
const (
	regPwrMgmt1  = 0x6B
	regAccelXOut = 0x3B
	regGyroXOut  = 0x43

	// Raw counts per unit at the default full-scale ranges:
	// ±2 g and ±250 deg/s.
	accelScale = 16384.0
	gyroScale  = 131.0
)

// mpuInitOnce guards the one-time periph host initialisation.
var mpuInitOnce sync.Once

// MPU6500 reads a six-axis inertial unit over I²C.
type MPU6500 struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser
	bias    Bias
	filters *imuFilterBank

	mu         sync.Mutex
	lastSample sensor.IMUReading
	haveSample bool
	rawAccX    float64
}

// OpenMPU6500 opens the I²C bus and returns a device handle.
func OpenMPU6500(busName string, addr uint16) (*MPU6500, error) {
	var initErr error
	mpuInitOnce.Do(func() {
		_, initErr = host.Init()
	})
	if initErr != nil {
		return nil, fmt.Errorf("host init failed: %w", initErr)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("error opening I2C bus %q: %w", busName, err)
	}

	return &MPU6500{
		dev:     &i2c.Dev{Addr: addr, Bus: bus},
		bus:     bus,
		filters: newIMUFilterBank(),
	}, nil
}

// Reset wakes the device by clearing the power-management register.
func (m *MPU6500) Reset() error {
	if err := m.dev.Tx([]byte{regPwrMgmt1, 0x00}, nil); err != nil {
		return fmt.Errorf("error waking MPU6500: %w", err)
	}
	// The device needs a moment after leaving sleep before registers read
	// sensibly.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// readRaw reads the six 16-bit big-endian register pairs and converts them
// to g and deg/s without bias correction.
func (m *MPU6500) readRaw() (ax, ay, az, gx, gy, gz float64, err error) {
	var accel [6]byte
	if err = m.dev.Tx([]byte{regAccelXOut}, accel[:]); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("error reading accelerometer: %w", err)
	}
	var gyro [6]byte
	if err = m.dev.Tx([]byte{regGyroXOut}, gyro[:]); err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("error reading gyroscope: %w", err)
	}

	ax = float64(toInt16(accel[0], accel[1])) / accelScale
	ay = float64(toInt16(accel[2], accel[3])) / accelScale
	az = float64(toInt16(accel[4], accel[5])) / accelScale
	gx = float64(toInt16(gyro[0], gyro[1])) / gyroScale
	gy = float64(toInt16(gyro[2], gyro[3])) / gyroScale
	gz = float64(toInt16(gyro[4], gyro[5])) / gyroScale
	return ax, ay, az, gx, gy, gz, nil
}

// Calibrate averages readings over the window while the vehicle is
// stationary and stores the result as the zero bias. A window that yields no
// samples leaves the zero bias in place rather than failing the boot.
func (m *MPU6500) Calibrate(window time.Duration) (Bias, error) {
	acc := biasAccumulator{}
	deadline := time.Now().Add(window)

	for time.Now().Before(deadline) {
		ax, ay, az, gx, gy, gz, err := m.readRaw()
		if err == nil {
			acc.add(ax, ay, az, gx, gy, gz)
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.bias = acc.bias(time.Now())
	if acc.count == 0 {
		return m.bias, fmt.Errorf("calibration window produced no samples")
	}
	// The stationary Z axis reads one g of gravity. Gravity must survive
	// bias correction or the vertical channel would centre on zero and the
	// pothole detector downstream would see a permanent spike.
	m.bias.AccelZ -= 1.0
	return m.bias, nil
}

// Read returns one bias-corrected sample. A failed register read returns the
// previous sample so the sampler never sees a gap.
func (m *MPU6500) Read() (sensor.IMUReading, error) {
	ax, ay, az, gx, gy, gz, err := m.readRaw()
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.haveSample {
			return m.lastSample, err
		}
		return sensor.IMUReading{}, err
	}

	// Bias correction first, then per-axis Kalman smoothing.
	reading := sensor.IMUReading{
		AccX:  m.filters.accX.Update(ax - m.bias.AccelX),
		AccY:  m.filters.accY.Update(ay - m.bias.AccelY),
		AccZ:  m.filters.accZ.Update(az - m.bias.AccelZ),
		GyroX: m.filters.gyroX.Update(gx - m.bias.GyroX),
		GyroY: m.filters.gyroY.Update(gy - m.bias.GyroY),
		GyroZ: m.filters.gyroZ.Update(gz - m.bias.GyroZ),
	}

	m.mu.Lock()
	m.lastSample = reading
	m.haveSample = true
	m.rawAccX = ax
	m.mu.Unlock()
	return reading, nil
}

// RawAccX returns the last uncorrected forward acceleration in g. The speed
// estimator applies its own offline-derived bias to this value.
func (m *MPU6500) RawAccX() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rawAccX, m.haveSample
}

// Close releases the I²C bus.
func (m *MPU6500) Close() error {
	return m.bus.Close()
}

// toInt16 assembles a signed big-endian register pair.
func toInt16(high, low byte) int16 {
	return int16(uint16(high)<<8 | uint16(low))
}
