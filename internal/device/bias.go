package device

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Bias is the per-axis zero offset removed from every IMU reading.
// Accelerometer values are in g, gyroscope values in deg/s. Written once at
// startup, read-only afterwards.
type Bias struct {
	AccelX float64 `json:"accel_x"`
	AccelY float64 `json:"accel_y"`
	AccelZ float64 `json:"accel_z"`
	GyroX  float64 `json:"gyro_x"`
	GyroY  float64 `json:"gyro_y"`
	GyroZ  float64 `json:"gyro_z"`

	// Samples is how many readings the calibration window averaged.
	Samples int `json:"samples"`

	// CalibratedAt records when the window ran, RFC3339.
	CalibratedAt string `json:"calibrated_at"`
}

// biasAccumulator averages raw samples during the calibration window.
type biasAccumulator struct {
	accSum  [3]float64
	gyroSum [3]float64
	count   int
}

func (a *biasAccumulator) add(ax, ay, az, gx, gy, gz float64) {
	a.accSum[0] += ax
	a.accSum[1] += ay
	a.accSum[2] += az
	a.gyroSum[0] += gx
	a.gyroSum[1] += gy
	a.gyroSum[2] += gz
	a.count++
}

// bias returns the averaged offsets. With zero samples the result is the
// zero bias, so a failed calibration degrades to raw readings.
func (a *biasAccumulator) bias(at time.Time) Bias {
	b := Bias{
		Samples:      a.count,
		CalibratedAt: at.Format(time.RFC3339),
	}
	if a.count == 0 {
		return b
	}
	n := float64(a.count)
	b.AccelX = a.accSum[0] / n
	b.AccelY = a.accSum[1] / n
	b.AccelZ = a.accSum[2] / n
	b.GyroX = a.gyroSum[0] / n
	b.GyroY = a.gyroSum[1] / n
	b.GyroZ = a.gyroSum[2] / n
	return b
}

// Save writes the bias to a JSON file for later inspection.
func (b Bias) Save(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing calibration file: %w", err)
	}
	return nil
}

// LoadBias reads a previously saved calibration file.
func LoadBias(path string) (Bias, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bias{}, fmt.Errorf("error reading calibration file: %w", err)
	}
	var b Bias
	if err := json.Unmarshal(data, &b); err != nil {
		return Bias{}, fmt.Errorf("error parsing calibration file: %w", err)
	}
	return b, nil
}
