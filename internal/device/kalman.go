package device

// KalmanFilter1D smooths one noisy sensor axis. Process variance Q sets how
// much the true value is expected to move between readings; measurement
// variance R sets how much the sensor is trusted.
type KalmanFilter1D struct {
	processVariance     float64
	measurementVariance float64
	estimate            float64
	errorEstimate       float64
}

// NewKalmanFilter1D builds a filter with unit initial error covariance.
func NewKalmanFilter1D(processVariance, measurementVariance float64) *KalmanFilter1D {
	return &KalmanFilter1D{
		processVariance:     processVariance,
		measurementVariance: measurementVariance,
		errorEstimate:       1.0,
	}
}

// Update feeds one measurement and returns the new estimate.
func (k *KalmanFilter1D) Update(measurement float64) float64 {
	predictedError := k.errorEstimate + k.processVariance

	gain := predictedError / (predictedError + k.measurementVariance)
	k.estimate += gain * (measurement - k.estimate)
	k.errorEstimate = (1 - gain) * predictedError

	return k.estimate
}

// Estimate returns the current state without feeding a measurement.
func (k *KalmanFilter1D) Estimate() float64 {
	return k.estimate
}

// Filter variances for the two sensor families. The gyro reads cleaner than
// the accelerometer, so it trusts measurements more.
const (
	accelProcessVariance     = 1e-5
	accelMeasurementVariance = 1e-2
	gyroProcessVariance      = 1e-5
	gyroMeasurementVariance  = 5e-3
)

// imuFilterBank holds one filter per axis.
type imuFilterBank struct {
	accX, accY, accZ    *KalmanFilter1D
	gyroX, gyroY, gyroZ *KalmanFilter1D
}

func newIMUFilterBank() *imuFilterBank {
	return &imuFilterBank{
		accX:  NewKalmanFilter1D(accelProcessVariance, accelMeasurementVariance),
		accY:  NewKalmanFilter1D(accelProcessVariance, accelMeasurementVariance),
		accZ:  NewKalmanFilter1D(accelProcessVariance, accelMeasurementVariance),
		gyroX: NewKalmanFilter1D(gyroProcessVariance, gyroMeasurementVariance),
		gyroY: NewKalmanFilter1D(gyroProcessVariance, gyroMeasurementVariance),
		gyroZ: NewKalmanFilter1D(gyroProcessVariance, gyroMeasurementVariance),
	}
}
