package cloud

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/roadsense/roadsense/internal/sensor"
)

// Warning is one active-warning entry pushed with the rider telemetry.
type Warning struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// RideStatus mirrors the ride_control/ride_status document.
type RideStatus struct {
	IsActive       bool  `json:"is_active"`
	CalculateModel bool  `json:"calculate_model"`
	StartTimestamp int64 `json:"start_timestamp,omitempty"`
}

// BuildSpeedingWarning returns the active-warnings map for one telemetry
// push: a single speed-limit entry when speed exceeds the limit, otherwise
// an empty map.
func BuildSpeedingWarning(speedKmh, speedLimitKmh float64, tsMs int64) map[string]Warning {
	if speedLimitKmh <= 0 || speedKmh <= speedLimitKmh {
		return map[string]Warning{}
	}
	return map[string]Warning{
		fmt.Sprintf("warning_%d", tsMs): {
			Type:      "speed_limit",
			Message:   "Speed Limit Exceeded!",
			Timestamp: tsMs,
		},
	}
}

// BuildWarningSet renders a list of active warning names as push entries,
// one keyed object per warning.
func BuildWarningSet(names []string, tsMs int64) map[string]Warning {
	out := make(map[string]Warning, len(names))
	for i, name := range names {
		out[fmt.Sprintf("warning_%d_%d", tsMs, i)] = Warning{
			Type:      name,
			Message:   name + " detected",
			Timestamp: tsMs,
		}
	}
	return out
}

// UpdateRiderSpeed pushes the fused speed, the posted limit and the active
// warning set to the rider document.
func (c *Client) UpdateRiderSpeed(ctx context.Context, userID string, speedKmh, speedLimitKmh float64, warnings map[string]Warning) error {
	if warnings == nil {
		warnings = map[string]Warning{}
	}
	payload := map[string]any{
		"speed":           speedKmh,
		"speed_limit":     speedLimitKmh,
		"active_warnings": warnings,
	}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("users/%s/rider_data", userID), payload, nil)
}

// UpdateRiderMPU pushes the latest inertial reading to the rider document.
func (c *Client) UpdateRiderMPU(ctx context.Context, userID string, imu sensor.IMUReading, tsMs int64) error {
	payload := map[string]any{
		"acc_x":     imu.AccX,
		"acc_y":     imu.AccY,
		"acc_z":     imu.AccZ,
		"gyro_x":    imu.GyroX,
		"gyro_y":    imu.GyroY,
		"gyro_z":    imu.GyroZ,
		"timestamp": tsMs,
	}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("users/%s/rider_data/mpu", userID), payload, nil)
}

// NextRideID fetches the id to use for the next ride. The backend stores it
// as an integer string.
func (c *Client) NextRideID(ctx context.Context, userID string) (string, error) {
	var raw string
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("users/%s/next_ride_id", userID), nil, &raw); err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("backend returned empty ride id")
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("ride id %q is not a decimal string", raw)
		}
	}
	return raw, nil
}

// InitRide marks the ride active on the backend with its start timestamp.
func (c *Client) InitRide(ctx context.Context, userID, rideID string, startMs int64) error {
	payload := map[string]any{
		"is_active":       true,
		"start_timestamp": startMs,
	}
	path := fmt.Sprintf("users/%s/rides/%s/ride_control/ride_status", userID, rideID)
	return c.do(ctx, http.MethodPatch, path, payload, nil)
}

// GetRideStatus reads the remote ride-control flags for a ride.
func (c *Client) GetRideStatus(ctx context.Context, userID, rideID string) (RideStatus, error) {
	var status RideStatus
	path := fmt.Sprintf("users/%s/rides/%s/ride_control/ride_status", userID, rideID)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return RideStatus{}, err
	}
	return status, nil
}

// SetControlFlag patches one boolean under the ride-control document.
func (c *Client) SetControlFlag(ctx context.Context, userID, rideID, field string, value bool) error {
	path := fmt.Sprintf("users/%s/rides/%s/ride_control/ride_status", userID, rideID)
	return c.do(ctx, http.MethodPatch, path, map[string]any{field: value}, nil)
}

// ClearCalculateModel lowers the calculate_model request flag after the
// on-device model run it asked for has finished.
func (c *Client) ClearCalculateModel(ctx context.Context, userID, rideID string) error {
	return c.SetControlFlag(ctx, userID, rideID, "calculate_model", false)
}

// UploadRawData uploads the consumer CSV rows for a finished ride as a JSON
// array. Runs on the long-timeout client because rides produce a lot of rows.
func (c *Client) UploadRawData(ctx context.Context, userID, rideID string, rows []string) error {
	path := fmt.Sprintf("users/%s/rides/%s/raw_data", userID, rideID)
	return c.doVia(ctx, c.uploadClient, http.MethodPut, path, rows, nil)
}
