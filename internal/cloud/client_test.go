package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/roadsense/internal/config"
	"github.com/roadsense/roadsense/internal/sensor"
)

func testConfig(dbURL string) config.CloudConfig {
	return config.CloudConfig{
		DatabaseURL:    dbURL,
		APIKey:         "test-key",
		Email:          "rider@example.com",
		Password:       "secret",
		UserID:         "user_1",
		RequestTimeout: config.Duration(2 * time.Second),
	}
}

// identityServer answers sign-in and refresh requests with canned tokens.
func identityServer(t *testing.T, signIns, refreshes *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/signin":
			signIns.Add(1)
			json.NewEncoder(w).Encode(map[string]string{
				"idToken":      "token-1",
				"refreshToken": "refresh-1",
				"expiresIn":    "3600",
			})
		case r.URL.Path == "/refresh":
			refreshes.Add(1)
			json.NewEncoder(w).Encode(map[string]string{
				"id_token":      "token-2",
				"refresh_token": "refresh-2",
				"expires_in":    "3600",
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestSignInCachesToken(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var dbCalls atomic.Int64
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dbCalls.Add(1)
		assert.Equal(t, "token-1", r.URL.Query().Get("auth"))
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	ctx := context.Background()
	require.NoError(t, c.UpdateRiderSpeed(ctx, "user_1", 40, 50, nil))
	require.NoError(t, c.UpdateRiderSpeed(ctx, "user_1", 41, 50, nil))

	assert.Equal(t, int64(1), signIns.Load(), "token must be cached between calls")
	assert.Equal(t, int64(2), dbCalls.Load())
}

func TestTokenRefreshBeforeExpiry(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	ctx := context.Background()
	require.NoError(t, c.SignIn(ctx))

	// Force the cached token towards expiry; the next call must refresh,
	// not re-authenticate.
	c.mu.Lock()
	c.tokenExpiry = time.Now().Add(30 * time.Second)
	c.mu.Unlock()

	require.NoError(t, c.UpdateRiderSpeed(ctx, "user_1", 40, 50, nil))
	assert.Equal(t, int64(1), signIns.Load())
	assert.Equal(t, int64(1), refreshes.Load())
}

func TestUpdateRiderSpeedPayload(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var got map[string]any
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/users/user_1/rider_data.json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	warnings := BuildSpeedingWarning(60, 50, 1722580000000)
	require.NoError(t, c.UpdateRiderSpeed(context.Background(), "user_1", 60, 50, warnings))

	assert.Equal(t, 60.0, got["speed"])
	assert.Equal(t, 50.0, got["speed_limit"])
	active := got["active_warnings"].(map[string]any)
	require.Len(t, active, 1)
	entry := active["warning_1722580000000"].(map[string]any)
	assert.Equal(t, "speed_limit", entry["type"])
}

func TestBuildSpeedingWarning(t *testing.T) {
	assert.Empty(t, BuildSpeedingWarning(40, 50, 1))
	assert.Empty(t, BuildSpeedingWarning(50, 50, 1))
	assert.Empty(t, BuildSpeedingWarning(50, 0, 1), "no limit known means no warning")
	assert.Len(t, BuildSpeedingWarning(51, 50, 1), 1)
}

func TestBuildWarningSet(t *testing.T) {
	assert.Empty(t, BuildWarningSet(nil, 1000))

	set := BuildWarningSet([]string{"Pothole", "Harsh Braking"}, 1000)
	require.Len(t, set, 2)
	assert.Equal(t, "Pothole", set["warning_1000_0"].Type)
	assert.Equal(t, "Harsh Braking", set["warning_1000_1"].Type)
	assert.Equal(t, int64(1000), set["warning_1000_0"].Timestamp)
}

func TestUpdateRiderMPU(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var got map[string]any
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/user_1/rider_data/mpu.json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	imu := sensor.IMUReading{AccX: 0.1, AccZ: 1.0, GyroZ: -0.2}
	require.NoError(t, c.UpdateRiderMPU(context.Background(), "user_1", imu, 123456))

	assert.Equal(t, 0.1, got["acc_x"])
	assert.Equal(t, 1.0, got["acc_z"])
	assert.Equal(t, -0.2, got["gyro_z"])
	assert.Equal(t, 123456.0, got["timestamp"])
}

func TestNextRideID(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/user_1/next_ride_id.json", r.URL.Path)
		w.Write([]byte(`"7"`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	id, err := c.NextRideID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "7", id)
}

func TestNextRideIDRejectsGarbage(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"ride-7"`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	_, err := c.NextRideID(context.Background(), "user_1")
	assert.Error(t, err)
}

func TestGetRideStatus(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/user_1/rides/7/ride_control/ride_status.json", r.URL.Path)
		w.Write([]byte(`{"is_active": true, "calculate_model": false}`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	status, err := c.GetRideStatus(context.Background(), "user_1", "7")
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.False(t, status.CalculateModel)
}

func TestSetControlFlag(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var got map[string]any
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/users/user_1/rides/7/ride_control/ride_status.json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	require.NoError(t, c.ClearCalculateModel(context.Background(), "user_1", "7"))
	assert.Equal(t, false, got["calculate_model"])
}

func TestUploadRawData(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	var rows []string
	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/users/user_1/rides/7/raw_data.json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		w.Write([]byte(`null`))
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	require.NoError(t, c.UploadRawData(context.Background(), "user_1", "7", []string{"a,b", "c,d"}))
	assert.Equal(t, []string{"a,b", "c,d"}, rows)
}

func TestBackendErrorSurface(t *testing.T) {
	var signIns, refreshes atomic.Int64
	identity := identityServer(t, &signIns, &refreshes)
	defer identity.Close()

	db := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer db.Close()

	c := NewClient(testConfig(db.URL))
	c.SetEndpoints(identity.URL+"/signin", identity.URL+"/refresh")

	err := c.UpdateRiderSpeed(context.Background(), "user_1", 40, 50, nil)
	assert.Error(t, err)
}
