package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultSpeedLimitURL is the routing endpoint serving posted limits.
const DefaultSpeedLimitURL = "https://api.olamaps.io/routing/v1/speedLimits"

// SpeedLimitFetcher looks up the posted limit for a coordinate, throttled to
// one upstream call per interval. Failures keep the previous value.
type SpeedLimitFetcher struct {
	endpoint   string
	apiKey     string
	throttle   time.Duration
	httpClient *http.Client

	mu        sync.Mutex
	lastFetch time.Time
	lastValue float64
	haveValue bool
}

// NewSpeedLimitFetcher builds a fetcher. An empty endpoint falls back to the
// default service.
func NewSpeedLimitFetcher(endpoint, apiKey string, throttle time.Duration, timeout time.Duration) *SpeedLimitFetcher {
	if endpoint == "" {
		endpoint = DefaultSpeedLimitURL
	}
	return &SpeedLimitFetcher{
		endpoint: endpoint,
		apiKey:   apiKey,
		throttle: throttle,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Lookup returns the posted limit for the coordinate. Inside the throttle
// window, which every upstream attempt starts, no upstream call is made: the
// cached value is returned, or an error while no value is known yet.
func (f *SpeedLimitFetcher) Lookup(ctx context.Context, lat, lon float64) (float64, error) {
	f.mu.Lock()
	if !f.lastFetch.IsZero() && time.Since(f.lastFetch) < f.throttle {
		value, have := f.lastValue, f.haveValue
		f.mu.Unlock()
		if !have {
			return 0, fmt.Errorf("no speed limit known yet")
		}
		return value, nil
	}
	f.mu.Unlock()

	value, err := f.fetch(ctx, lat, lon)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFetch = time.Now()
	if err != nil {
		if f.haveValue {
			return f.lastValue, nil
		}
		return 0, err
	}
	f.lastFetch = time.Now()
	f.lastValue = value
	f.haveValue = true
	return value, nil
}

// Cached returns the last known limit without any upstream traffic.
func (f *SpeedLimitFetcher) Cached() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastValue, f.haveValue
}

func (f *SpeedLimitFetcher) fetch(ctx context.Context, lat, lon float64) (float64, error) {
	params := url.Values{}
	// The service expects a polyline; a degenerate two-point line at the
	// vehicle position asks for the limit right here.
	params.Set("points", fmt.Sprintf("%f,%f|%f,%f", lat, lon, lat, lon))
	params.Set("api_key", f.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("error creating speed-limit request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("speed-limit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("speed-limit service returned %s", resp.Status)
	}

	var result struct {
		SpeedLimits []struct {
			SpeedLimit float64 `json:"speedLimit"`
		} `json:"speed_limits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("error decoding speed-limit response: %w", err)
	}
	if len(result.SpeedLimits) == 0 {
		return 0, fmt.Errorf("no speed limit for %f,%f", lat, lon)
	}
	return result.SpeedLimits[0].SpeedLimit, nil
}
