package cloud

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/speed"
	"github.com/roadsense/roadsense/internal/state"
	"github.com/roadsense/roadsense/internal/telemetry"
)

// Publisher pushes the latest telemetry to the rider document on a fixed
// cadence. It runs in its own goroutine so a slow backend can never stall
// the sampler.
type Publisher struct {
	client    *Client
	store     *state.Store
	estimator *speed.Estimator
	userID    string
	interval  time.Duration
	active    func() bool
	log       *logrus.Logger
	metrics   *telemetry.Metrics
}

// NewPublisher wires a telemetry publisher. The active callback gates
// pushes to ride time.
func NewPublisher(client *Client, store *state.Store, estimator *speed.Estimator, userID string, interval time.Duration, active func() bool, log *logrus.Logger, metrics *telemetry.Metrics) *Publisher {
	return &Publisher{
		client:    client,
		store:     store,
		estimator: estimator,
		userID:    userID,
		interval:  interval,
		active:    active,
		log:       log,
		metrics:   metrics,
	}
}

// Run pushes until stop closes. Push failures are counted and retried on
// the next cadence; they never propagate.
func (p *Publisher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if p.active != nil && !p.active() {
			continue
		}
		p.pushOnce()
	}
}

func (p *Publisher) pushOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	nowMs := time.Now().UnixMilli()
	speedKmh := p.estimator.SpeedKmh()
	limit, haveLimit := p.store.SpeedLimit()

	var warnings map[string]Warning
	if haveLimit {
		warnings = BuildSpeedingWarning(speedKmh, limit, nowMs)
	}
	if err := p.client.UpdateRiderSpeed(ctx, p.userID, speedKmh, limit, warnings); err != nil {
		p.countError(err, "speed push failed")
	}

	if imu, ok := p.store.IMU(); ok {
		if err := p.client.UpdateRiderMPU(ctx, p.userID, imu, nowMs); err != nil {
			p.countError(err, "mpu push failed")
		}
	}
}

func (p *Publisher) countError(err error, msg string) {
	if p.metrics != nil {
		p.metrics.CloudPushErrors.Inc()
	}
	p.log.WithError(err).Warn(msg)
}
