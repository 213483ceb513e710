// Package ride drives the IDLE/ACTIVE ride state machine from the remote
// ride-control flag. The controller owns the raw CSV handle and the
// shared-memory flag word; the sampler only consumes the current session.
package ride

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roadsense/roadsense/internal/cloud"
	"github.com/roadsense/roadsense/internal/storage"
)

// Backend is the slice of the cloud client the controller needs.
type Backend interface {
	NextRideID(ctx context.Context, userID string) (string, error)
	InitRide(ctx context.Context, userID, rideID string, startMs int64) error
	GetRideStatus(ctx context.Context, userID, rideID string) (cloud.RideStatus, error)
	UploadRawData(ctx context.Context, userID, rideID string, rows []string) error
}

// FlagWriter is the write side of the shared-memory ride flag.
type FlagWriter interface {
	SetRideActive(rideID int64)
	SetRideInactive()
}

// Resetter is anything that must return to its initial state at ride start;
// in practice the speed estimator.
type Resetter interface {
	Reset()
}

// Timing defaults. Poll failures retain the previous observed state.
const (
	DefaultPollInterval = 10 * time.Second

	// csvDrainTimeout bounds the raw CSV queue drain at ride end.
	csvDrainTimeout = 5 * time.Second

	// consumerFlushWait gives the warning engine time to finish its own
	// CSV before the upload.
	consumerFlushWait = 2 * time.Second
)

// Session is one active ride: its id in both representations and the open
// raw CSV writer.
type Session struct {
	ID      string
	IDNum   int64
	StartMs int64
	Writer  *storage.RawWriter
}

// Controller runs the ride state machine.
type Controller struct {
	backend   Backend
	flags     FlagWriter
	estimator Resetter
	userID    string
	dataDir   string
	log       *logrus.Logger

	// PollInterval and waits are variables so tests can shrink them.
	PollInterval time.Duration
	DrainTimeout time.Duration
	ConsumerWait time.Duration

	mu      sync.Mutex
	session *Session
}

// NewController wires the state machine.
func NewController(backend Backend, flags FlagWriter, estimator Resetter, userID, dataDir string, log *logrus.Logger) *Controller {
	return &Controller{
		backend:      backend,
		flags:        flags,
		estimator:    estimator,
		userID:       userID,
		dataDir:      dataDir,
		log:          log,
		PollInterval: DefaultPollInterval,
		DrainTimeout: csvDrainTimeout,
		ConsumerWait: consumerFlushWait,
	}
}

// Session returns the active ride, or nil when idle. The sampler calls this
// every tick; it must stay cheap.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Active reports whether a ride is in progress.
func (c *Controller) Active() bool {
	return c.Session() != nil
}

// Run polls the backend until stop closes. An active ride at shutdown is
// finalized so the CSV lands on disk complete.
func (c *Controller) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	// First poll immediately rather than one interval in.
	c.poll()
	for {
		select {
		case <-stop:
			if c.Active() {
				c.deactivate()
			}
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

// poll observes the remote flag once and reacts to edges.
func (c *Controller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), c.PollInterval)
	defer cancel()

	if session := c.Session(); session != nil {
		status, err := c.backend.GetRideStatus(ctx, c.userID, session.ID)
		if err != nil {
			c.log.WithError(err).Warn("ride status poll failed, staying active")
			return
		}
		if !status.IsActive {
			c.deactivate()
		}
		return
	}

	// IDLE: the next ride id names the document carrying our start flag.
	rideID, err := c.backend.NextRideID(ctx, c.userID)
	if err != nil {
		c.log.WithError(err).Debug("next ride id unavailable")
		return
	}
	status, err := c.backend.GetRideStatus(ctx, c.userID, rideID)
	if err != nil {
		c.log.WithError(err).Debug("ride status unavailable")
		return
	}
	if status.IsActive {
		if err := c.activate(ctx, rideID); err != nil {
			c.log.WithError(err).Error("failed to start ride")
		}
	}
}

// activate performs the IDLE → ACTIVE edge.
func (c *Controller) activate(ctx context.Context, rideID string) error {
	idNum, err := strconv.ParseInt(rideID, 10, 64)
	if err != nil {
		return fmt.Errorf("ride id %q is not numeric: %w", rideID, err)
	}

	startMs := time.Now().UnixMilli()
	if err := c.backend.InitRide(ctx, c.userID, rideID, startMs); err != nil {
		return fmt.Errorf("init ride: %w", err)
	}

	path := filepath.Join(c.dataDir, fmt.Sprintf("rawdata_%s.csv", rideID))
	writer, err := storage.NewRawWriter(path)
	if err != nil {
		return fmt.Errorf("create ride csv: %w", err)
	}

	c.estimator.Reset()

	c.mu.Lock()
	c.session = &Session{ID: rideID, IDNum: idNum, StartMs: startMs, Writer: writer}
	c.mu.Unlock()

	// The flag goes up last: the consumer must not start before the
	// session exists.
	c.flags.SetRideActive(idNum)

	c.log.WithField("ride_id", rideID).Infof("ride started, writing %s", path)
	return nil
}

// deactivate performs the ACTIVE → IDLE edge.
func (c *Controller) deactivate() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return
	}

	c.flags.SetRideInactive()

	if err := session.Writer.Drain(c.DrainTimeout); err != nil {
		c.log.WithError(err).Warn("raw csv drain incomplete")
	}

	// Give the consumer a moment to flush its own file before reading it
	// back for the upload.
	time.Sleep(c.ConsumerWait)

	warningsPath := filepath.Join(c.dataDir, fmt.Sprintf("warnings_%s.csv", session.ID))
	rows, err := readLines(warningsPath)
	if err != nil {
		c.log.WithError(err).Warnf("warnings csv unavailable, skipping upload; file remains on disk")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.backend.UploadRawData(ctx, c.userID, session.ID, rows); err != nil {
			c.log.WithError(err).Warnf("ride upload failed; %s remains on disk for recovery", warningsPath)
		}
	}

	c.log.WithField("ride_id", session.ID).Info("ride finalized")
}

// readLines loads a CSV back as its raw rows for the upload payload.
func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
