package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roadsense/roadsense/internal/parser"
	"github.com/roadsense/roadsense/internal/port"
)

// GNSSDevice reads a line-oriented NMEA stream from a serial GNSS module
// and hands validated RMC fixes to a handler.
type GNSSDevice struct {
	serialPort port.SerialPort
	connected  bool
	mutex      sync.Mutex
	stopChan   chan struct{}
}

// NewGNSSDevice creates a device on the given serial port.
func NewGNSSDevice(serialPort port.SerialPort) *GNSSDevice {
	return &GNSSDevice{
		serialPort: serialPort,
		stopChan:   make(chan struct{}),
	}
}

// Connect establishes a connection to the device.
func (d *GNSSDevice) Connect(portName string, baudRate int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.connected {
		return fmt.Errorf("device already connected")
	}
	if err := d.serialPort.Open(portName, baudRate); err != nil {
		return fmt.Errorf("failed to connect to device: %w", err)
	}
	d.connected = true
	return nil
}

// Disconnect closes the connection to the device.
func (d *GNSSDevice) Disconnect() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.connected {
		return nil
	}
	if err := d.serialPort.Close(); err != nil {
		return fmt.Errorf("error disconnecting device: %w", err)
	}
	d.connected = false
	return nil
}

// IsConnected returns whether the device is connected.
func (d *GNSSDevice) IsConnected() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.connected
}

// VerifyConnection checks if the device is sending NMEA data at all.
func (d *GNSSDevice) VerifyConnection(timeout time.Duration) bool {
	if !d.IsConnected() {
		return false
	}

	buffer := make([]byte, 1024)
	endTime := time.Now().Add(timeout)

	for time.Now().Before(endTime) {
		n, err := d.serialPort.Read(buffer)
		if err == nil && n > 0 {
			data := string(buffer[:n])
			if strings.Contains(data, "$GN") || strings.Contains(data, "$GP") {
				return true
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

// Monitor reads the serial stream once per poll interval and delivers every
// validated RMC fix found in what was read. It blocks until Stop is called.
func (d *GNSSDevice) Monitor(config MonitorConfig) error {
	if !d.IsConnected() {
		return fmt.Errorf("device not connected")
	}

	buffer := make([]byte, config.BufferSize)
	dataBuffer := ""

	for {
		select {
		case <-d.stopChan:
			return nil
		default:
		}

		n, err := d.serialPort.Read(buffer)
		if err != nil {
			if config.OnError != nil {
				config.OnError(err)
			}
			time.Sleep(config.PollInterval)
			continue
		}

		if n > 0 {
			dataBuffer += string(buffer[:n])
			dataBuffer = d.drainSentences(dataBuffer, config)

			// Cap the working buffer so a stream with no line endings
			// cannot grow it without bound.
			if len(dataBuffer) > 4*config.BufferSize {
				dataBuffer = ""
			}
		}

		time.Sleep(config.PollInterval)
	}
}

// drainSentences extracts complete NMEA sentences from the working buffer,
// forwarding the RMC ones, and returns the unconsumed remainder.
func (d *GNSSDevice) drainSentences(dataBuffer string, config MonitorConfig) string {
	for {
		startIdx := strings.Index(dataBuffer, "$")
		if startIdx == -1 {
			return dataBuffer
		}

		endIdx := strings.Index(dataBuffer[startIdx:], "\r\n")
		if endIdx == -1 {
			// Plain newline terminators show up on some modules.
			endIdx = strings.Index(dataBuffer[startIdx:], "\n")
			if endIdx == -1 {
				return dataBuffer[startIdx:]
			}
		}
		endIdx += startIdx

		sentence := strings.TrimRight(dataBuffer[startIdx:endIdx], "\r")
		if endIdx+1 <= len(dataBuffer) {
			dataBuffer = dataBuffer[endIdx+1:]
		} else {
			dataBuffer = ""
		}

		if !strings.Contains(sentence[:min(len(sentence), 7)], "RMC") {
			continue
		}

		fix, err := parser.ParseRMC(sentence)
		if err != nil {
			if config.OnError != nil {
				config.OnError(err)
			}
			continue
		}
		if config.Handler != nil {
			config.Handler.HandleRMC(fix)
		}
	}
}

// Stop ends the monitoring loop.
func (d *GNSSDevice) Stop() {
	close(d.stopChan)
}
