package port

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialPort defines the interface for serial port operations the GNSS
// reader needs. Implementations must be safe to Read from one goroutine.
type SerialPort interface {
	// Open opens the serial port with the given configuration
	Open(portName string, baudRate int) error

	// Close closes the serial port
	Close() error

	// Read reads data from the port
	Read(buffer []byte) (int, error)

	// SetReadTimeout sets the read timeout for the port
	SetReadTimeout(timeout time.Duration) error

	// ListPorts lists all available serial ports
	ListPorts() ([]string, error)
}

// Config holds configuration for the serial port.
type Config struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	Timeout  time.Duration
}

// DefaultConfig returns the configuration for a NEO-6M class GNSS module.
func DefaultConfig() Config {
	return Config{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		Timeout:  time.Second,
	}
}

// GNSSSerialPort implements SerialPort on go.bug.st/serial.
type GNSSSerialPort struct {
	port   serial.Port
	config Config
}

// NewGNSSSerialPort creates a new GNSSSerialPort with default configuration.
func NewGNSSSerialPort() *GNSSSerialPort {
	return &GNSSSerialPort{
		config: DefaultConfig(),
	}
}

// Open opens the serial port with the given configuration.
func (p *GNSSSerialPort) Open(portName string, baudRate int) error {
	if baudRate > 0 {
		p.config.BaudRate = baudRate
	}

	mode := &serial.Mode{
		BaudRate: p.config.BaudRate,
		DataBits: p.config.DataBits,
		Parity:   p.config.Parity,
		StopBits: p.config.StopBits,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("error opening serial port %s: %w", portName, err)
	}
	p.port = port

	if err := p.port.SetReadTimeout(p.config.Timeout); err != nil {
		return fmt.Errorf("error setting read timeout: %w", err)
	}
	return nil
}

// Close closes the serial port.
func (p *GNSSSerialPort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Read reads data from the port.
func (p *GNSSSerialPort) Read(buffer []byte) (int, error) {
	if p.port == nil {
		return 0, fmt.Errorf("port not open")
	}
	return p.port.Read(buffer)
}

// SetReadTimeout sets the read timeout for the port.
func (p *GNSSSerialPort) SetReadTimeout(timeout time.Duration) error {
	if p.port == nil {
		return fmt.Errorf("port not open")
	}
	p.config.Timeout = timeout
	return p.port.SetReadTimeout(timeout)
}

// ListPorts lists all available serial ports.
func (p *GNSSSerialPort) ListPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, d := range details {
		names = append(names, d.Name)
	}
	return names, nil
}
