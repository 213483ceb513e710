// gnss-check is a field diagnostic for the GNSS receiver: it lists serial
// ports, verifies that NMEA data is flowing, and prints parsed RMC fixes
// until interrupted. Run it when the pipeline reports ACCEL-only speed to
// tell a wiring problem from a sky-view problem.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roadsense/roadsense/internal/device"
	"github.com/roadsense/roadsense/internal/parser"
	"github.com/roadsense/roadsense/internal/port"
)

func main() {
	portName := flag.String("port", "/dev/serial0", "serial port of the GNSS module")
	baud := flag.Int("baud", 9600, "baud rate")
	list := flag.Bool("list", false, "list available serial ports and exit")
	verifyTimeout := flag.Duration("verify", 10*time.Second, "how long to wait for NMEA traffic")
	flag.Parse()

	serialPort := port.NewGNSSSerialPort()

	if *list {
		ports, err := serialPort.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing ports: %v\n", err)
			os.Exit(1)
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return
		}
		for _, name := range ports {
			fmt.Println(name)
		}
		return
	}

	gnss := device.NewGNSSDevice(serialPort)
	if err := gnss.Connect(*portName, *baud); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer gnss.Disconnect()

	fmt.Printf("connected to %s at %d baud, checking for NMEA traffic...\n", *portName, *baud)
	if !gnss.VerifyConnection(*verifyTimeout) {
		fmt.Println("no NMEA sentences seen; check wiring and antenna")
		os.Exit(1)
	}
	fmt.Println("NMEA traffic detected, waiting for valid RMC fixes (Ctrl+C to stop)")

	var fixes, rejects int
	start := time.Now()

	cfg := device.MonitorConfig{
		PollInterval: time.Second,
		BufferSize:   1024,
		Handler: device.RMCHandlerFunc(func(fix parser.RMCFix) {
			fixes++
			speed := "n/a"
			if fix.SpeedKmh != nil {
				speed = fmt.Sprintf("%.2f km/h", *fix.SpeedKmh)
			}
			fmt.Printf("[%3d] lat=%.6f lon=%.6f speed=%s (%.0fs)\n",
				fixes, fix.Latitude, fix.Longitude, speed, time.Since(start).Seconds())
		}),
		OnError: func(err error) {
			rejects++
			if rejects%10 == 1 {
				fmt.Printf("rejected record: %v (%d total)\n", err, rejects)
			}
		},
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		gnss.Stop()
	}()

	if err := gnss.Monitor(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "monitor error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n%d valid fixes, %d rejected records in %.0fs\n", fixes, rejects, time.Since(start).Seconds())
	if fixes == 0 {
		fmt.Println("no valid fixes: the module may still be acquiring satellites; move outdoors")
	}
}
