// calibrate runs the IMU zero-bias procedure on demand and writes the
// result as JSON, so a bench check does not need the whole sampler.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/roadsense/roadsense/internal/device"
)

func main() {
	busName := flag.String("bus", "1", "I2C bus of the IMU")
	addr := flag.Uint("addr", 0x68, "I2C address of the IMU")
	window := flag.Duration("window", time.Second, "calibration window")
	out := flag.String("out", "imu_calibration.json", "output file")
	flag.Parse()

	imu, err := device.OpenMPU6500(*busName, uint16(*addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer imu.Close()

	if err := imu.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("calibrating for %s, keep the device still...\n", *window)
	bias, err := imu.Calibrate(*window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calibration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("samples: %d\n", bias.Samples)
	fmt.Printf("accel bias (g):      x=%+.6f y=%+.6f z=%+.6f\n", bias.AccelX, bias.AccelY, bias.AccelZ)
	fmt.Printf("gyro bias (deg/s):   x=%+.6f y=%+.6f z=%+.6f\n", bias.GyroX, bias.GyroY, bias.GyroZ)

	if err := bias.Save(*out); err != nil {
		fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", *out)
}
