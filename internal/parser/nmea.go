package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
)

// KnotsToKmh is the conversion factor applied to RMC ground speed.
const KnotsToKmh = 1.852

// maxPlausibleSpeedKmh rejects obviously corrupt speed fields.
const maxPlausibleSpeedKmh = 300.0

// RMCFix is the subset of an RMC record the pipeline consumes. SpeedKmh is
// nil when the record carried no speed field.
type RMCFix struct {
	Latitude  float64
	Longitude float64
	SpeedKmh  *float64
}

// ParseRMC extracts a validated fix from a single RMC sentence. A record is
// accepted only when its status field is "A", both coordinates parse, and
// the speed (when present) converts into [0, 300] km/h.
func ParseRMC(line string) (RMCFix, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return RMCFix{}, fmt.Errorf("empty sentence")
	}

	// Prefer the library parser; it verifies the checksum and handles
	// every talker prefix. Receivers in the field emit plenty of records
	// with broken or missing checksums, so fall back to a field split.
	if sentence, err := nmea.Parse(line); err == nil {
		if rmc, ok := sentence.(nmea.RMC); ok {
			return fixFromLibrary(rmc)
		}
		return RMCFix{}, fmt.Errorf("not an RMC sentence: %s", sentence.DataType())
	}
	return parseRMCFields(line)
}

func fixFromLibrary(rmc nmea.RMC) (RMCFix, error) {
	if rmc.Validity != nmea.ValidRMC {
		return RMCFix{}, fmt.Errorf("record status %q is not active", rmc.Validity)
	}
	fix := RMCFix{
		Latitude:  rmc.Latitude,
		Longitude: rmc.Longitude,
	}
	// The library reads an empty speed field as 0; report it as absent.
	if len(rmc.Fields) > 6 && rmc.Fields[6] == "" {
		return fix, nil
	}
	kmh := rmc.Speed * KnotsToKmh
	if kmh < 0 || kmh > maxPlausibleSpeedKmh {
		return RMCFix{}, fmt.Errorf("speed %.1f km/h out of range", kmh)
	}
	fix.SpeedKmh = &kmh
	return fix, nil
}

// parseRMCFields handles RMC records the strict parser rejects. Field layout:
// 0=$..RMC 1=utc 2=status 3=lat 4=N/S 5=lon 6=E/W 7=knots 8=course 9=date.
func parseRMCFields(line string) (RMCFix, error) {
	if !strings.HasPrefix(line, "$") {
		return RMCFix{}, fmt.Errorf("sentence does not start with '$'")
	}
	// Drop the checksum suffix if one is present.
	if i := strings.LastIndex(line, "*"); i != -1 {
		line = line[:i]
	}

	fields := strings.Split(line, ",")
	if len(fields) < 10 {
		return RMCFix{}, fmt.Errorf("RMC sentence has %d fields, need 10", len(fields))
	}
	if !strings.HasSuffix(fields[0], "RMC") {
		return RMCFix{}, fmt.Errorf("not an RMC sentence: %s", fields[0])
	}
	if fields[2] != "A" {
		return RMCFix{}, fmt.Errorf("record status %q is not active", fields[2])
	}

	lat, err := ConvertCoordinate(fields[3], fields[4])
	if err != nil {
		return RMCFix{}, fmt.Errorf("bad latitude: %w", err)
	}
	lon, err := ConvertCoordinate(fields[5], fields[6])
	if err != nil {
		return RMCFix{}, fmt.Errorf("bad longitude: %w", err)
	}

	fix := RMCFix{Latitude: lat, Longitude: lon}
	if fields[7] != "" {
		knots, err := strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return RMCFix{}, fmt.Errorf("bad speed field %q: %w", fields[7], err)
		}
		kmh := knots * KnotsToKmh
		if kmh < 0 || kmh > maxPlausibleSpeedKmh {
			return RMCFix{}, fmt.Errorf("speed %.1f km/h out of range", kmh)
		}
		fix.SpeedKmh = &kmh
	}
	return fix, nil
}

// ConvertCoordinate converts an NMEA ddmm.mmmm (or dddmm.mmmm) coordinate
// plus its hemisphere into decimal degrees, negated for S and W.
func ConvertCoordinate(raw, hemisphere string) (float64, error) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("coordinate %q: %w", raw, err)
	}

	degrees := math.Floor(value / 100)
	minutes := value - degrees*100
	decimal := degrees + minutes/60.0

	switch hemisphere {
	case "N", "E":
	case "S", "W":
		decimal = -decimal
	default:
		return 0, fmt.Errorf("unknown hemisphere %q", hemisphere)
	}
	return decimal, nil
}
