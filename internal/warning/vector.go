// Package warning implements the batch detectors, the learned turn/bump
// classifier and the consumer loop that drives them from shared memory.
package warning

import "sync"

// Warning indices. Each detector owns exactly one slot.
const (
	IdxOverspeed = iota
	IdxBump
	IdxPothole
	IdxSpeedyTurn
	IdxHarshBrake
	IdxSuddenAccel

	NumWarnings
)

// Names for CSV columns and cloud pushes, in index order.
var Names = [NumWarnings]string{
	"Overspeeding",
	"Bump",
	"Pothole",
	"Speedy Turns",
	"Harsh Braking",
	"Sudden Accel",
}

// Vector is the shared warning bit-vector. Each detector writes only its
// own index; readers take atomic snapshots.
type Vector struct {
	mu    sync.Mutex
	flags [NumWarnings]bool
}

// NewVector returns an all-clear vector.
func NewVector() *Vector {
	return &Vector{}
}

// Set updates one flag.
func (v *Vector) Set(index int, active bool) {
	v.mu.Lock()
	v.flags[index] = active
	v.mu.Unlock()
}

// Get returns one flag.
func (v *Vector) Get(index int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flags[index]
}

// Snapshot returns a copy of all flags.
func (v *Vector) Snapshot() [NumWarnings]bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flags
}

// Reset clears every flag; used when a ride ends.
func (v *Vector) Reset() {
	v.mu.Lock()
	v.flags = [NumWarnings]bool{}
	v.mu.Unlock()
}

// ActiveNames lists the names of the set flags in index order.
func ActiveNames(snapshot [NumWarnings]bool) []string {
	var active []string
	for i, set := range snapshot {
		if set {
			active = append(active, Names[i])
		}
	}
	return active
}

// JoinNames renders the active set for the warnings CSV column; "None" when
// nothing is active.
func JoinNames(snapshot [NumWarnings]bool) string {
	active := ActiveNames(snapshot)
	if len(active) == 0 {
		return "None"
	}
	out := active[0]
	for _, name := range active[1:] {
		out += "," + name
	}
	return out
}
