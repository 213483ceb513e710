package warning

import "sync"

// Label is the classifier output class.
type Label string

// The five classes, in the model's alphabetical output order, plus the
// pre-first-prediction placeholder.
const (
	LabelBump     Label = "BUMP"
	LabelLeft     Label = "LEFT"
	LabelRight    Label = "RIGHT"
	LabelStop     Label = "STOP"
	LabelStraight Label = "STRAIGHT"
	LabelUnknown  Label = "UNKNOWN"
)

// ClassOrder maps softmax index to label.
var ClassOrder = [5]Label{LabelBump, LabelLeft, LabelRight, LabelStop, LabelStraight}

// LabelStore holds the latest classifier prediction. Only the classifier
// worker writes it.
type LabelStore struct {
	mu    sync.Mutex
	label Label
}

// NewLabelStore starts at LabelUnknown.
func NewLabelStore() *LabelStore {
	return &LabelStore{label: LabelUnknown}
}

// Set stores a new prediction.
func (s *LabelStore) Set(label Label) {
	s.mu.Lock()
	s.label = label
	s.mu.Unlock()
}

// Get returns the latest prediction.
func (s *LabelStore) Get() Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// IsTurn reports whether the label gates the speedy-turn rule.
func (l Label) IsTurn() bool {
	return l == LabelLeft || l == LabelRight
}
