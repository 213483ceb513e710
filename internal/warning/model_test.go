package warning

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadsense/roadsense/internal/sensor"
)

// buildWeights constructs a structurally valid artifact with the given
// widths, all tensors zero except the output bias.
func buildWeights(units, hidden int, outputBias []float64) *weightsFile {
	wf := &weightsFile{}

	wf.LSTM.Kernel = zeros(NumFeatures, 4*units)
	wf.LSTM.RecurrentKernel = zeros(units, 4*units)
	wf.LSTM.Bias = make([]float64, 4*units)

	wf.Dense.Kernel = zeros(units, hidden)
	wf.Dense.Bias = make([]float64, hidden)

	wf.Output.Kernel = zeros(hidden, len(outputBias))
	wf.Output.Bias = outputBias
	return wf
}

func zeros(rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
	}
	return out
}

func writeWeights(t *testing.T, wf *weightsFile) string {
	t.Helper()
	data, err := json.Marshal(wf)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestLoadModelInfersShape(t *testing.T) {
	path := writeWeights(t, buildWeights(12, 5, make([]float64, 5)))

	model, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, 12, model.Units())
	assert.Equal(t, 5, model.Hidden())
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadModelRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*weightsFile)
	}{
		{"wrong feature count", func(wf *weightsFile) {
			wf.LSTM.Kernel = zeros(6, 8)
		}},
		{"kernel not divisible by four", func(wf *weightsFile) {
			wf.LSTM.Kernel = zeros(NumFeatures, 10)
		}},
		{"recurrent mismatch", func(wf *weightsFile) {
			wf.LSTM.RecurrentKernel = zeros(3, 8)
		}},
		{"bias mismatch", func(wf *weightsFile) {
			wf.LSTM.Bias = make([]float64, 3)
		}},
		{"dense input mismatch", func(wf *weightsFile) {
			wf.Dense.Kernel = zeros(9, 4)
		}},
		{"wrong class count", func(wf *weightsFile) {
			wf.Output.Kernel = zeros(4, 3)
			wf.Output.Bias = make([]float64, 3)
		}},
		{"ragged kernel", func(wf *weightsFile) {
			wf.LSTM.Kernel[2] = wf.LSTM.Kernel[2][:4]
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := buildWeights(2, 4, make([]float64, 5))
			tt.mutate(wf)
			_, err := buildModel(wf)
			assert.Error(t, err)
		})
	}
}

func TestPredictArgmaxFollowsOutputBias(t *testing.T) {
	// Zero weights everywhere mean the logits equal the output bias, so
	// the argmax is fully determined by it.
	for idx, want := range ClassOrder {
		bias := make([]float64, 5)
		bias[idx] = 2.0

		model, err := buildModel(buildWeights(3, 2, bias))
		require.NoError(t, err)

		var features [sensor.BatchSize][NumFeatures]float64
		label, confidence, err := model.Predict(&features)
		require.NoError(t, err)
		assert.Equal(t, want, label)
		assert.Greater(t, confidence, 0.2)
		assert.LessOrEqual(t, confidence, 1.0)
	}
}

func TestPredictConfidenceIsSoftmax(t *testing.T) {
	bias := []float64{10, 0, 0, 0, 0}
	model, err := buildModel(buildWeights(2, 2, bias))
	require.NoError(t, err)

	var features [sensor.BatchSize][NumFeatures]float64
	label, confidence, err := model.Predict(&features)
	require.NoError(t, err)
	assert.Equal(t, LabelBump, label)
	// exp(10) dominates the other four classes almost completely.
	assert.Greater(t, confidence, 0.999)
}

func TestPredictRejectsNaN(t *testing.T) {
	model, err := buildModel(buildWeights(2, 2, make([]float64, 5)))
	require.NoError(t, err)

	var features [sensor.BatchSize][NumFeatures]float64
	features[10][3] = math.NaN()
	_, _, err = model.Predict(&features)
	assert.Error(t, err)
}

func TestFeaturesFromBatch(t *testing.T) {
	var batch sensor.Batch
	batch[0] = sensor.Sample{
		AccX: 1, AccY: 2, AccZ: 3,
		GyroX: 4, GyroY: 5, GyroZ: 6,
		SpeedKmh: 7,
		// Position fields must not leak into the feature tensor.
		Latitude: 99, Longitude: 98, SpeedLimit: 97,
	}

	features := FeaturesFromBatch(&batch)
	assert.Equal(t, [NumFeatures]float64{1, 2, 3, 4, 5, 6, 7}, features[0])
}

func TestSoftmaxStability(t *testing.T) {
	// Large logits must not overflow.
	probs := softmax([]float64{1000, 999, 998, 0, -1000})
	sum := 0.0
	for _, p := range probs {
		assert.False(t, math.IsNaN(p))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[0], probs[1])
}
