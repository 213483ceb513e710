package warning

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/roadsense/roadsense/internal/sensor"
)

// NumFeatures is the classifier input width:
// acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z, speed.
const NumFeatures = 7

// BumpConfidenceThreshold is the minimum softmax confidence for the BUMP
// class to raise the bump warning.
const BumpConfidenceThreshold = 0.6

// weightsFile is the on-disk artifact: the trained tensors exported layer by
// layer. The network shape is not stored explicitly; it is inferred from the
// tensor dimensions.
type weightsFile struct {
	LSTM struct {
		Kernel          [][]float64 `json:"kernel"`
		RecurrentKernel [][]float64 `json:"recurrent_kernel"`
		Bias            []float64   `json:"bias"`
	} `json:"lstm"`
	Dense struct {
		Kernel [][]float64 `json:"kernel"`
		Bias   []float64   `json:"bias"`
	} `json:"dense"`
	Output struct {
		Kernel [][]float64 `json:"kernel"`
		Bias   []float64   `json:"bias"`
	} `json:"output"`
}

// Model is the LSTM → Dense(relu) → Dense(softmax) classifier. The dropout
// layer between LSTM and dense is identity at inference time.
type Model struct {
	units   int // U, inferred from the LSTM kernel
	hidden  int // D, inferred from the intermediate dense kernel
	classes int

	// LSTM tensors in Keras gate order: input, forget, cell, output.
	kernel    *mat.Dense // NumFeatures × 4U
	recurrent *mat.Dense // U × 4U
	bias      []float64  // 4U

	denseW  *mat.Dense // U × D
	denseB  []float64
	outputW *mat.Dense // D × classes
	outputB []float64
}

// LoadModel reads a weights artifact and infers the architecture from the
// tensor shapes. Any inconsistency fails the load; the caller then runs
// with the classifier disabled.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading model weights: %w", err)
	}

	var wf weightsFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("error parsing model weights: %w", err)
	}
	return buildModel(&wf)
}

func buildModel(wf *weightsFile) (*Model, error) {
	kernel, rows, cols, err := toDense(wf.LSTM.Kernel, "lstm kernel")
	if err != nil {
		return nil, err
	}
	if rows != NumFeatures {
		return nil, fmt.Errorf("lstm kernel expects %d input features, artifact has %d", NumFeatures, rows)
	}
	if cols%4 != 0 {
		return nil, fmt.Errorf("lstm kernel column count %d is not divisible by 4", cols)
	}
	units := cols / 4

	recurrent, rRows, rCols, err := toDense(wf.LSTM.RecurrentKernel, "lstm recurrent kernel")
	if err != nil {
		return nil, err
	}
	if rRows != units || rCols != 4*units {
		return nil, fmt.Errorf("lstm recurrent kernel is %dx%d, want %dx%d", rRows, rCols, units, 4*units)
	}
	if len(wf.LSTM.Bias) != 4*units {
		return nil, fmt.Errorf("lstm bias has %d entries, want %d", len(wf.LSTM.Bias), 4*units)
	}

	denseW, dRows, hidden, err := toDense(wf.Dense.Kernel, "dense kernel")
	if err != nil {
		return nil, err
	}
	if dRows != units {
		return nil, fmt.Errorf("dense kernel expects %d inputs, artifact has %d", units, dRows)
	}
	if len(wf.Dense.Bias) != hidden {
		return nil, fmt.Errorf("dense bias has %d entries, want %d", len(wf.Dense.Bias), hidden)
	}

	outputW, oRows, classes, err := toDense(wf.Output.Kernel, "output kernel")
	if err != nil {
		return nil, err
	}
	if oRows != hidden {
		return nil, fmt.Errorf("output kernel expects %d inputs, artifact has %d", hidden, oRows)
	}
	if classes != len(ClassOrder) {
		return nil, fmt.Errorf("output layer has %d classes, want %d", classes, len(ClassOrder))
	}
	if len(wf.Output.Bias) != classes {
		return nil, fmt.Errorf("output bias has %d entries, want %d", len(wf.Output.Bias), classes)
	}

	return &Model{
		units:     units,
		hidden:    hidden,
		classes:   classes,
		kernel:    kernel,
		recurrent: recurrent,
		bias:      wf.LSTM.Bias,
		denseW:    denseW,
		denseB:    wf.Dense.Bias,
		outputW:   outputW,
		outputB:   wf.Output.Bias,
	}, nil
}

func toDense(rows [][]float64, name string) (*mat.Dense, int, int, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, 0, 0, fmt.Errorf("%s is empty", name)
	}
	cols := len(rows[0])
	flat := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, 0, 0, fmt.Errorf("%s row %d has %d columns, want %d", name, i, len(row), cols)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(len(rows), cols, flat), len(rows), cols, nil
}

// Units returns the inferred LSTM width.
func (m *Model) Units() int { return m.units }

// Hidden returns the inferred intermediate dense width.
func (m *Model) Hidden() int { return m.hidden }

// Predict runs one forward pass over a batch worth of features and returns
// the argmax class with its softmax confidence.
func (m *Model) Predict(features *[sensor.BatchSize][NumFeatures]float64) (Label, float64, error) {
	for i := range features {
		for _, v := range features[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return LabelUnknown, 0, fmt.Errorf("non-finite value in classifier input")
			}
		}
	}

	h := make([]float64, m.units)
	c := make([]float64, m.units)
	gates := make([]float64, 4*m.units)

	for t := 0; t < sensor.BatchSize; t++ {
		// gates = x_t·W + h_{t-1}·U + b, in Keras order i, f, c, o.
		for g := range gates {
			sum := m.bias[g]
			for j := 0; j < NumFeatures; j++ {
				sum += features[t][j] * m.kernel.At(j, g)
			}
			for j := 0; j < m.units; j++ {
				sum += h[j] * m.recurrent.At(j, g)
			}
			gates[g] = sum
		}
		for u := 0; u < m.units; u++ {
			input := sigmoid(gates[u])
			forget := sigmoid(gates[m.units+u])
			cand := math.Tanh(gates[2*m.units+u])
			output := sigmoid(gates[3*m.units+u])

			c[u] = forget*c[u] + input*cand
			h[u] = output * math.Tanh(c[u])
		}
	}

	// Dense(relu). Dropout is a no-op at inference.
	hidden := make([]float64, m.hidden)
	for d := 0; d < m.hidden; d++ {
		sum := m.denseB[d]
		for u := 0; u < m.units; u++ {
			sum += h[u] * m.denseW.At(u, d)
		}
		if sum < 0 {
			sum = 0
		}
		hidden[d] = sum
	}

	// Dense(softmax).
	logits := make([]float64, m.classes)
	for k := 0; k < m.classes; k++ {
		sum := m.outputB[k]
		for d := 0; d < m.hidden; d++ {
			sum += hidden[d] * m.outputW.At(d, k)
		}
		logits[k] = sum
	}
	probs := softmax(logits)

	best := 0
	for k := 1; k < len(probs); k++ {
		if probs[k] > probs[best] {
			best = k
		}
	}
	return ClassOrder[best], probs[best], nil
}

// FeaturesFromBatch assembles the classifier input in training feature
// order.
func FeaturesFromBatch(batch *sensor.Batch) *[sensor.BatchSize][NumFeatures]float64 {
	var features [sensor.BatchSize][NumFeatures]float64
	for i := range batch {
		features[i] = [NumFeatures]float64{
			batch[i].AccX,
			batch[i].AccY,
			batch[i].AccZ,
			batch[i].GyroX,
			batch[i].GyroY,
			batch[i].GyroZ,
			batch[i].SpeedKmh,
		}
	}
	return &features
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}

	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
