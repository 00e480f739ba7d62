package ensemble

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func smallTopology(inputLen int) Topology {
	return Topology{
		InputLen: inputLen,
		Layers: []LayerSpec{
			{Units: 16, Activation: "relu"},
			{Units: 8, Activation: "relu"},
			{Units: 1, Activation: "sigmoid"},
		},
	}
}

func TestNewNetworkRejectsBadTopology(t *testing.T) {
	_, err := NewNetwork(Topology{InputLen: 0}, 1)
	assert.Error(t, err)

	_, err = NewNetwork(Topology{InputLen: 10, Layers: []LayerSpec{{Units: 4, Activation: "relu"}}}, 1)
	assert.Error(t, err, "output layer must be a single sigmoid unit")
}

func TestPredictOutputInRange(t *testing.T) {
	net, err := NewNetwork(smallTopology(10), 42)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		input := make([]float64, 10)
		for j := range input {
			input[j] = rng.Float64()
		}
		score, err := net.Predict(input)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestPredictRejectsWrongLength(t *testing.T) {
	net, err := NewNetwork(smallTopology(10), 42)
	require.NoError(t, err)

	_, err = net.Predict(make([]float64, 5))
	assert.Error(t, err)
}

func TestFitLearnsSeparableData(t *testing.T) {
	net, err := NewNetwork(smallTopology(4), 42)
	require.NoError(t, err)

	// Label is 1 when the first feature dominates, 0 otherwise.
	rng := rand.New(rand.NewSource(99))
	rows := 200
	data := mat.NewDense(rows, 4, nil)
	labels := make([]float64, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < 4; j++ {
			data.Set(i, j, rng.Float64())
		}
		if data.At(i, 0) > 0.5 {
			data.Set(i, 0, data.At(i, 0)+1)
			labels[i] = 1
		}
	}

	report, err := net.Fit(data, labels, DefaultTrainConfig(30))
	require.NoError(t, err)
	assert.Equal(t, 30, report.Epochs)
	assert.Less(t, report.FinalLoss, 0.5)

	high, err := net.Predict([]float64{1.8, 0.2, 0.2, 0.2})
	require.NoError(t, err)
	low, err := net.Predict([]float64{0.1, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.Greater(t, high, low)
}

func TestFitValidationSplit(t *testing.T) {
	net, err := NewNetwork(smallTopology(4), 42)
	require.NoError(t, err)

	data := mat.NewDense(50, 4, nil)
	labels := make([]float64, 50)
	for i := 0; i < 50; i++ {
		labels[i] = float64(i % 2)
		data.Set(i, 0, labels[i])
	}

	report, err := net.Fit(data, labels, DefaultTrainConfig(5))
	require.NoError(t, err)
	assert.Equal(t, 40, report.Samples)
	assert.Greater(t, report.ValidationLoss, 0.0)
}

func TestFitRejectsMismatchedInputs(t *testing.T) {
	net, err := NewNetwork(smallTopology(4), 42)
	require.NoError(t, err)

	_, err = net.Fit(mat.NewDense(10, 3, nil), make([]float64, 10), DefaultTrainConfig(5))
	assert.Error(t, err)

	_, err = net.Fit(mat.NewDense(10, 4, nil), make([]float64, 7), DefaultTrainConfig(5))
	assert.Error(t, err)
}
