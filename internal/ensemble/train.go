package ensemble

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// TrainConfig controls one fit run.
type TrainConfig struct {
	Epochs          int
	LearningRate    float64
	BatchSize       int
	ValidationSplit float64
}

// DefaultTrainConfig returns the standard training parameters.
func DefaultTrainConfig(epochs int) TrainConfig {
	return TrainConfig{
		Epochs:          epochs,
		LearningRate:    0.005,
		BatchSize:       32,
		ValidationSplit: 0.2,
	}
}

// TrainReport summarizes a fit run.
type TrainReport struct {
	Epochs         int     `json:"epochs"`
	Samples        int     `json:"samples"`
	FinalLoss      float64 `json:"final_loss"`
	ValidationLoss float64 `json:"validation_loss"`
}

// adamState holds Adam moment estimates for one parameter tensor.
type adamState struct {
	m, v []float64
	t    int
}

func newAdamState(size int) *adamState {
	return &adamState{m: make([]float64, size), v: make([]float64, size)}
}

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

func (s *adamState) update(params, grads []float64, lr float64) {
	s.t++
	bc1 := 1 - math.Pow(adamBeta1, float64(s.t))
	bc2 := 1 - math.Pow(adamBeta2, float64(s.t))
	for i := range params {
		s.m[i] = adamBeta1*s.m[i] + (1-adamBeta1)*grads[i]
		s.v[i] = adamBeta2*s.v[i] + (1-adamBeta2)*grads[i]*grads[i]
		mHat := s.m[i] / bc1
		vHat := s.v[i] / bc2
		params[i] -= lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
	}
}

// Fit trains the network on binary-cross-entropy against labels in [0,1].
// Samples are shuffled each epoch; the tail ValidationSplit fraction is held
// out for the validation loss in the report.
func (n *Network) Fit(features *mat.Dense, labels []float64, cfg TrainConfig) (*TrainReport, error) {
	rows, cols := features.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	if cols != n.topology.InputLen {
		return nil, fmt.Errorf("feature width %d does not match network input %d", cols, n.topology.InputLen)
	}
	if len(labels) != rows {
		return nil, fmt.Errorf("label count %d does not match sample count %d", len(labels), rows)
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}

	valCount := int(float64(rows) * cfg.ValidationSplit)
	if valCount >= rows {
		valCount = 0
	}
	trainCount := rows - valCount

	weightStates := make([]*adamState, len(n.weights))
	biasStates := make([]*adamState, len(n.biases))
	for i := range n.weights {
		r, c := n.weights[i].Dims()
		weightStates[i] = newAdamState(r * c)
		biasStates[i] = newAdamState(n.biases[i].Len())
	}

	indices := n.rng.Perm(rows)
	trainIdx := indices[:trainCount]
	valIdx := indices[trainCount:]

	var finalLoss float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		n.rng.Shuffle(len(trainIdx), func(i, j int) {
			trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
		})

		epochLoss := 0.0
		for start := 0; start < len(trainIdx); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(trainIdx) {
				end = len(trainIdx)
			}
			batch := trainIdx[start:end]
			loss := n.trainBatch(features, labels, batch, weightStates, biasStates, cfg.LearningRate)
			epochLoss += loss * float64(len(batch))
		}
		finalLoss = epochLoss / float64(len(trainIdx))
	}

	report := &TrainReport{
		Epochs:    cfg.Epochs,
		Samples:   trainCount,
		FinalLoss: finalLoss,
	}
	if len(valIdx) > 0 {
		report.ValidationLoss = n.evaluate(features, labels, valIdx)
	}
	return report, nil
}

// trainBatch accumulates gradients over one mini-batch and applies a single
// Adam step. Returns the mean batch loss.
func (n *Network) trainBatch(features *mat.Dense, labels []float64, batch []int,
	weightStates, biasStates []*adamState, lr float64) float64 {

	layers := len(n.weights)
	weightGrads := make([][]float64, layers)
	biasGrads := make([][]float64, layers)
	for i := range n.weights {
		r, c := n.weights[i].Dims()
		weightGrads[i] = make([]float64, r*c)
		biasGrads[i] = make([]float64, n.biases[i].Len())
	}

	totalLoss := 0.0
	for _, idx := range batch {
		input := mat.Row(nil, idx, features)
		label := labels[idx]

		// Forward pass, keeping pre-activations and dropout masks for
		// the backward pass.
		activations := make([]*mat.VecDense, layers+1)
		preacts := make([]*mat.VecDense, layers)
		masks := make([][]float64, layers)
		activations[0] = mat.NewVecDense(len(input), input)

		for l, layer := range n.topology.Layers {
			z := mat.NewVecDense(layer.Units, nil)
			z.MulVec(n.weights[l], activations[l])
			z.AddVec(z, n.biases[l])
			preacts[l] = z

			a := mat.NewVecDense(layer.Units, nil)
			a.CopyVec(z)
			applyActivation(a, layer.Activation)

			if layer.Dropout > 0 {
				keep := 1 - layer.Dropout
				mask := make([]float64, layer.Units)
				for i := range mask {
					if n.rng.Float64() < keep {
						mask[i] = 1 / keep
					}
				}
				for i := 0; i < a.Len(); i++ {
					a.SetVec(i, a.AtVec(i)*mask[i])
				}
				masks[l] = mask
			}
			activations[l+1] = a
		}

		prediction := clampProb(activations[layers].AtVec(0))
		totalLoss += -label*math.Log(prediction) - (1-label)*math.Log(1-prediction)

		// Backward pass. Sigmoid output with binary cross-entropy gives
		// delta = p - y at the output.
		delta := mat.NewVecDense(1, []float64{prediction - label})
		for l := layers - 1; l >= 0; l-- {
			layer := n.topology.Layers[l]

			if masks[l] != nil {
				for i := 0; i < delta.Len(); i++ {
					delta.SetVec(i, delta.AtVec(i)*masks[l][i])
				}
			}
			if layer.Activation == "relu" {
				for i := 0; i < delta.Len(); i++ {
					if preacts[l].AtVec(i) <= 0 {
						delta.SetVec(i, 0)
					}
				}
			}

			_, fanIn := n.weights[l].Dims()
			for i := 0; i < delta.Len(); i++ {
				d := delta.AtVec(i)
				biasGrads[l][i] += d
				for j := 0; j < fanIn; j++ {
					weightGrads[l][i*fanIn+j] += d * activations[l].AtVec(j)
				}
			}

			if l > 0 {
				prev := mat.NewVecDense(fanIn, nil)
				prev.MulVec(n.weights[l].T(), delta)
				delta = prev
			}
		}
	}

	scale := 1.0 / float64(len(batch))
	for l := range n.weights {
		for i := range weightGrads[l] {
			weightGrads[l][i] *= scale
		}
		for i := range biasGrads[l] {
			biasGrads[l][i] *= scale
		}
		weightStates[l].update(n.weights[l].RawMatrix().Data, weightGrads[l], lr)
		biasStates[l].update(n.biases[l].RawVector().Data, biasGrads[l], lr)
	}

	return totalLoss / float64(len(batch))
}

func (n *Network) evaluate(features *mat.Dense, labels []float64, indices []int) float64 {
	total := 0.0
	for _, idx := range indices {
		p, err := n.Predict(mat.Row(nil, idx, features))
		if err != nil {
			continue
		}
		p = clampProb(p)
		total += -labels[idx]*math.Log(p) - (1-labels[idx])*math.Log(1-p)
	}
	return total / float64(len(indices))
}

func clampProb(p float64) float64 {
	const eps = 1e-7
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}
