// Package ensemble implements the per-category score models: small
// feed-forward networks trained on digest-derived features, grouped into an
// ensemble whose per-model verdicts are folded into an overall trend.
package ensemble

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// LayerSpec describes one hidden layer.
type LayerSpec struct {
	Units      int     `json:"units"`
	Activation string  `json:"activation"`
	Dropout    float64 `json:"dropout,omitempty"`
}

// Topology describes the full network shape. The output layer is always a
// single sigmoid unit producing a score in [0,1].
type Topology struct {
	InputLen int         `json:"input_len"`
	Layers   []LayerSpec `json:"layers"`
}

// DefaultTopology returns the standard score-model shape for the given
// feature length.
func DefaultTopology(inputLen int) Topology {
	return Topology{
		InputLen: inputLen,
		Layers: []LayerSpec{
			{Units: 256, Activation: "relu", Dropout: 0.3},
			{Units: 128, Activation: "relu", Dropout: 0.3},
			{Units: 64, Activation: "relu", Dropout: 0.2},
			{Units: 32, Activation: "relu"},
			{Units: 1, Activation: "sigmoid"},
		},
	}
}

// Network is a dense feed-forward network. Weight matrix i has shape
// (units_i x fanIn_i); biases are column vectors.
type Network struct {
	topology Topology
	weights  []*mat.Dense
	biases   []*mat.VecDense
	rng      *rand.Rand
}

// NewNetwork creates a network with He-initialized weights.
func NewNetwork(topology Topology, seed int64) (*Network, error) {
	if topology.InputLen <= 0 {
		return nil, fmt.Errorf("input length must be positive, got %d", topology.InputLen)
	}
	if len(topology.Layers) == 0 {
		return nil, fmt.Errorf("topology has no layers")
	}
	if last := topology.Layers[len(topology.Layers)-1]; last.Units != 1 || last.Activation != "sigmoid" {
		return nil, fmt.Errorf("output layer must be a single sigmoid unit")
	}

	rng := rand.New(rand.NewSource(seed))
	net := &Network{topology: topology, rng: rng}

	fanIn := topology.InputLen
	for _, layer := range topology.Layers {
		if layer.Units <= 0 {
			return nil, fmt.Errorf("layer units must be positive, got %d", layer.Units)
		}
		scale := math.Sqrt(2.0 / float64(fanIn))
		w := mat.NewDense(layer.Units, fanIn, nil)
		for i := 0; i < layer.Units; i++ {
			for j := 0; j < fanIn; j++ {
				w.Set(i, j, rng.NormFloat64()*scale)
			}
		}
		net.weights = append(net.weights, w)
		net.biases = append(net.biases, mat.NewVecDense(layer.Units, nil))
		fanIn = layer.Units
	}

	return net, nil
}

// Topology returns the network shape.
func (n *Network) Topology() Topology {
	return n.topology
}

// InputLen returns the expected feature vector length.
func (n *Network) InputLen() int {
	return n.topology.InputLen
}

// Predict runs a forward pass in inference mode (dropout disabled) and
// returns the sigmoid output score in [0,1].
func (n *Network) Predict(features []float64) (float64, error) {
	if len(features) != n.topology.InputLen {
		return 0, fmt.Errorf("feature length %d does not match network input %d",
			len(features), n.topology.InputLen)
	}

	activation := mat.NewVecDense(len(features), append([]float64(nil), features...))
	for i, layer := range n.topology.Layers {
		next := mat.NewVecDense(layer.Units, nil)
		next.MulVec(n.weights[i], activation)
		next.AddVec(next, n.biases[i])
		applyActivation(next, layer.Activation)
		activation = next
	}

	return activation.AtVec(0), nil
}

func applyActivation(v *mat.VecDense, name string) {
	for i := 0; i < v.Len(); i++ {
		switch name {
		case "relu":
			if v.AtVec(i) < 0 {
				v.SetVec(i, 0)
			}
		case "sigmoid":
			v.SetVec(i, sigmoid(v.AtVec(i)))
		}
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
