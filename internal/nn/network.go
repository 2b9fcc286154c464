package nn

import (
	"errors"
	"fmt"
	"math/rand"
)

// Architecture describes a fixed multilayer perceptron: Sizes lists the input
// size, every hidden size and the output size. Hidden layers use the Hidden
// activation and the final layer uses Output.
type Architecture struct {
	Sizes  []int  `json:"sizes" yaml:"sizes"`
	Hidden string `json:"hidden" yaml:"hidden"`
	Output string `json:"output" yaml:"output"`
}

func (a Architecture) Validate() error {
	if len(a.Sizes) < 2 {
		return fmt.Errorf("architecture needs at least input and output sizes, got %v", a.Sizes)
	}
	for i, size := range a.Sizes {
		if size <= 0 {
			return fmt.Errorf("layer size at index %d must be > 0", i)
		}
	}
	return nil
}

func (a Architecture) InputSize() int  { return a.Sizes[0] }
func (a Architecture) OutputSize() int { return a.Sizes[len(a.Sizes)-1] }

// ParameterCount is Σ(out·in + out) across layers.
func (a Architecture) ParameterCount() int {
	total := 0
	for i := 1; i < len(a.Sizes); i++ {
		total += a.Sizes[i]*a.Sizes[i-1] + a.Sizes[i]
	}
	return total
}

func (a Architecture) withDefaults() Architecture {
	out := Architecture{Sizes: append([]int(nil), a.Sizes...), Hidden: a.Hidden, Output: a.Output}
	if out.Hidden == "" {
		out.Hidden = ReLU
	}
	if out.Output == "" {
		out.Output = Identity
	}
	return out
}

// Network is an ordered stack of dense layers trained by per-sample SGD on a
// mean-squared-error loss.
type Network struct {
	arch       Architecture
	layers     []*Layer
	lastOutput []float64
}

func NewNetwork(arch Architecture, init Initializer, rng *rand.Rand) (*Network, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	arch = arch.withDefaults()

	layers := make([]*Layer, 0, len(arch.Sizes)-1)
	for i := 1; i < len(arch.Sizes); i++ {
		activation := arch.Hidden
		if i == len(arch.Sizes)-1 {
			activation = arch.Output
		}
		layer, err := NewLayer(arch.Sizes[i-1], arch.Sizes[i], activation, init, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i-1, err)
		}
		layers = append(layers, layer)
	}
	return NewNetworkFromLayers(layers...)
}

// NewNetworkFromLayers stacks pre-built layers, checking that each layer's
// output size matches the next layer's input size. Every hidden layer must
// share one activation so the stack is described by an Architecture.
func NewNetworkFromLayers(layers ...*Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, errors.New("network needs at least one layer")
	}
	sizes := []int{layers[0].InputSize()}
	for i, layer := range layers {
		if i > 0 && layers[i-1].OutputSize() != layer.InputSize() {
			return nil, fmt.Errorf("%w: layer %d outputs %d but layer %d expects %d",
				ErrSizeMismatch, i-1, layers[i-1].OutputSize(), i, layer.InputSize())
		}
		if i > 0 && i < len(layers)-1 && layer.Activation() != layers[0].Activation() {
			return nil, fmt.Errorf("%w: hidden layer %d uses %s but layer 0 uses %s",
				ErrActivationMismatch, i, layer.Activation(), layers[0].Activation())
		}
		sizes = append(sizes, layer.OutputSize())
	}
	arch := Architecture{Sizes: sizes, Output: layers[len(layers)-1].Activation()}
	if len(layers) > 1 {
		arch.Hidden = layers[0].Activation()
	}
	return &Network{arch: arch, layers: layers}, nil
}

func (n *Network) Architecture() Architecture {
	return Architecture{Sizes: append([]int(nil), n.arch.Sizes...), Hidden: n.arch.Hidden, Output: n.arch.Output}
}

func (n *Network) Layers() []*Layer   { return n.layers }
func (n *Network) InputSize() int     { return n.layers[0].InputSize() }
func (n *Network) OutputSize() int    { return n.layers[len(n.layers)-1].OutputSize() }
func (n *Network) ParameterCount() int { return n.arch.ParameterCount() }

func (n *Network) Forward(input []float64) ([]float64, error) {
	if len(input) != n.InputSize() {
		return nil, fmt.Errorf("%w: network input got=%d want=%d", ErrSizeMismatch, len(input), n.InputSize())
	}
	values := input
	for i, layer := range n.layers {
		next, err := layer.Forward(values)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		values = next
	}
	n.lastOutput = append(n.lastOutput[:0], values...)
	return values, nil
}

// Backward trains toward target using the gradient of the mean squared error
// 2*(predicted-target)/n of the most recent Forward call.
func (n *Network) Backward(target []float64, learningRate float64) error {
	if len(target) != n.OutputSize() {
		return fmt.Errorf("%w: network target got=%d want=%d", ErrSizeMismatch, len(target), n.OutputSize())
	}
	if len(n.lastOutput) != n.OutputSize() {
		return ErrNoForward
	}

	size := float64(len(target))
	grad := make([]float64, len(target))
	for i := range grad {
		grad[i] = 2 * (n.lastOutput[i] - target[i]) / size
	}
	for i := len(n.layers) - 1; i >= 0; i-- {
		next, err := n.layers[i].Backward(grad, learningRate)
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		grad = next
	}
	n.lastOutput = n.lastOutput[:0]
	return nil
}

// Loss returns the mean squared error between the last forward output and target.
func (n *Network) Loss(target []float64) (float64, error) {
	if len(target) != n.OutputSize() {
		return 0, fmt.Errorf("%w: network target got=%d want=%d", ErrSizeMismatch, len(target), n.OutputSize())
	}
	if len(n.lastOutput) != n.OutputSize() {
		return 0, ErrNoForward
	}
	total := 0.0
	for i, t := range target {
		d := n.lastOutput[i] - t
		total += d * d
	}
	return total / float64(len(target)), nil
}

// Parameters flattens every layer in order: all weight rows, then all biases.
// The order is part of the checkpoint format.
func (n *Network) Parameters() []float64 {
	out := make([]float64, 0, n.ParameterCount())
	for _, layer := range n.layers {
		out = layer.appendParameters(out)
	}
	return out
}

// SetParameters copies params into the network. The slice is not retained.
func (n *Network) SetParameters(params []float64) error {
	if len(params) != n.ParameterCount() {
		return fmt.Errorf("%w: parameter count got=%d want=%d", ErrSizeMismatch, len(params), n.ParameterCount())
	}
	offset := 0
	for _, layer := range n.layers {
		count := layer.ParameterCount()
		layer.setParameters(params[offset : offset+count])
		offset += count
	}
	n.lastOutput = n.lastOutput[:0]
	return nil
}

// Clone returns an independent network with identical architecture and parameters.
func (n *Network) Clone() (*Network, error) {
	layers := make([]*Layer, 0, len(n.layers))
	for _, layer := range n.layers {
		copied, err := NewLayer(layer.in, layer.out, layer.activation.Name, Zero, nil)
		if err != nil {
			return nil, err
		}
		copied.setParameters(layer.appendParameters(nil))
		layers = append(layers, copied)
	}
	clone, err := NewNetworkFromLayers(layers...)
	if err != nil {
		return nil, err
	}
	clone.arch = n.Architecture()
	return clone, nil
}

// SameArchitecture reports whether two networks can exchange parameter vectors.
func SameArchitecture(a, b *Network) bool {
	if len(a.layers) != len(b.layers) {
		return false
	}
	for i := range a.layers {
		la, lb := a.layers[i], b.layers[i]
		if la.in != lb.in || la.out != lb.out || la.activation.Name != lb.activation.Name {
			return false
		}
	}
	return true
}
