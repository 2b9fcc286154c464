package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrSizeMismatch       = errors.New("vector size mismatch")
	ErrNoForward          = errors.New("backward called before forward")
	ErrActivationMismatch = errors.New("hidden activations differ")
)

// Initializer selects how a layer's weights are drawn. Biases always start at zero.
type Initializer int

const (
	// XavierUniform draws from U(-sqrt(6/(in+out)), +sqrt(6/(in+out))).
	XavierUniform Initializer = iota
	// HeNormal draws from N(0, sqrt(2/in)).
	HeNormal
	// Zero leaves every weight at zero.
	Zero
)

func (i Initializer) String() string {
	switch i {
	case XavierUniform:
		return "xavier_uniform"
	case HeNormal:
		return "he_normal"
	case Zero:
		return "zero"
	default:
		return fmt.Sprintf("initializer(%d)", int(i))
	}
}

// Layer is a dense layer computing activation(W·x + b). It remembers the input
// and output of the most recent Forward call so Backward can apply the update.
type Layer struct {
	in, out    int
	activation Activation
	weights    *mat.Dense
	biases     *mat.VecDense

	lastInput  []float64
	lastOutput []float64
}

func NewLayer(in, out int, activation string, init Initializer, rng *rand.Rand) (*Layer, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("layer sizes must be > 0: in=%d out=%d", in, out)
	}
	act, err := GetActivation(activation)
	if err != nil {
		return nil, err
	}
	if rng == nil && init != Zero {
		return nil, errors.New("random source is required")
	}

	weights := mat.NewDense(out, in, nil)
	switch init {
	case XavierUniform:
		bound := math.Sqrt(6.0 / float64(in+out))
		for i := 0; i < out; i++ {
			for j := 0; j < in; j++ {
				weights.Set(i, j, (rng.Float64()*2-1)*bound)
			}
		}
	case HeNormal:
		std := math.Sqrt(2.0 / float64(in))
		for i := 0; i < out; i++ {
			for j := 0; j < in; j++ {
				weights.Set(i, j, rng.NormFloat64()*std)
			}
		}
	case Zero:
	default:
		return nil, fmt.Errorf("unsupported initializer: %s", init)
	}

	return &Layer{
		in:         in,
		out:        out,
		activation: act,
		weights:    weights,
		biases:     mat.NewVecDense(out, nil),
	}, nil
}

func (l *Layer) InputSize() int     { return l.in }
func (l *Layer) OutputSize() int    { return l.out }
func (l *Layer) Activation() string { return l.activation.Name }

// ParameterCount is out*in weights plus out biases.
func (l *Layer) ParameterCount() int {
	return l.out*l.in + l.out
}

func (l *Layer) Weight(i, j int) float64 { return l.weights.At(i, j) }
func (l *Layer) Bias(i int) float64      { return l.biases.AtVec(i) }

func (l *Layer) Forward(input []float64) ([]float64, error) {
	if len(input) != l.in {
		return nil, fmt.Errorf("%w: layer input got=%d want=%d", ErrSizeMismatch, len(input), l.in)
	}

	l.lastInput = append(l.lastInput[:0], input...)
	z := mat.NewVecDense(l.out, nil)
	z.MulVec(l.weights, mat.NewVecDense(l.in, append([]float64(nil), input...)))
	z.AddVec(z, l.biases)

	out := make([]float64, l.out)
	for i := range out {
		out[i] = l.activation.Func(z.AtVec(i))
	}
	l.lastOutput = append(l.lastOutput[:0], out...)
	return out, nil
}

// Backward applies one SGD step for the remembered forward pass and returns
// the gradient with respect to the layer input, computed with the weights as
// they were before the update.
func (l *Layer) Backward(outputGradient []float64, learningRate float64) ([]float64, error) {
	if len(outputGradient) != l.out {
		return nil, fmt.Errorf("%w: layer gradient got=%d want=%d", ErrSizeMismatch, len(outputGradient), l.out)
	}
	if len(l.lastOutput) != l.out || len(l.lastInput) != l.in {
		return nil, ErrNoForward
	}

	delta := make([]float64, l.out)
	for i := range delta {
		delta[i] = outputGradient[i] * l.activation.Derivative(l.lastOutput[i])
	}
	d := mat.NewVecDense(l.out, delta)

	inputGradient := mat.NewVecDense(l.in, nil)
	inputGradient.MulVec(l.weights.T(), d)

	x := mat.NewVecDense(l.in, append([]float64(nil), l.lastInput...))
	l.weights.RankOne(l.weights, -learningRate, d, x)
	l.biases.AddScaledVec(l.biases, -learningRate, d)

	return mat.Col(nil, 0, inputGradient), nil
}

// appendParameters appends weights row by row followed by the biases.
func (l *Layer) appendParameters(dst []float64) []float64 {
	raw := l.weights.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		dst = append(dst, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return append(dst, l.biases.RawVector().Data[:l.out]...)
}

// setParameters reads ParameterCount values in appendParameters order.
func (l *Layer) setParameters(src []float64) {
	raw := l.weights.RawMatrix()
	offset := 0
	for i := 0; i < raw.Rows; i++ {
		copy(raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols], src[offset:offset+raw.Cols])
		offset += raw.Cols
	}
	for i := 0; i < l.out; i++ {
		l.biases.SetVec(i, src[offset+i])
	}
	l.lastInput = l.lastInput[:0]
	l.lastOutput = l.lastOutput[:0]
}
