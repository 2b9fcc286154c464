package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func newTestNetwork(t *testing.T, sizes []int, seed int64) *Network {
	t.Helper()
	net, err := NewNetwork(Architecture{Sizes: sizes, Hidden: ReLU, Output: Identity}, XavierUniform, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	return net
}

func TestZeroNetworkForwardYieldsZero(t *testing.T) {
	net, err := NewNetwork(Architecture{Sizes: []int{4, 8, 2}, Hidden: ReLU, Output: Identity}, Zero, nil)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	out, err := net.Forward([]float64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(out) != 2 || out[0] != 0 || out[1] != 0 {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestParameterCount(t *testing.T) {
	net := newTestNetwork(t, []int{4, 8, 2}, 1)
	want := 4*8 + 8 + 8*2 + 2
	if got := net.ParameterCount(); got != want {
		t.Fatalf("unexpected parameter count: got=%d want=%d", got, want)
	}
	if got := len(net.Parameters()); got != want {
		t.Fatalf("unexpected flattened length: got=%d want=%d", got, want)
	}
}

func TestParameterOrderIsLayerMajorWeightsThenBiases(t *testing.T) {
	net, err := NewNetwork(Architecture{Sizes: []int{2, 2, 1}}, Zero, nil)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	params := make([]float64, net.ParameterCount())
	for i := range params {
		params[i] = float64(i + 1)
	}
	if err := net.SetParameters(params); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	first := net.Layers()[0]
	if first.Weight(0, 0) != 1 || first.Weight(0, 1) != 2 || first.Weight(1, 0) != 3 || first.Weight(1, 1) != 4 {
		t.Fatal("unexpected first layer weight order")
	}
	if first.Bias(0) != 5 || first.Bias(1) != 6 {
		t.Fatal("unexpected first layer bias order")
	}
	second := net.Layers()[1]
	if second.Weight(0, 0) != 7 || second.Weight(0, 1) != 8 || second.Bias(0) != 9 {
		t.Fatal("unexpected second layer order")
	}
}

func TestSetParametersRoundTripPreservesOutput(t *testing.T) {
	net := newTestNetwork(t, []int{5, 7, 3}, 2)
	input := []float64{0.1, -0.2, 0.3, 0.4, -0.5}
	before, err := net.Forward(input)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := net.SetParameters(net.Parameters()); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	after, err := net.Forward(input)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("output changed at %d: %v vs %v", i, before, after)
		}
	}
}

func TestForwardIsIdempotent(t *testing.T) {
	net := newTestNetwork(t, []int{3, 4, 2}, 3)
	input := []float64{1, 2, 3}
	first, _ := net.Forward(input)
	second, _ := net.Forward(input)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("forward not idempotent: %v vs %v", first, second)
		}
	}
}

func TestSizeMismatchesFailFast(t *testing.T) {
	net := newTestNetwork(t, []int{3, 4, 2}, 4)
	if _, err := net.Forward([]float64{1, 2}); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected input size mismatch, got %v", err)
	}
	if _, err := net.Forward([]float64{1, 2, 3}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if err := net.Backward([]float64{1}, 0.1); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected target size mismatch, got %v", err)
	}
	if err := net.SetParameters(make([]float64, 3)); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected parameter count mismatch, got %v", err)
	}
}

func TestBackwardWithoutForward(t *testing.T) {
	net := newTestNetwork(t, []int{2, 2}, 5)
	if err := net.Backward([]float64{0, 0}, 0.1); !errors.Is(err, ErrNoForward) {
		t.Fatalf("expected ErrNoForward, got %v", err)
	}
}

func TestNetworkFromLayersRejectsMismatchedSizes(t *testing.T) {
	a, _ := NewLayer(3, 4, ReLU, Zero, nil)
	b, _ := NewLayer(5, 2, Identity, Zero, nil)
	if _, err := NewNetworkFromLayers(a, b); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestNetworkFromLayersRequiresSharedHiddenActivation(t *testing.T) {
	tests := []struct {
		name        string
		activations []string
		wantErr     bool
		hidden      string
	}{
		{name: "shared hidden", activations: []string{Tanh, Tanh, Identity}, hidden: Tanh},
		{name: "output may differ", activations: []string{ReLU, ReLU, Sigmoid}, hidden: ReLU},
		{name: "single layer", activations: []string{Sigmoid}},
		{name: "mixed hidden", activations: []string{ReLU, Tanh, Identity}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			layers := make([]*Layer, len(tc.activations))
			for i, act := range tc.activations {
				layer, err := NewLayer(3, 3, act, Zero, nil)
				if err != nil {
					t.Fatalf("new layer: %v", err)
				}
				layers[i] = layer
			}
			net, err := NewNetworkFromLayers(layers...)
			if tc.wantErr {
				if !errors.Is(err, ErrActivationMismatch) {
					t.Fatalf("expected ErrActivationMismatch, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("new network: %v", err)
			}
			arch := net.Architecture()
			if arch.Hidden != tc.hidden || arch.Output != tc.activations[len(tc.activations)-1] {
				t.Fatalf("unexpected architecture: %+v", arch)
			}
		})
	}
}

func TestBackwardReducesLoss(t *testing.T) {
	net := newTestNetwork(t, []int{2, 8, 1}, 6)
	input := []float64{0.5, -0.25}
	target := []float64{2.0}

	if _, err := net.Forward(input); err != nil {
		t.Fatalf("forward: %v", err)
	}
	initial, _ := net.Loss(target)
	for i := 0; i < 50; i++ {
		if _, err := net.Forward(input); err != nil {
			t.Fatalf("forward: %v", err)
		}
		if err := net.Backward(target, 0.05); err != nil {
			t.Fatalf("backward: %v", err)
		}
	}
	if _, err := net.Forward(input); err != nil {
		t.Fatalf("forward: %v", err)
	}
	final, _ := net.Loss(target)
	if final >= initial {
		t.Fatalf("loss did not decrease: initial=%f final=%f", initial, final)
	}
}

func TestLayerBackwardMatchesClosedForm(t *testing.T) {
	layer, err := NewLayer(2, 1, Identity, Zero, nil)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	layer.setParameters([]float64{0.5, -1.0, 0.25})

	out, err := layer.Forward([]float64{2, 3})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if want := 0.5*2 - 1.0*3 + 0.25; math.Abs(out[0]-want) > 1e-12 {
		t.Fatalf("unexpected forward: got=%f want=%f", out[0], want)
	}

	grad, err := layer.Backward([]float64{1}, 0.1)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if grad[0] != 0.5 || grad[1] != -1.0 {
		t.Fatalf("expected gradient from pre-update weights, got %v", grad)
	}
	if math.Abs(layer.Weight(0, 0)-(0.5-0.1*2)) > 1e-12 || math.Abs(layer.Weight(0, 1)-(-1.0-0.1*3)) > 1e-12 {
		t.Fatalf("unexpected weight update: %f %f", layer.Weight(0, 0), layer.Weight(0, 1))
	}
	if math.Abs(layer.Bias(0)-(0.25-0.1)) > 1e-12 {
		t.Fatalf("unexpected bias update: %f", layer.Bias(0))
	}
}

func TestReLUDerivativeUsesLastOutput(t *testing.T) {
	layer, _ := NewLayer(1, 1, ReLU, Zero, nil)
	layer.setParameters([]float64{-1, 0})
	if _, err := layer.Forward([]float64{1}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	grad, err := layer.Backward([]float64{1}, 0.5)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}
	if grad[0] != 0 || layer.Weight(0, 0) != -1 {
		t.Fatalf("inactive relu should not update: grad=%v weight=%f", grad, layer.Weight(0, 0))
	}
}

func TestInitializersScaleWithFanIn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	layer, err := NewLayer(50, 10, ReLU, XavierUniform, rng)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	bound := math.Sqrt(6.0 / 60.0)
	for i := 0; i < 10; i++ {
		for j := 0; j < 50; j++ {
			if math.Abs(layer.Weight(i, j)) > bound {
				t.Fatalf("weight outside xavier bound: %f", layer.Weight(i, j))
			}
		}
		if layer.Bias(i) != 0 {
			t.Fatalf("expected zero bias, got %f", layer.Bias(i))
		}
	}

	he, err := NewLayer(200, 50, ReLU, HeNormal, rng)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	sum := 0.0
	for i := 0; i < 50; i++ {
		for j := 0; j < 200; j++ {
			sum += he.Weight(i, j) * he.Weight(i, j)
		}
	}
	variance := sum / (50 * 200)
	if math.Abs(variance-2.0/200) > 0.002 {
		t.Fatalf("unexpected he variance: got=%f want≈%f", variance, 2.0/200)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	net := newTestNetwork(t, []int{3, 5, 2}, 8)
	clone, err := net.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if !SameArchitecture(net, clone) {
		t.Fatal("expected same architecture")
	}
	input := []float64{0.3, 0.2, 0.1}
	before, _ := clone.Forward(input)

	for i := 0; i < 5; i++ {
		_, _ = net.Forward(input)
		if err := net.Backward([]float64{5, -5}, 0.1); err != nil {
			t.Fatalf("backward: %v", err)
		}
	}
	after, _ := clone.Forward(input)
	for i := range before {
		if before[i] != after[i] {
			t.Fatal("training the source changed the clone")
		}
	}
}
