package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

const (
	Identity = "identity"
	ReLU     = "relu"
	Tanh     = "tanh"
	Sigmoid  = "sigmoid"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// DerivativeFunc returns the local derivative of an activation expressed in
// terms of the activation's output y = f(x).
type DerivativeFunc func(y float64) float64

type Activation struct {
	Name       string
	Func       ActivationFunc
	Derivative DerivativeFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]Activation
}{
	m: make(map[string]Activation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation(Activation{
		Name:       Identity,
		Func:       func(x float64) float64 { return x },
		Derivative: func(float64) float64 { return 1 },
	})
	MustRegisterActivation(Activation{
		Name: ReLU,
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		Derivative: func(y float64) float64 {
			if y > 0 {
				return 1
			}
			return 0
		},
	})
	MustRegisterActivation(Activation{
		Name:       Tanh,
		Func:       math.Tanh,
		Derivative: func(y float64) float64 { return 1 - y*y },
	})
	MustRegisterActivation(Activation{
		Name:       Sigmoid,
		Func:       Logistic,
		Derivative: func(y float64) float64 { return y * (1 - y) },
	})
}

func RegisterActivation(act Activation) error {
	if act.Name == "" {
		return errors.New("activation name is required")
	}
	if act.Func == nil {
		return errors.New("activation function is required")
	}
	if act.Derivative == nil {
		return errors.New("activation derivative is required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[act.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, act.Name)
	}
	activationRegistry.m[act.Name] = act
	return nil
}

func MustRegisterActivation(act Activation) {
	if err := RegisterActivation(act); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	act, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return act, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]Activation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
