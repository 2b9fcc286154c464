package agent

import (
	"errors"
	"fmt"

	"astrorl/internal/model"
	"astrorl/internal/nn"
)

// GreedyPolicy drives a fixed network without exploration or learning. The
// genetic trainer and replays of saved genomes act through it.
type GreedyPolicy struct {
	id      string
	net     *nn.Network
	decoder Decoder
}

func NewGreedyPolicy(id string, net *nn.Network, decoder Decoder) (*GreedyPolicy, error) {
	if net == nil {
		return nil, errors.New("network is required")
	}
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if net.OutputSize() != decoder.OutputSize() {
		return nil, fmt.Errorf("%w: network outputs %d but %s decoder expects %d",
			nn.ErrSizeMismatch, net.OutputSize(), decoder.Name(), decoder.OutputSize())
	}
	return &GreedyPolicy{id: id, net: net, decoder: decoder}, nil
}

// NewGreedyPolicyFromParams builds a network of arch and loads params into it.
func NewGreedyPolicyFromParams(id string, arch nn.Architecture, params []float64, decoder Decoder) (*GreedyPolicy, error) {
	net, err := nn.NewNetwork(arch, nn.Zero, nil)
	if err != nil {
		return nil, err
	}
	if err := net.SetParameters(params); err != nil {
		return nil, err
	}
	return NewGreedyPolicy(id, net, decoder)
}

func (p *GreedyPolicy) ID() string {
	return p.id
}

func (p *GreedyPolicy) Network() *nn.Network {
	return p.net
}

func (p *GreedyPolicy) Act(observation []float64, heading float64) (model.Action, error) {
	raw, err := p.net.Forward(observation)
	if err != nil {
		return model.Action{}, err
	}
	return p.decoder.Decode(raw, heading), nil
}
