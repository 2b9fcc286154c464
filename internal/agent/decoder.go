package agent

import (
	"fmt"
	"math"
	"math/rand"

	"astrorl/internal/model"
	"astrorl/internal/nn"
)

// Decoder turns raw network outputs into an environment action. The first
// ValueSlots outputs are action values eligible for greedy selection and TD
// credit; any remaining outputs are decoder-specific control heads.
type Decoder interface {
	Name() string
	OutputSize() int
	ValueSlots() int
	Decode(raw []float64, heading float64) model.Action
	Explore(rng *rand.Rand, heading float64) model.Action
}

// NewDecoder resolves a decoder by name. "" and "discrete" give the discrete
// table with a turn slot, "discrete-fixed" drops the turn slot, "continuous"
// gives the continuous controls bounded by maxTurn degrees per tick.
func NewDecoder(name string, maxTurn float64) (Decoder, error) {
	switch name {
	case "", "discrete":
		return DiscreteDecoder{TurnSlot: true}, nil
	case "discrete-fixed":
		return DiscreteDecoder{}, nil
	case "continuous":
		return ContinuousDecoder{MaxTurn: maxTurn}, nil
	default:
		return nil, fmt.Errorf("unsupported decoder: %s", name)
	}
}

// Discrete action table shared by the discrete decoder.
const (
	ActionCoast = iota
	ActionThrustForward
	ActionThrustBack
	ActionStrafeLeft
	ActionStrafeRight
	ActionFire
)

var DiscreteActions = []model.Action{
	ActionCoast:         {Index: ActionCoast},
	ActionThrustForward: {Index: ActionThrustForward, Thrust: 1},
	ActionThrustBack:    {Index: ActionThrustBack, Thrust: -1},
	ActionStrafeLeft:    {Index: ActionStrafeLeft, Strafe: -1},
	ActionStrafeRight:   {Index: ActionStrafeRight, Strafe: 1},
	ActionFire:          {Index: ActionFire, Fire: true},
}

// DiscreteDecoder picks one entry of DiscreteActions. With TurnSlot set the
// network carries one extra output that steers the heading.
type DiscreteDecoder struct {
	TurnSlot bool
}

func (DiscreteDecoder) Name() string { return "discrete" }

func (d DiscreteDecoder) OutputSize() int {
	if d.TurnSlot {
		return len(DiscreteActions) + 1
	}
	return len(DiscreteActions)
}

func (DiscreteDecoder) ValueSlots() int { return len(DiscreteActions) }

func (d DiscreteDecoder) Decode(raw []float64, heading float64) model.Action {
	slots := len(DiscreteActions)
	if len(raw) < slots {
		return DiscreteActions[ActionCoast]
	}
	idx := nn.Argmax(raw[:slots])
	if idx < 0 {
		idx = ActionCoast
	}
	action := DiscreteActions[idx]
	if d.TurnSlot && len(raw) > slots {
		action.Turn = TurnDelta(heading, raw[slots])
	}
	return action
}

func (d DiscreteDecoder) Explore(rng *rand.Rand, heading float64) model.Action {
	action := DiscreteActions[rng.Intn(len(DiscreteActions))]
	if d.TurnSlot {
		action.Turn = ShortestAngle(rng.Float64()*360 - heading)
	}
	return action
}

// ContinuousDecoder squashes four raw outputs into thrust, strafe, turn and
// fire. The credited slot is the dominant output.
type ContinuousDecoder struct {
	MaxTurn float64
}

const (
	slotThrust = iota
	slotStrafe
	slotTurn
	slotFire
	continuousOutputs
)

func (ContinuousDecoder) Name() string    { return "continuous" }
func (ContinuousDecoder) OutputSize() int { return continuousOutputs }
func (ContinuousDecoder) ValueSlots() int { return continuousOutputs }

func (d ContinuousDecoder) Decode(raw []float64, _ float64) model.Action {
	if len(raw) < continuousOutputs {
		return model.Action{}
	}
	idx := nn.Argmax(raw[:continuousOutputs])
	if idx < 0 {
		idx = slotThrust
	}
	return model.Action{
		Index:  idx,
		Thrust: math.Tanh(finiteOr(raw[slotThrust], 0)),
		Strafe: math.Tanh(finiteOr(raw[slotStrafe], 0)),
		Turn:   math.Tanh(finiteOr(raw[slotTurn], 0)) * d.maxTurn(),
		Fire:   nn.Logistic(finiteOr(raw[slotFire], 0)) > 0.5,
	}
}

func (d ContinuousDecoder) Explore(rng *rand.Rand, heading float64) model.Action {
	raw := make([]float64, continuousOutputs)
	for i := range raw {
		raw[i] = rng.Float64()*4 - 2
	}
	action := d.Decode(raw, heading)
	action.Index = rng.Intn(continuousOutputs)
	return action
}

func (d ContinuousDecoder) maxTurn() float64 {
	if d.MaxTurn <= 0 {
		return 180
	}
	return d.MaxTurn
}

// TurnDelta maps a raw turn output through the sigmoid onto a full rotation
// and returns the shortest signed delta from heading, in (-180, 180].
// Non-finite outputs select the middle of the range.
func TurnDelta(heading, raw float64) float64 {
	fraction := 0.5
	if nn.IsFinite(raw) {
		fraction = nn.Logistic(raw)
	}
	return ShortestAngle(fraction*360 - finiteOr(heading, 0))
}

// ShortestAngle normalizes degrees into (-180, 180].
func ShortestAngle(deg float64) float64 {
	if !nn.IsFinite(deg) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg <= -180 {
		deg += 360
	} else if deg > 180 {
		deg -= 360
	}
	return deg
}

func finiteOr(value, fallback float64) float64 {
	if nn.IsFinite(value) {
		return value
	}
	return fallback
}
