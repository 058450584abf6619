package nn

import (
	"errors"
	"fmt"

	"coiltrain/internal/model"
)

var ErrInvalidBranchSpec = errors.New("invalid branch spec")

// Layer is one fully-connected layer of a head, followed by dropout at
// Dropout probability.
type Layer struct {
	In      int     `json:"in"`
	Out     int     `json:"out"`
	Dropout float64 `json:"dropout"`
}

// Head is a stack of fully-connected layers ending in a linear projection
// to Outputs.
type Head struct {
	Name    string   `json:"name"`
	Layers  []Layer  `json:"layers"`
	Outputs []string `json:"outputs"`
}

// OutputLayer is the projection from the last hidden layer to the head's
// outputs.
func (h Head) OutputLayer() Layer {
	in := 0
	if len(h.Layers) > 0 {
		in = h.Layers[len(h.Layers)-1].Out
	}
	return Layer{In: in, Out: len(h.Outputs)}
}

// BuildHeads replicates the branch topology NumberOfBranches times. Heads
// are returned in branch order, which is the order branch_loss_weight is
// indexed in.
func BuildHeads(spec model.BranchSpec, arch Architecture, targets []string) ([]Head, error) {
	if err := checkBranchSpec(spec); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		targets = arch.Targets
	}
	heads := make([]Head, spec.NumberOfBranches)
	for i := range heads {
		heads[i] = Head{
			Name:    fmt.Sprintf("branches.branched_modules.%d", i),
			Layers:  stackLayers(spec, arch.InputWidth),
			Outputs: append([]string(nil), targets...),
		}
	}
	return heads, nil
}

// AuxiliaryHead builds the always-evaluated head that predicts the
// architecture's auxiliary signal. It shares the branch topology.
func AuxiliaryHead(spec model.BranchSpec, arch Architecture) (Head, error) {
	if err := checkBranchSpec(spec); err != nil {
		return Head{}, err
	}
	aux := arch.Auxiliary
	if aux == "" {
		aux = "speed"
	}
	return Head{
		Name:    aux + "_branch",
		Layers:  stackLayers(spec, arch.InputWidth),
		Outputs: []string{aux},
	}, nil
}

func stackLayers(spec model.BranchSpec, inputWidth int) []Layer {
	layers := make([]Layer, len(spec.Neurons))
	in := inputWidth
	for i, width := range spec.Neurons {
		layers[i] = Layer{In: in, Out: width, Dropout: spec.Dropouts[i]}
		in = width
	}
	return layers
}

func checkBranchSpec(spec model.BranchSpec) error {
	if spec.NumberOfBranches < 1 {
		return fmt.Errorf("%w: number_of_branches=%d", ErrInvalidBranchSpec, spec.NumberOfBranches)
	}
	if len(spec.Neurons) != len(spec.Dropouts) {
		return fmt.Errorf("%w: %d neurons vs %d dropouts", ErrInvalidBranchSpec, len(spec.Neurons), len(spec.Dropouts))
	}
	for i, width := range spec.Neurons {
		if width <= 0 {
			return fmt.Errorf("%w: layer %d width %d", ErrInvalidBranchSpec, i, width)
		}
	}
	return nil
}
