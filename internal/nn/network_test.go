package nn

import (
	"errors"
	"testing"

	"coiltrain/internal/model"
)

func referenceSpec() model.BranchSpec {
	return model.BranchSpec{
		NumberOfBranches: 4,
		Neurons:          []int{256, 256},
		Dropouts:         []float64{0.0, 0.5},
	}
}

func TestBuildHeadsReplicatesTopology(t *testing.T) {
	arch, err := GetArchitecture("coil-icra")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}

	heads, err := BuildHeads(referenceSpec(), arch, nil)
	if err != nil {
		t.Fatalf("build heads: %v", err)
	}
	if len(heads) != 4 {
		t.Fatalf("expected 4 heads, got %d", len(heads))
	}
	for i, head := range heads {
		if len(head.Layers) != 2 {
			t.Fatalf("head %d: expected 2 layers, got %+v", i, head.Layers)
		}
		if head.Layers[0] != (Layer{In: 512, Out: 256, Dropout: 0.0}) {
			t.Fatalf("head %d: unexpected first layer %+v", i, head.Layers[0])
		}
		if head.Layers[1] != (Layer{In: 256, Out: 256, Dropout: 0.5}) {
			t.Fatalf("head %d: unexpected second layer %+v", i, head.Layers[1])
		}
		if out := head.OutputLayer(); out != (Layer{In: 256, Out: 3}) {
			t.Fatalf("head %d: unexpected output layer %+v", i, out)
		}
	}
	if heads[2].Name != "branches.branched_modules.2" {
		t.Fatalf("unexpected head name: %s", heads[2].Name)
	}
}

func TestBuildHeadsUsesExplicitTargets(t *testing.T) {
	arch, err := GetArchitecture("coil-icra")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}
	heads, err := BuildHeads(referenceSpec(), arch, []string{"Steer", "Gas"})
	if err != nil {
		t.Fatalf("build heads: %v", err)
	}
	if got := heads[0].OutputLayer().Out; got != 2 {
		t.Fatalf("expected 2 outputs, got %d", got)
	}
}

func TestBuildHeadsRejectsInvalidSpec(t *testing.T) {
	arch, err := GetArchitecture("coil-icra")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}
	cases := []model.BranchSpec{
		{NumberOfBranches: 0, Neurons: []int{8}, Dropouts: []float64{0}},
		{NumberOfBranches: 1, Neurons: []int{8, 8}, Dropouts: []float64{0}},
		{NumberOfBranches: 1, Neurons: []int{-1}, Dropouts: []float64{0}},
	}
	for i, spec := range cases {
		if _, err := BuildHeads(spec, arch, nil); !errors.Is(err, ErrInvalidBranchSpec) {
			t.Fatalf("case %d: expected ErrInvalidBranchSpec, got %v", i, err)
		}
	}
}

func TestAuxiliaryHead(t *testing.T) {
	arch, err := GetArchitecture("coil-mlp")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}
	aux, err := AuxiliaryHead(referenceSpec(), arch)
	if err != nil {
		t.Fatalf("auxiliary head: %v", err)
	}
	if aux.Name != "speed_branch" || len(aux.Outputs) != 1 || aux.Outputs[0] != "speed" {
		t.Fatalf("unexpected auxiliary head: %+v", aux)
	}
	if aux.Layers[0].In != 106 {
		t.Fatalf("expected latent input width 106, got %d", aux.Layers[0].In)
	}
}
