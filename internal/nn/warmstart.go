package nn

import (
	"fmt"
	"sort"
)

// ParameterShapes lists every weight and bias of the given heads keyed by
// the dotted parameter name a checkpoint uses for it.
func ParameterShapes(heads ...Head) map[string][]int {
	shapes := make(map[string][]int)
	for _, head := range heads {
		layers := append(append([]Layer(nil), head.Layers...), head.OutputLayer())
		for i, layer := range layers {
			prefix := fmt.Sprintf("%s.layers.%d.0", head.Name, i)
			shapes[prefix+".weight"] = []int{layer.Out, layer.In}
			shapes[prefix+".bias"] = []int{layer.Out}
		}
	}
	return shapes
}

// WarmStartPlan partitions parameters when initializing from a pretrained
// checkpoint.
type WarmStartPlan struct {
	// Load are parameters present in both with identical shapes.
	Load []string `json:"load"`
	// Skipped are checkpoint parameters that are unknown to the model or
	// whose shape disagrees.
	Skipped []string `json:"skipped"`
	// Missing are model parameters the checkpoint cannot provide; they keep
	// their random initialization.
	Missing []string `json:"missing"`
}

// PlanWarmStart filters a pretrained parameter set down to what the model
// can accept. When preTrained is false everything is left at random
// initialization.
func PlanWarmStart(preTrained bool, modelShapes, pretrained map[string][]int) WarmStartPlan {
	var plan WarmStartPlan
	if !preTrained {
		plan.Missing = sortedKeys(modelShapes)
		return plan
	}
	loaded := make(map[string]bool, len(pretrained))
	for _, name := range sortedKeys(pretrained) {
		want, ok := modelShapes[name]
		if !ok || !sameShape(want, pretrained[name]) {
			plan.Skipped = append(plan.Skipped, name)
			continue
		}
		plan.Load = append(plan.Load, name)
		loaded[name] = true
	}
	for _, name := range sortedKeys(modelShapes) {
		if !loaded[name] {
			plan.Missing = append(plan.Missing, name)
		}
	}
	return plan
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
