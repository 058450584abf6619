package nn

import (
	"reflect"
	"testing"
)

func TestParameterShapes(t *testing.T) {
	head := Head{
		Name:    "branches.branched_modules.0",
		Layers:  []Layer{{In: 512, Out: 256}},
		Outputs: []string{"Steer", "Gas", "Brake"},
	}
	shapes := ParameterShapes(head)
	want := map[string][]int{
		"branches.branched_modules.0.layers.0.0.weight": {256, 512},
		"branches.branched_modules.0.layers.0.0.bias":   {256},
		"branches.branched_modules.0.layers.1.0.weight": {3, 256},
		"branches.branched_modules.0.layers.1.0.bias":   {3},
	}
	if !reflect.DeepEqual(shapes, want) {
		t.Fatalf("unexpected shapes: %+v", shapes)
	}
}

func TestPlanWarmStartPartitionsParameters(t *testing.T) {
	modelShapes := map[string][]int{
		"a.weight": {4, 2},
		"a.bias":   {4},
		"b.weight": {1, 4},
	}
	pretrained := map[string][]int{
		"a.weight":        {4, 2},
		"a.bias":          {3},
		"perception.conv": {16, 3, 3, 3},
	}

	plan := PlanWarmStart(true, modelShapes, pretrained)
	if !reflect.DeepEqual(plan.Load, []string{"a.weight"}) {
		t.Fatalf("unexpected load set: %+v", plan.Load)
	}
	if !reflect.DeepEqual(plan.Skipped, []string{"a.bias", "perception.conv"}) {
		t.Fatalf("unexpected skipped set: %+v", plan.Skipped)
	}
	if !reflect.DeepEqual(plan.Missing, []string{"a.bias", "b.weight"}) {
		t.Fatalf("unexpected missing set: %+v", plan.Missing)
	}
}

func TestPlanWarmStartDisabled(t *testing.T) {
	modelShapes := map[string][]int{"a.weight": {1, 1}}
	plan := PlanWarmStart(false, modelShapes, modelShapes)
	if len(plan.Load) != 0 || len(plan.Missing) != 1 {
		t.Fatalf("expected nothing loaded when not pretrained, got %+v", plan)
	}
}
