package nn

import (
	"errors"
	"testing"
)

func TestRegisterAndGetArchitecture(t *testing.T) {
	resetArchitectureRegistryForTests()
	t.Cleanup(resetArchitectureRegistryForTests)

	if err := RegisterArchitecture(Architecture{
		Name:       "Conditional_Resnet",
		InputWidth: 256,
		Targets:    []string{"Steer"},
		Auxiliary:  "speed",
	}); err != nil {
		t.Fatalf("register architecture: %v", err)
	}
	arch, err := GetArchitecture("conditional-resnet")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}
	if arch.Name != "conditional-resnet" || arch.InputWidth != 256 {
		t.Fatalf("unexpected architecture: %+v", arch)
	}
}

func TestRegisterArchitectureValidation(t *testing.T) {
	resetArchitectureRegistryForTests()
	t.Cleanup(resetArchitectureRegistryForTests)

	if err := RegisterArchitecture(Architecture{InputWidth: 1, Targets: []string{"Steer"}}); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterArchitecture(Architecture{Name: "no-width", Targets: []string{"Steer"}}); err == nil {
		t.Fatal("expected input width error")
	}
	if err := RegisterArchitecture(Architecture{Name: "no-targets", InputWidth: 8}); err == nil {
		t.Fatal("expected targets error")
	}
	if err := RegisterArchitecture(Architecture{
		Name:          "bad-version",
		InputWidth:    8,
		Targets:       []string{"Steer"},
		SchemaVersion: 99,
		CodecVersion:  1,
	}); !errors.Is(err, ErrArchitectureVersion) {
		t.Fatalf("expected ErrArchitectureVersion, got: %v", err)
	}
}

func TestRegisterArchitectureDuplicate(t *testing.T) {
	resetArchitectureRegistryForTests()
	t.Cleanup(resetArchitectureRegistryForTests)

	err := RegisterArchitecture(Architecture{Name: "COIL_ICRA", InputWidth: 1, Targets: []string{"Steer"}})
	if !errors.Is(err, ErrArchitectureExists) {
		t.Fatalf("expected ErrArchitectureExists, got: %v", err)
	}
}

func TestGetArchitectureNotFound(t *testing.T) {
	_, err := GetArchitecture("missing")
	if !errors.Is(err, ErrArchitectureNotFound) {
		t.Fatalf("expected ErrArchitectureNotFound, got: %v", err)
	}
}

func TestGetArchitectureReturnsCopy(t *testing.T) {
	arch, err := GetArchitecture("coil-icra")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}
	arch.Targets[0] = "mutated"

	again, err := GetArchitecture("coil-icra")
	if err != nil {
		t.Fatalf("get architecture: %v", err)
	}
	if again.Targets[0] != "Steer" {
		t.Fatalf("registry entry was mutated through returned value: %+v", again.Targets)
	}
}

func TestListArchitecturesSorted(t *testing.T) {
	names := ListArchitectures()
	if len(names) < 2 {
		t.Fatalf("expected built-in architectures, got: %+v", names)
	}
	if names[0] != "coil-icra" || names[1] != "coil-mlp" {
		t.Fatalf("unexpected architecture list: %+v", names)
	}
}
