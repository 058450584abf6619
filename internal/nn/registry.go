package nn

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrArchitectureExists   = errors.New("architecture already registered")
	ErrArchitectureNotFound = errors.New("architecture not found")
	ErrArchitectureVersion  = errors.New("architecture version mismatch")
)

// Architecture describes what a registered model_type exposes to the head
// builder: the width of the perception features feeding every branch, the
// control variables each branch predicts and the name of the auxiliary
// output.
type Architecture struct {
	Name       string
	InputWidth int
	Targets    []string
	Auxiliary  string

	SchemaVersion int
	CodecVersion  int
}

var architectureRegistry = struct {
	mu sync.RWMutex
	m  map[string]Architecture
}{
	m: make(map[string]Architecture),
}

func init() {
	initializeBuiltInArchitectures()
}

func initializeBuiltInArchitectures() {
	MustRegisterArchitecture(Architecture{
		Name:       "coil-icra",
		InputWidth: 512,
		Targets:    []string{"Steer", "Gas", "Brake"},
		Auxiliary:  "speed",
	})
	MustRegisterArchitecture(Architecture{
		Name:       "coil-mlp",
		InputWidth: 106,
		Targets:    []string{"Gas", "Steer"},
		Auxiliary:  "speed",
	})
}

// NormalizeArchitectureName canonicalizes model_type tags so that
// "COIL_ICRA" and "coil-icra" resolve to the same builder.
func NormalizeArchitectureName(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	return strings.Trim(normalized, "-")
}

func RegisterArchitecture(arch Architecture) error {
	if arch.SchemaVersion == 0 && arch.CodecVersion == 0 {
		arch.SchemaVersion = SupportedSchemaVersion
		arch.CodecVersion = SupportedCodecVersion
	}
	arch.Name = NormalizeArchitectureName(arch.Name)
	if arch.Name == "" {
		return errors.New("architecture name is required")
	}
	if arch.InputWidth <= 0 {
		return fmt.Errorf("architecture %s: input width must be > 0", arch.Name)
	}
	if len(arch.Targets) == 0 {
		return fmt.Errorf("architecture %s: at least one target is required", arch.Name)
	}
	if arch.SchemaVersion != SupportedSchemaVersion || arch.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrArchitectureVersion, arch.SchemaVersion, arch.CodecVersion)
	}
	arch.Targets = append([]string(nil), arch.Targets...)

	architectureRegistry.mu.Lock()
	defer architectureRegistry.mu.Unlock()

	if _, exists := architectureRegistry.m[arch.Name]; exists {
		return fmt.Errorf("%w: %s", ErrArchitectureExists, arch.Name)
	}
	architectureRegistry.m[arch.Name] = arch
	return nil
}

func MustRegisterArchitecture(arch Architecture) {
	if err := RegisterArchitecture(arch); err != nil {
		panic(err)
	}
}

func GetArchitecture(name string) (Architecture, error) {
	key := NormalizeArchitectureName(name)
	architectureRegistry.mu.RLock()
	entry, ok := architectureRegistry.m[key]
	architectureRegistry.mu.RUnlock()
	if !ok {
		return Architecture{}, fmt.Errorf("%w: %s", ErrArchitectureNotFound, name)
	}
	if entry.SchemaVersion != SupportedSchemaVersion || entry.CodecVersion != SupportedCodecVersion {
		return Architecture{}, fmt.Errorf("%w: %s", ErrArchitectureVersion, name)
	}
	entry.Targets = append([]string(nil), entry.Targets...)
	return entry, nil
}

func ListArchitectures() []string {
	architectureRegistry.mu.RLock()
	defer architectureRegistry.mu.RUnlock()

	names := make([]string, 0, len(architectureRegistry.m))
	for name := range architectureRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetArchitectureRegistryForTests() {
	architectureRegistry.mu.Lock()
	architectureRegistry.m = make(map[string]Architecture)
	architectureRegistry.mu.Unlock()
	initializeBuiltInArchitectures()
}
