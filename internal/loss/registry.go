package loss

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

var (
	ErrMetricExists   = errors.New("loss metric already registered")
	ErrMetricNotFound = errors.New("loss metric not found")
)

// MetricFunc is the per-output distance between a prediction and its
// target.
type MetricFunc func(pred, target float64) float64

type registeredMetric struct {
	name string
	fn   MetricFunc
}

var metricRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredMetric
}{
	m: make(map[string]registeredMetric),
}

func init() {
	initializeBuiltInMetrics()
}

func initializeBuiltInMetrics() {
	MustRegisterMetric("L1", func(pred, target float64) float64 {
		return math.Abs(pred - target)
	})
	MustRegisterMetric("L2", func(pred, target float64) float64 {
		diff := pred - target
		return diff * diff
	})
	MustRegisterMetric("SmoothL1", func(pred, target float64) float64 {
		diff := math.Abs(pred - target)
		if diff < 1 {
			return 0.5 * diff * diff
		}
		return diff - 0.5
	})
}

func metricKey(name string) string {
	key := strings.TrimSpace(strings.ToLower(name))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
}

func RegisterMetric(name string, fn MetricFunc) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("loss metric name is required")
	}
	if fn == nil {
		return errors.New("loss metric function is required")
	}
	key := metricKey(name)

	metricRegistry.mu.Lock()
	defer metricRegistry.mu.Unlock()

	if _, exists := metricRegistry.m[key]; exists {
		return fmt.Errorf("%w: %s", ErrMetricExists, name)
	}
	metricRegistry.m[key] = registeredMetric{name: strings.TrimSpace(name), fn: fn}
	return nil
}

func MustRegisterMetric(name string, fn MetricFunc) {
	if err := RegisterMetric(name, fn); err != nil {
		panic(err)
	}
}

// GetMetric resolves a loss_function tag. Lookup ignores case and
// separators; the returned name is the canonical registered spelling.
func GetMetric(name string) (string, MetricFunc, error) {
	metricRegistry.mu.RLock()
	entry, ok := metricRegistry.m[metricKey(name)]
	metricRegistry.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrMetricNotFound, name)
	}
	return entry.name, entry.fn, nil
}

func ListMetrics() []string {
	metricRegistry.mu.RLock()
	defer metricRegistry.mu.RUnlock()

	names := make([]string, 0, len(metricRegistry.m))
	for _, entry := range metricRegistry.m {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

func resetMetricRegistryForTests() {
	metricRegistry.mu.Lock()
	metricRegistry.m = make(map[string]registeredMetric)
	metricRegistry.mu.Unlock()
	initializeBuiltInMetrics()
}
