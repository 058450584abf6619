package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"coiltrain/internal/loss"
	"coiltrain/internal/model"
	"coiltrain/internal/nn"
)

// Variable weights are relative; a sum further than this from 1 is only
// logged.
const weightSumTolerance = 1e-6

type options struct {
	logger       *zap.Logger
	allowUnknown bool
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAllowUnknownKeys downgrades unknown keys from errors to logged
// warnings.
func WithAllowUnknownKeys(allow bool) Option {
	return func(o *options) {
		o.allowUnknown = allow
	}
}

func LoadFile(path string, opts ...Option) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(data, opts...)
}

func LoadReader(r io.Reader, opts ...Option) (model.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}
	return Load(data, opts...)
}

// Load parses and validates a configuration document. It returns either a
// fully validated configuration or an *Error listing every issue found.
func Load(data []byte, opts ...Option) (model.Config, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return model.Config{}, &Error{Issues: []Issue{{Kind: KindSyntax, Reason: err.Error()}}}
	}

	p := &parser{opts: o}
	p.document(&root)
	if len(p.issues) > 0 {
		return model.Config{}, &Error{Issues: p.issues}
	}
	for _, w := range p.warnings {
		o.logger.Warn(w.msg, w.fields...)
	}
	return p.cfg, nil
}

type warning struct {
	msg    string
	fields []zap.Field
}

// parser walks the node tree once. Each *OK flag records that a field
// parsed cleanly, so cross-field checks only run on trustworthy inputs.
type parser struct {
	opts     options
	issues   []Issue
	warnings []warning
	cfg      model.Config

	arch         *nn.Architecture
	targetsGiven bool
	targetsOK    bool
	branchesOK   bool
	neuronsOK    bool
	dropoutsOK   bool
	rateOK       bool
	floorOK      bool
}

func (p *parser) fail(path string, kind Kind, format string, args ...any) {
	p.issues = append(p.issues, Issue{Path: path, Kind: kind, Reason: fmt.Sprintf(format, args...)})
}

func (p *parser) warn(msg string, fields ...zap.Field) {
	p.warnings = append(p.warnings, warning{msg: msg, fields: fields})
}

func (p *parser) document(root *yaml.Node) {
	var top *yaml.Node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		top = resolve(root.Content[0])
	}
	var sections map[string]*yaml.Node
	if !isNull(top) {
		var ok bool
		sections, ok = p.mapping(top, "", "model", "optimizer", "loss", "simulation")
		if !ok {
			return
		}
	}
	p.parseModel(sections)
	p.parseOptimizer(sections)
	p.parseLoss(sections)
	p.parseSimulation(sections)
}

func (p *parser) parseModel(root map[string]*yaml.Node) {
	const path = "model"
	m, ok := p.section(root, "", "model", "model_type", "pre_trained", "targets", "branches")
	if !ok {
		return
	}

	if n := p.required(m, path, "model_type"); n != nil {
		if tag, ok := p.stringValue(n, "model.model_type"); ok {
			arch, err := nn.GetArchitecture(tag)
			if err != nil {
				p.fail("model.model_type", KindUnknownEnumValue, "unregistered architecture %q (registered: %s)", tag, strings.Join(nn.ListArchitectures(), ", "))
			} else {
				p.cfg.Model.ModelType = arch.Name
				p.arch = &arch
			}
		}
	}
	if n := optional(m, "pre_trained"); n != nil {
		p.cfg.Model.PreTrained, _ = p.boolValue(n, "model.pre_trained")
	}
	if n := optional(m, "targets"); n != nil {
		p.targetsGiven = true
		p.parseTargets(n, "model.targets")
	}

	b, ok := p.section(m, path, "branches", "number_of_branches", "fc")
	if !ok {
		return
	}
	if n := p.required(b, "model.branches", "number_of_branches"); n != nil {
		if v, ok := p.intValue(n, "model.branches.number_of_branches"); ok {
			if v < 1 {
				p.fail("model.branches.number_of_branches", KindRange, "must be >= 1, got %d", v)
			} else {
				p.cfg.Model.Branches.NumberOfBranches = v
				p.branchesOK = true
			}
		}
	}

	fc, ok := p.section(b, "model.branches", "fc", "neurons", "dropouts")
	if !ok {
		return
	}
	if n := p.required(fc, "model.branches.fc", "neurons"); n != nil {
		const at = "model.branches.fc.neurons"
		if widths, ok := p.intList(n, at); ok {
			p.neuronsOK = true
			if len(widths) == 0 {
				p.fail(at, KindRange, "at least one layer is required")
				p.neuronsOK = false
			}
			for i, w := range widths {
				if w <= 0 {
					p.fail(index(at, i), KindRange, "layer width must be > 0, got %d", w)
					p.neuronsOK = false
				}
			}
			p.cfg.Model.Branches.Neurons = widths
		}
	}
	if n := p.required(fc, "model.branches.fc", "dropouts"); n != nil {
		const at = "model.branches.fc.dropouts"
		if rates, ok := p.floatList(n, at); ok {
			p.dropoutsOK = true
			for i, r := range rates {
				if !isProbability(r) {
					p.fail(index(at, i), KindRange, "dropout must be in [0,1], got %g", r)
					p.dropoutsOK = false
				}
			}
			p.cfg.Model.Branches.Dropouts = rates
		}
	}
	if p.neuronsOK && p.dropoutsOK && len(p.cfg.Model.Branches.Neurons) != len(p.cfg.Model.Branches.Dropouts) {
		p.fail("model.branches.fc.dropouts", KindCrossFieldInvariant, "has %d entries but neurons has %d",
			len(p.cfg.Model.Branches.Dropouts), len(p.cfg.Model.Branches.Neurons))
	}
}

func (p *parser) parseTargets(n *yaml.Node, path string) {
	names, ok := p.stringList(n, path)
	if !ok {
		return
	}
	p.targetsOK = true
	if len(names) == 0 {
		p.fail(path, KindRange, "at least one target is required")
		p.targetsOK = false
	}
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		switch {
		case strings.TrimSpace(name) == "":
			p.fail(index(path, i), KindRange, "target name must not be empty")
			p.targetsOK = false
		case seen[name]:
			p.fail(index(path, i), KindCrossFieldInvariant, "duplicate target %q", name)
			p.targetsOK = false
		}
		seen[name] = true
	}
	p.cfg.Model.Targets = names
}

func (p *parser) parseOptimizer(root map[string]*yaml.Node) {
	const path = "optimizer"
	m, ok := p.section(root, "", "optimizer",
		"learning_rate", "learning_rate_decay_interval", "learning_rate_threshold",
		"learning_rate_decay_level", "learning_rate_floor")
	if !ok {
		return
	}
	opt := &p.cfg.Optimizer

	if n := p.required(m, path, "learning_rate"); n != nil {
		if v, ok := p.floatValue(n, "optimizer.learning_rate"); ok {
			if !(v > 0) || math.IsInf(v, 0) {
				p.fail("optimizer.learning_rate", KindRange, "must be a finite value > 0, got %g", v)
			} else {
				opt.LearningRate = v
				p.rateOK = true
			}
		}
	}
	if n := p.required(m, path, "learning_rate_decay_interval"); n != nil {
		if v, ok := p.intValue(n, "optimizer.learning_rate_decay_interval"); ok {
			if v <= 0 {
				p.fail("optimizer.learning_rate_decay_interval", KindRange, "must be > 0, got %d", v)
			}
			opt.DecayInterval = v
		}
	}
	if n := p.required(m, path, "learning_rate_threshold"); n != nil {
		if v, ok := p.intValue(n, "optimizer.learning_rate_threshold"); ok {
			if v <= 0 {
				p.fail("optimizer.learning_rate_threshold", KindRange, "must be > 0, got %d", v)
			}
			opt.Threshold = v
		}
	}
	if n := p.required(m, path, "learning_rate_decay_level"); n != nil {
		if v, ok := p.floatValue(n, "optimizer.learning_rate_decay_level"); ok {
			if !(v > 0 && v < 1) {
				p.fail("optimizer.learning_rate_decay_level", KindRange, "must be in (0,1), got %g", v)
			}
			opt.DecayLevel = v
		}
	}
	p.floorOK = true
	if n := optional(m, "learning_rate_floor"); n != nil {
		v, ok := p.floatValue(n, "optimizer.learning_rate_floor")
		switch {
		case !ok:
			p.floorOK = false
		case !(v >= 0) || math.IsInf(v, 0):
			p.fail("optimizer.learning_rate_floor", KindRange, "must be a finite value >= 0, got %g", v)
			p.floorOK = false
		default:
			opt.Floor = v
		}
	}
	if p.rateOK && p.floorOK && opt.Floor > opt.LearningRate {
		p.fail("optimizer.learning_rate_floor", KindCrossFieldInvariant, "floor %g exceeds learning_rate %g", opt.Floor, opt.LearningRate)
	}
}

func (p *parser) parseLoss(root map[string]*yaml.Node) {
	const path = "loss"
	m, ok := p.section(root, "", "loss", "branch_loss_weight", "loss_function", "variable_weight")
	if !ok {
		return
	}
	policy := &p.cfg.Loss

	if n := p.required(m, path, "branch_loss_weight"); n != nil {
		const at = "loss.branch_loss_weight"
		if weights, ok := p.floatList(n, at); ok {
			for i, w := range weights {
				if !isProbability(w) {
					p.fail(index(at, i), KindRange, "weight must be in [0,1], got %g", w)
				}
			}
			policy.BranchLossWeight = weights
			if branches := p.cfg.Model.Branches.NumberOfBranches; p.branchesOK && len(weights) != branches+1 {
				p.fail(at, KindCrossFieldInvariant, "has %d entries, want number_of_branches+1 = %d", len(weights), branches+1)
			}
		}
	}
	if n := p.required(m, path, "loss_function"); n != nil {
		if tag, ok := p.stringValue(n, "loss.loss_function"); ok {
			name, _, err := loss.GetMetric(tag)
			if err != nil {
				p.fail("loss.loss_function", KindUnknownEnumValue, "unregistered loss function %q (registered: %s)", tag, strings.Join(loss.ListMetrics(), ", "))
			} else {
				policy.LossFunction = name
			}
		}
	}
	if n := p.required(m, path, "variable_weight"); n != nil {
		if weights, ok := p.variableWeights(n, "loss.variable_weight"); ok {
			policy.VariableWeight = weights
			p.checkVariableTargets(weights)
		}
	}
}

func (p *parser) variableWeights(n *yaml.Node, path string) (map[string]float64, bool) {
	if n.Kind != yaml.MappingNode {
		p.fail(path, KindTypeMismatch, "expected a mapping, got %s", describe(n))
		return nil, false
	}
	weights := make(map[string]float64, len(n.Content)/2)
	ok := true
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		at := join(path, key.Value)
		if key.Kind != yaml.ScalarNode || key.ShortTag() != "!!str" {
			p.fail(at, KindTypeMismatch, "variable name must be a string, got %s", describe(key))
			ok = false
			continue
		}
		if _, dup := weights[key.Value]; dup {
			p.fail(at, KindSyntax, "duplicate key")
			ok = false
			continue
		}
		v, good := p.floatValue(resolve(n.Content[i+1]), at)
		if !good {
			ok = false
			continue
		}
		if !(v >= 0) || math.IsInf(v, 0) {
			p.fail(at, KindRange, "weight must be a finite value >= 0, got %g", v)
			ok = false
			continue
		}
		weights[key.Value] = v
	}
	return weights, ok
}

// checkVariableTargets compares variable_weight against the declared
// targets, or the architecture's targets when none are declared. Declared
// targets are filled in so the validated config is always explicit.
func (p *parser) checkVariableTargets(weights map[string]float64) {
	var targets []string
	switch {
	case p.targetsGiven && p.targetsOK:
		targets = p.cfg.Model.Targets
	case !p.targetsGiven && p.arch != nil:
		targets = append([]string(nil), p.arch.Targets...)
		p.cfg.Model.Targets = targets
	default:
		return
	}

	declared := make(map[string]bool, len(targets))
	var missing, extra []string
	for _, t := range targets {
		declared[t] = true
		if _, ok := weights[t]; !ok {
			missing = append(missing, t)
		}
	}
	for name := range weights {
		if !declared[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	if len(missing) > 0 || len(extra) > 0 {
		var parts []string
		if len(missing) > 0 {
			parts = append(parts, "missing "+strings.Join(missing, ", "))
		}
		if len(extra) > 0 {
			parts = append(parts, "unexpected "+strings.Join(extra, ", "))
		}
		p.fail("loss.variable_weight", KindCrossFieldInvariant, "keys must equal targets [%s]: %s",
			strings.Join(targets, ", "), strings.Join(parts, "; "))
		return
	}

	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1) > weightSumTolerance {
		p.warn("variable weights do not sum to 1", zap.Float64("sum", sum))
	}
}

func (p *parser) parseSimulation(root map[string]*yaml.Node) {
	const path = "simulation"
	m, ok := p.section(root, "", "simulation", "image_cut", "use_oracle", "use_full_oracle", "avoid_stopping")
	if !ok {
		return
	}
	sim := &p.cfg.Simulation

	if n := p.required(m, path, "image_cut"); n != nil {
		const at = "simulation.image_cut"
		if cut, ok := p.intList(n, at); ok {
			if len(cut) != 2 {
				p.fail(at, KindTypeMismatch, "expected a [top, bottom] pair, got %d values", len(cut))
			} else {
				sim.ImageCut = [2]int{cut[0], cut[1]}
				switch {
				case cut[0] < 0:
					p.fail(index(at, 0), KindRange, "top must be >= 0, got %d", cut[0])
				case cut[0] >= cut[1]:
					p.fail(at, KindCrossFieldInvariant, "top %d must be less than bottom %d", cut[0], cut[1])
				}
			}
		}
	}
	if n := optional(m, "use_oracle"); n != nil {
		sim.UseOracle, _ = p.boolValue(n, "simulation.use_oracle")
	}
	if n := optional(m, "use_full_oracle"); n != nil {
		sim.UseFullOracle, _ = p.boolValue(n, "simulation.use_full_oracle")
	}
	if n := optional(m, "avoid_stopping"); n != nil {
		sim.AvoidStopping, _ = p.boolValue(n, "simulation.avoid_stopping")
	}
	if sim.UseFullOracle && !sim.UseOracle {
		p.warn("use_full_oracle is set without use_oracle")
	}
}

// section fetches a required mapping under parent and indexes its known
// keys. It reports false when the section is absent or malformed, in which
// case its children are not inspected.
func (p *parser) section(parent map[string]*yaml.Node, parentPath, key string, known ...string) (map[string]*yaml.Node, bool) {
	n := p.required(parent, parentPath, key)
	if n == nil {
		return nil, false
	}
	return p.mapping(n, join(parentPath, key), known...)
}

func (p *parser) mapping(n *yaml.Node, path string, known ...string) (map[string]*yaml.Node, bool) {
	if n.Kind != yaml.MappingNode {
		p.fail(path, KindTypeMismatch, "expected a mapping, got %s", describe(n))
		return nil, false
	}
	allowed := make(map[string]bool, len(known))
	for _, k := range known {
		allowed[k] = true
	}
	out := make(map[string]*yaml.Node, len(known))
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := resolve(n.Content[i])
		at := join(path, key.Value)
		switch {
		case key.Kind != yaml.ScalarNode:
			p.fail(path, KindTypeMismatch, "mapping keys must be scalars, got %s", describe(key))
		case !allowed[key.Value]:
			p.unknown(at)
		case out[key.Value] != nil:
			p.fail(at, KindSyntax, "duplicate key")
		default:
			out[key.Value] = n.Content[i+1]
		}
	}
	return out, true
}

func (p *parser) unknown(path string) {
	if p.opts.allowUnknown {
		p.warn("ignoring unknown configuration key", zap.String("key", path))
		return
	}
	p.fail(path, KindUnknownKey, "unknown key")
}

func (p *parser) required(m map[string]*yaml.Node, path, key string) *yaml.Node {
	n := resolve(m[key])
	if isNull(n) {
		p.fail(join(path, key), KindMissingKey, "required key is missing")
		return nil
	}
	return n
}

func optional(m map[string]*yaml.Node, key string) *yaml.Node {
	n := resolve(m[key])
	if isNull(n) {
		return nil
	}
	return n
}

func (p *parser) scalar(n *yaml.Node, path, want string, tags ...string) bool {
	if n.Kind == yaml.ScalarNode {
		tag := n.ShortTag()
		for _, t := range tags {
			if tag == t {
				return true
			}
		}
	}
	p.fail(path, KindTypeMismatch, "expected %s, got %s", want, describe(n))
	return false
}

func (p *parser) intValue(n *yaml.Node, path string) (int, bool) {
	if !p.scalar(n, path, "an integer", "!!int") {
		return 0, false
	}
	var v int
	if err := n.Decode(&v); err != nil {
		p.fail(path, KindTypeMismatch, "expected an integer: %v", err)
		return 0, false
	}
	return v, true
}

func (p *parser) floatValue(n *yaml.Node, path string) (float64, bool) {
	if !p.scalar(n, path, "a number", "!!int", "!!float") {
		return 0, false
	}
	var v float64
	if err := n.Decode(&v); err != nil {
		p.fail(path, KindTypeMismatch, "expected a number: %v", err)
		return 0, false
	}
	return v, true
}

func (p *parser) boolValue(n *yaml.Node, path string) (bool, bool) {
	if !p.scalar(n, path, "a boolean", "!!bool") {
		return false, false
	}
	var v bool
	if err := n.Decode(&v); err != nil {
		p.fail(path, KindTypeMismatch, "expected a boolean: %v", err)
		return false, false
	}
	return v, true
}

func (p *parser) stringValue(n *yaml.Node, path string) (string, bool) {
	if !p.scalar(n, path, "a string", "!!str") {
		return "", false
	}
	return n.Value, true
}

func (p *parser) sequence(n *yaml.Node, path string) ([]*yaml.Node, bool) {
	if n.Kind != yaml.SequenceNode {
		p.fail(path, KindTypeMismatch, "expected a sequence, got %s", describe(n))
		return nil, false
	}
	items := make([]*yaml.Node, len(n.Content))
	for i, c := range n.Content {
		items[i] = resolve(c)
	}
	return items, true
}

func (p *parser) intList(n *yaml.Node, path string) ([]int, bool) {
	items, ok := p.sequence(n, path)
	if !ok {
		return nil, false
	}
	out := make([]int, len(items))
	for i, item := range items {
		v, good := p.intValue(item, index(path, i))
		ok = ok && good
		out[i] = v
	}
	return out, ok
}

func (p *parser) floatList(n *yaml.Node, path string) ([]float64, bool) {
	items, ok := p.sequence(n, path)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(items))
	for i, item := range items {
		v, good := p.floatValue(item, index(path, i))
		ok = ok && good
		out[i] = v
	}
	return out, ok
}

func (p *parser) stringList(n *yaml.Node, path string) ([]string, bool) {
	items, ok := p.sequence(n, path)
	if !ok {
		return nil, false
	}
	out := make([]string, len(items))
	for i, item := range items {
		v, good := p.stringValue(item, index(path, i))
		ok = ok && good
		out[i] = v
	}
	return out, ok
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

func isProbability(v float64) bool {
	return v >= 0 && v <= 1
}

func describe(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "a mapping"
	case yaml.SequenceNode:
		return "a sequence"
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!int":
			return "integer " + n.Value
		case "!!float":
			return "float " + n.Value
		case "!!bool":
			return "boolean " + n.Value
		case "!!str":
			return fmt.Sprintf("string %q", n.Value)
		case "!!null":
			return "null"
		}
	}
	return fmt.Sprintf("%q", n.Value)
}

func join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
