package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"coiltrain/internal/model"
)

// The document* types fix key names and order for Marshal. Load does not
// decode through them; it walks the node tree so it can report every
// issue.
type document struct {
	Model      documentModel      `yaml:"model"`
	Optimizer  documentOptimizer  `yaml:"optimizer"`
	Loss       documentLoss       `yaml:"loss"`
	Simulation documentSimulation `yaml:"simulation"`
}

type documentModel struct {
	ModelType  string           `yaml:"model_type"`
	PreTrained bool             `yaml:"pre_trained"`
	Targets    []string         `yaml:"targets,flow,omitempty"`
	Branches   documentBranches `yaml:"branches"`
}

type documentBranches struct {
	NumberOfBranches int        `yaml:"number_of_branches"`
	FC               documentFC `yaml:"fc"`
}

type documentFC struct {
	Neurons  []int     `yaml:"neurons,flow"`
	Dropouts []float64 `yaml:"dropouts,flow"`
}

type documentOptimizer struct {
	LearningRate  float64 `yaml:"learning_rate"`
	DecayInterval int     `yaml:"learning_rate_decay_interval"`
	Threshold     int     `yaml:"learning_rate_threshold"`
	DecayLevel    float64 `yaml:"learning_rate_decay_level"`
	Floor         float64 `yaml:"learning_rate_floor,omitempty"`
}

type documentLoss struct {
	BranchLossWeight []float64          `yaml:"branch_loss_weight,flow"`
	LossFunction     string             `yaml:"loss_function"`
	VariableWeight   map[string]float64 `yaml:"variable_weight,flow"`
}

type documentSimulation struct {
	ImageCut      [2]int `yaml:"image_cut,flow"`
	UseOracle     bool   `yaml:"use_oracle"`
	UseFullOracle bool   `yaml:"use_full_oracle"`
	AvoidStopping bool   `yaml:"avoid_stopping"`
}

// Marshal writes cfg in the document layout Load reads. Loading the output
// of Marshal yields cfg again for any configuration Load accepted.
func Marshal(cfg model.Config) ([]byte, error) {
	doc := document{
		Model: documentModel{
			ModelType:  cfg.Model.ModelType,
			PreTrained: cfg.Model.PreTrained,
			Targets:    cfg.Model.Targets,
			Branches: documentBranches{
				NumberOfBranches: cfg.Model.Branches.NumberOfBranches,
				FC: documentFC{
					Neurons:  cfg.Model.Branches.Neurons,
					Dropouts: cfg.Model.Branches.Dropouts,
				},
			},
		},
		Optimizer: documentOptimizer(cfg.Optimizer),
		Loss: documentLoss{
			BranchLossWeight: cfg.Loss.BranchLossWeight,
			LossFunction:     cfg.Loss.LossFunction,
			VariableWeight:   cfg.Loss.VariableWeight,
		},
		Simulation: documentSimulation(cfg.Simulation),
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return buf.Bytes(), nil
}

// Default returns the reference CoIL configuration: four command branches
// over the coil-icra backbone with an L1 loss.
func Default() model.Config {
	return model.Config{
		Model: model.ModelConfiguration{
			ModelType: "coil-icra",
			Targets:   []string{"Steer", "Gas", "Brake"},
			Branches: model.BranchSpec{
				NumberOfBranches: 4,
				Neurons:          []int{256, 256},
				Dropouts:         []float64{0.0, 0.5},
			},
		},
		Optimizer: model.OptimizerSchedule{
			LearningRate:  0.0002,
			DecayInterval: 50000,
			Threshold:     5000,
			DecayLevel:    0.5,
		},
		Loss: model.LossPolicy{
			BranchLossWeight: []float64{0.95, 0.95, 0.95, 0.95, 0.05},
			LossFunction:     "L1",
			VariableWeight:   map[string]float64{"Steer": 0.5, "Gas": 0.45, "Brake": 0.05},
		},
		Simulation: model.SimulationParams{
			ImageCut: [2]int{90, 485},
		},
	}
}
