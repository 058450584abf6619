package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Config is the validated, immutable training configuration. It is built
// once by the config loader and only read afterwards.
type Config struct {
	Model      ModelConfiguration `json:"model"`
	Optimizer  OptimizerSchedule  `json:"optimizer"`
	Loss       LossPolicy         `json:"loss"`
	Simulation SimulationParams   `json:"simulation"`
}

type ModelConfiguration struct {
	ModelType  string     `json:"model_type"`
	PreTrained bool       `json:"pre_trained"`
	Targets    []string   `json:"targets"`
	Branches   BranchSpec `json:"branches"`
}

// BranchSpec describes the command-conditioned output heads. Every head
// shares the same fully-connected topology.
type BranchSpec struct {
	NumberOfBranches int       `json:"number_of_branches"`
	Neurons          []int     `json:"neurons"`
	Dropouts         []float64 `json:"dropouts"`
}

type OptimizerSchedule struct {
	LearningRate  float64 `json:"learning_rate"`
	DecayInterval int     `json:"learning_rate_decay_interval"`
	Threshold     int     `json:"learning_rate_threshold"`
	DecayLevel    float64 `json:"learning_rate_decay_level"`
	// Floor clamps decayed rates from below. Zero leaves the rate unbounded.
	Floor float64 `json:"learning_rate_floor"`
}

type LossPolicy struct {
	// BranchLossWeight holds one weight per command branch followed by the
	// auxiliary branch weight.
	BranchLossWeight []float64          `json:"branch_loss_weight"`
	LossFunction     string             `json:"loss_function"`
	VariableWeight   map[string]float64 `json:"variable_weight"`
}

type SimulationParams struct {
	ImageCut      [2]int `json:"image_cut"`
	UseOracle     bool   `json:"use_oracle"`
	UseFullOracle bool   `json:"use_full_oracle"`
	AvoidStopping bool   `json:"avoid_stopping"`
}

// ScheduleState is the mutable part of a learning-rate schedule, captured
// for persistence and resume.
type ScheduleState struct {
	VersionedRecord
	Iteration                  int     `json:"iteration"`
	Observed                   bool    `json:"observed"`
	Rate                       float64 `json:"rate"`
	BestLoss                   float64 `json:"best_loss"`
	HasBest                    bool    `json:"has_best"`
	IterationsSinceImprovement int     `json:"iterations_since_improvement"`
	DecayCount                 int     `json:"decay_count"`
}

type DecayTrigger string

const (
	DecayTriggerCadence    DecayTrigger = "cadence"
	DecayTriggerStagnation DecayTrigger = "stagnation"
)

type DecayEvent struct {
	VersionedRecord
	Iteration  int          `json:"iteration"`
	Trigger    DecayTrigger `json:"trigger"`
	RateBefore float64      `json:"rate_before"`
	RateAfter  float64      `json:"rate_after"`
	Loss       float64      `json:"loss"`
}

type RunRecord struct {
	VersionedRecord
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Config    Config    `json:"config"`
}
