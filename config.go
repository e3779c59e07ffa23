// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package ngp

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// UpdatePolicy selects how a passing stochastic draw combines the stored
// cell density with a freshly measured one.
type UpdatePolicy string

const (
	// PolicyMax keeps max(old, new). Confirmed density never shrinks
	// through an update, only through decay.
	PolicyMax UpdatePolicy = "max"

	// PolicyOverwrite replaces the stored value with the new estimate.
	PolicyOverwrite UpdatePolicy = "overwrite"
)

// OptimizerKind selects the parameter update rule used by the trainer.
type OptimizerKind string

const (
	// OptimizerAdam is bias-corrected Adam.
	OptimizerAdam OptimizerKind = "adam"

	// OptimizerLion is the sign-momentum Lion rule.
	OptimizerLion OptimizerKind = "lion"
)

// Configuration limits.
const (
	MaxGridLevels     = 8
	MaxGridResolution = 1024
	maxConfigFileSize = 1 * 1024 * 1024
)

// GridConfig configures the occupancy grid.
type GridConfig struct {
	// Levels is the number of cascades. Level l covers a cube of edge
	// BaseSize·2^l centred at Center.
	Levels int `json:"levels"`

	// Resolution is the number of cells per axis for every level.
	// Must be a power of two.
	Resolution int `json:"resolution"`

	// Center is the centre of every cascade. A zero value means (0.5, 0.5, 0.5).
	Center   Vec3    `json:"center"`
	BaseSize float64 `json:"base_size"`

	// Threshold is the density above which a cell counts as occupied.
	// Defaults to an optical thickness of 0.01 over the minimum step.
	// Zero takes the default; use math.SmallestNonzeroFloat64 for a grid
	// where any positive density is occupied.
	Threshold float64 `json:"threshold"`

	// Decay multiplies every density estimate before a refresh batch.
	Decay float64 `json:"decay"`

	// SelectionThreshold is the probability that a visited cell accepts
	// its new density estimate.
	SelectionThreshold float64 `json:"selection_threshold"`

	// InitSigma is the starting density of every cell. Values above
	// Threshold start the grid fully occupied. Zero takes the default
	// 2·Threshold; any positive value not above Threshold starts it empty.
	InitSigma float64 `json:"init_sigma"`

	Policy UpdatePolicy `json:"policy"`
}

// MarchConfig configures ray marching and compositing.
type MarchConfig struct {
	// MinStep is the smallest step length. Defaults to √3·BaseSize/512.
	MinStep float64 `json:"min_step"`

	// MaxStep caps the adaptive step. Defaults to MinStep·2^(Levels-1)·8.
	MaxStep float64 `json:"max_step"`

	// ConeAngle grows the step with distance: dt = t·ConeAngle, clamped to
	// [MinStep, MaxStep]. Zero gives uniform steps.
	ConeAngle float64 `json:"cone_angle"`

	// StepsPerRound bounds the samples a ray emits in one round.
	StepsPerRound int `json:"steps_per_round"`

	// MaxSteps terminates rays that marched this many samples.
	MaxSteps int `json:"max_steps"`

	// MinTransmittance terminates a ray once its transmittance falls
	// below it (opacity above 1-MinTransmittance).
	MinTransmittance float64 `json:"min_transmittance"`

	// MaxRounds is the default round cap for a render request.
	MaxRounds int `json:"max_rounds"`

	// MaxRays is the renderer workspace capacity in rays. Larger frames
	// are rendered in sub-batches of MaxRays pixels.
	MaxRays int `json:"max_rays"`

	// Background is composited behind the remaining transmittance.
	Background Vec3 `json:"background"`
}

// OptimizerConfig configures the parameter update rule.
type OptimizerConfig struct {
	Kind         OptimizerKind `json:"kind"`
	LearningRate float64       `json:"learning_rate"`
	Beta1        float64       `json:"beta1"`
	Beta2        float64       `json:"beta2"`
	Epsilon      float64       `json:"epsilon"`
	WeightDecay  float64       `json:"weight_decay"`

	// GradClip rescales gradients whose L2 norm exceeds it. Zero disables.
	GradClip float64 `json:"grad_clip"`
}

// TrainConfig configures the training pipeline.
type TrainConfig struct {
	BatchRays int `json:"batch_rays"`

	// MaxSamplesPerRay is the per-ray sample capacity. It must hold a ray
	// crossing the whole grid (see Config.SamplesToCross), which is also
	// the default.
	MaxSamplesPerRay int `json:"max_samples_per_ray"`

	// RefreshEvery runs a grid refresh every that many steps. Negative
	// disables automatic refreshes.
	RefreshEvery int `json:"refresh_every"`

	// RefreshSamples is the number of cells visited per level per refresh.
	RefreshSamples int `json:"refresh_samples"`

	Seed      int64           `json:"seed"`
	Optimizer OptimizerConfig `json:"optimizer"`
}

// Config is the complete pipeline configuration.
type Config struct {
	Grid  GridConfig  `json:"grid"`
	March MarchConfig `json:"march"`
	Train TrainConfig `json:"train"`

	// Workers is the worker pool size. Zero or negative means GOMAXPROCS.
	Workers int `json:"workers"`

	// WorkspaceMB is the byte budget for each pipeline workspace.
	WorkspaceMB int `json:"workspace_mb"`
}

// DefaultConfig returns a configuration suited to a unit-cube scene.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c with every zero field replaced by its
// default. Derived defaults (threshold, step sizes) are computed from the
// already defaulted fields.
func (c Config) WithDefaults() Config {
	g := &c.Grid
	if g.Levels == 0 {
		g.Levels = 1
	}
	if g.Resolution == 0 {
		g.Resolution = 64
	}
	if g.Center == (Vec3{}) {
		g.Center = Splat(0.5)
	}
	if g.BaseSize == 0 {
		g.BaseSize = 1
	}
	if g.Decay == 0 {
		g.Decay = 0.95
	}
	if g.SelectionThreshold == 0 {
		g.SelectionThreshold = 0.9
	}
	if g.Policy == "" {
		g.Policy = PolicyMax
	}

	m := &c.March
	if m.MinStep == 0 {
		m.MinStep = math.Sqrt(3) * g.BaseSize / 512
	}
	if m.MaxStep == 0 {
		m.MaxStep = m.MinStep * math.Exp2(float64(g.Levels-1)) * 8
	}
	if m.StepsPerRound == 0 {
		m.StepsPerRound = 16
	}
	if m.MaxSteps == 0 {
		m.MaxSteps = 2048
	}
	if m.MinTransmittance == 0 {
		m.MinTransmittance = 1e-4
	}
	if m.MaxRounds == 0 {
		m.MaxRounds = 256
	}
	if m.MaxRays == 0 {
		m.MaxRays = 1 << 16
	}

	if g.Threshold == 0 {
		g.Threshold = 0.01 / m.MinStep
	}
	if g.InitSigma == 0 {
		g.InitSigma = 2 * g.Threshold
	}

	t := &c.Train
	if t.BatchRays == 0 {
		t.BatchRays = 1024
	}
	if t.MaxSamplesPerRay == 0 {
		t.MaxSamplesPerRay = c.SamplesToCross()
	}
	if t.RefreshEvery == 0 {
		t.RefreshEvery = 16
	}
	if t.RefreshSamples == 0 {
		cells := g.Resolution * g.Resolution * g.Resolution
		t.RefreshSamples = max(cells/4, 1)
	}
	if t.Seed == 0 {
		t.Seed = 1
	}

	o := &t.Optimizer
	if o.Kind == "" {
		o.Kind = OptimizerAdam
	}
	if o.LearningRate == 0 {
		if o.Kind == OptimizerLion {
			o.LearningRate = 1e-3
		} else {
			o.LearningRate = 1e-2
		}
	}
	if o.Beta1 == 0 {
		o.Beta1 = 0.9
	}
	if o.Beta2 == 0 {
		o.Beta2 = 0.99
	}
	if o.Epsilon == 0 && o.Kind == OptimizerAdam {
		o.Epsilon = 1e-15
	}

	if c.WorkspaceMB == 0 {
		c.WorkspaceMB = 256
	}
	return c
}

// Validate checks the configuration. The returned error wraps
// ErrConfiguration.
func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if err := c.March.Validate(); err != nil {
		return err
	}
	if err := c.Train.Validate(c.Grid); err != nil {
		return err
	}
	if need := c.SamplesToCross(); c.Train.MaxSamplesPerRay < need {
		return fmt.Errorf("%w: train.max_samples_per_ray %d cannot hold a ray crossing the grid (%d samples)",
			ErrConfiguration, c.Train.MaxSamplesPerRay, need)
	}
	if c.WorkspaceMB < 1 {
		return fmt.Errorf("%w: workspace_mb %d must be positive", ErrConfiguration, c.WorkspaceMB)
	}
	return nil
}

// SamplesToCross returns the most samples one ray can emit: the bounds
// diagonal over MinStep plus the clipped final step, capped at MaxSteps.
// Every step is at least MinStep and skipped space emits nothing.
func (c Config) SamplesToCross() int {
	edge := c.Grid.BaseSize * math.Exp2(float64(c.Grid.Levels-1))
	n := math.Ceil(math.Sqrt(3)*edge/c.March.MinStep) + 1
	if !(n < float64(c.March.MaxSteps)) {
		return c.March.MaxSteps
	}
	return int(n)
}

// Validate checks the grid configuration.
func (g GridConfig) Validate() error {
	switch {
	case g.Levels < 1 || g.Levels > MaxGridLevels:
		return fmt.Errorf("%w: grid.levels %d out of range [1, %d]", ErrConfiguration, g.Levels, MaxGridLevels)
	case g.Resolution < 1 || g.Resolution > MaxGridResolution || g.Resolution&(g.Resolution-1) != 0:
		return fmt.Errorf("%w: grid.resolution %d must be a power of two in [1, %d]",
			ErrConfiguration, g.Resolution, MaxGridResolution)
	case !(g.BaseSize > 0) || math.IsInf(g.BaseSize, 0):
		return fmt.Errorf("%w: grid.base_size %v must be positive and finite", ErrConfiguration, g.BaseSize)
	case !g.Center.IsFinite():
		return fmt.Errorf("%w: grid.center %v must be finite", ErrConfiguration, g.Center)
	case g.Threshold < 0 || math.IsNaN(g.Threshold):
		return fmt.Errorf("%w: grid.threshold %v must be non-negative", ErrConfiguration, g.Threshold)
	case !(g.Decay > 0 && g.Decay <= 1):
		return fmt.Errorf("%w: grid.decay %v must be in (0, 1]", ErrConfiguration, g.Decay)
	case !(g.SelectionThreshold >= 0 && g.SelectionThreshold <= 1):
		return fmt.Errorf("%w: grid.selection_threshold %v must be in [0, 1]", ErrConfiguration, g.SelectionThreshold)
	case g.InitSigma < 0 || !isFinite(g.InitSigma):
		return fmt.Errorf("%w: grid.init_sigma %v must be non-negative and finite", ErrConfiguration, g.InitSigma)
	case g.Policy != PolicyMax && g.Policy != PolicyOverwrite:
		return fmt.Errorf("%w: grid.policy %q must be %q or %q", ErrConfiguration, g.Policy, PolicyMax, PolicyOverwrite)
	}
	return nil
}

// Validate checks the marching configuration.
func (m MarchConfig) Validate() error {
	switch {
	case !(m.MinStep > 0) || math.IsInf(m.MinStep, 0):
		return fmt.Errorf("%w: march.min_step %v must be positive and finite", ErrConfiguration, m.MinStep)
	case !(m.MaxStep >= m.MinStep) || math.IsInf(m.MaxStep, 0):
		return fmt.Errorf("%w: march.max_step %v must be finite and >= min_step %v", ErrConfiguration, m.MaxStep, m.MinStep)
	case m.ConeAngle < 0 || !isFinite(m.ConeAngle):
		return fmt.Errorf("%w: march.cone_angle %v must be non-negative", ErrConfiguration, m.ConeAngle)
	case m.StepsPerRound < 1:
		return fmt.Errorf("%w: march.steps_per_round %d must be positive", ErrConfiguration, m.StepsPerRound)
	case m.MaxSteps < 1:
		return fmt.Errorf("%w: march.max_steps %d must be positive", ErrConfiguration, m.MaxSteps)
	case !(m.MinTransmittance > 0 && m.MinTransmittance < 1):
		return fmt.Errorf("%w: march.min_transmittance %v must be in (0, 1)", ErrConfiguration, m.MinTransmittance)
	case m.MaxRounds < 1:
		return fmt.Errorf("%w: march.max_rounds %d must be positive", ErrConfiguration, m.MaxRounds)
	case m.MaxRays < 1:
		return fmt.Errorf("%w: march.max_rays %d must be positive", ErrConfiguration, m.MaxRays)
	case !m.Background.IsFinite():
		return fmt.Errorf("%w: march.background %v must be finite", ErrConfiguration, m.Background)
	}
	return nil
}

// Validate checks the training configuration against the grid it refreshes.
func (t TrainConfig) Validate(g GridConfig) error {
	cells := g.Resolution * g.Resolution * g.Resolution
	switch {
	case t.BatchRays < 1:
		return fmt.Errorf("%w: train.batch_rays %d must be positive", ErrConfiguration, t.BatchRays)
	case t.MaxSamplesPerRay < 1:
		return fmt.Errorf("%w: train.max_samples_per_ray %d must be positive", ErrConfiguration, t.MaxSamplesPerRay)
	case t.RefreshSamples < 1 || t.RefreshSamples > cells:
		return fmt.Errorf("%w: train.refresh_samples %d out of range [1, %d]", ErrConfiguration, t.RefreshSamples, cells)
	}
	return t.Optimizer.Validate()
}

// Validate checks the optimizer configuration.
func (o OptimizerConfig) Validate() error {
	switch {
	case o.Kind != OptimizerAdam && o.Kind != OptimizerLion:
		return fmt.Errorf("%w: optimizer.kind %q must be %q or %q", ErrConfiguration, o.Kind, OptimizerAdam, OptimizerLion)
	case !(o.LearningRate > 0) || math.IsInf(o.LearningRate, 0):
		return fmt.Errorf("%w: optimizer.learning_rate %v must be positive", ErrConfiguration, o.LearningRate)
	case !(o.Beta1 >= 0 && o.Beta1 < 1):
		return fmt.Errorf("%w: optimizer.beta1 %v must be in [0, 1)", ErrConfiguration, o.Beta1)
	case !(o.Beta2 >= 0 && o.Beta2 < 1):
		return fmt.Errorf("%w: optimizer.beta2 %v must be in [0, 1)", ErrConfiguration, o.Beta2)
	case o.Epsilon < 0 || math.IsNaN(o.Epsilon):
		return fmt.Errorf("%w: optimizer.epsilon %v must be non-negative", ErrConfiguration, o.Epsilon)
	case o.WeightDecay < 0 || math.IsNaN(o.WeightDecay):
		return fmt.Errorf("%w: optimizer.weight_decay %v must be non-negative", ErrConfiguration, o.WeightDecay)
	case o.GradClip < 0 || math.IsNaN(o.GradClip):
		return fmt.Errorf("%w: optimizer.grad_clip %v must be non-negative", ErrConfiguration, o.GradClip)
	}
	return nil
}

// LoadConfig reads a JSON configuration file. Fields absent from the file
// take their defaults. The file must have a .json extension and be at
// most 1 MB.
func LoadConfig(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return Config{}, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return Config{}, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
