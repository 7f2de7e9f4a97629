// Package model holds the candidate regressors and the fitted preprocessing pipeline.
package model

import (
	"github.com/mendezjerick/riceforecast/internal/api"
)

// Estimator kinds.
const (
	KindLinear           = "linear"
	KindRidge            = "ridge"
	KindRandomForest     = "random_forest"
	KindGradientBoosting = "gradient_boosting"
)

// Regressor is a single-output regression estimator.
type Regressor interface {
	// Fit trains on the rows of X against y. It may be called once.
	Fit(X [][]float64, y []float64) error
	// Predict returns the estimate for one feature vector.
	Predict(x []float64) float64
	// Kind names the estimator family.
	Kind() string
}

// Spec is an untrained estimator configuration.
type Spec struct {
	Kind         string  `yaml:"kind" json:"kind"`
	Alpha        float64 `yaml:"alpha,omitempty" json:"alpha,omitempty"`
	Trees        int     `yaml:"trees,omitempty" json:"trees,omitempty"`
	MaxDepth     int     `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	MinLeaf      int     `yaml:"min_leaf,omitempty" json:"min_leaf,omitempty"`
	LearningRate float64 `yaml:"learning_rate,omitempty" json:"learning_rate,omitempty"`
	Seed         int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// Candidate is a named estimator configuration competing in training.
type Candidate struct {
	Name string `yaml:"name" json:"name"`
	Spec Spec   `yaml:"spec" json:"spec"`
}

// DefaultCandidates returns the standard competition in declaration order.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: "linear_regression", Spec: Spec{Kind: KindLinear}},
		{Name: "ridge", Spec: Spec{Kind: KindRidge, Alpha: 1.0}},
		{Name: "random_forest", Spec: Spec{Kind: KindRandomForest, Trees: 100, MaxDepth: 6, MinLeaf: 2, Seed: 42}},
		{Name: "gradient_boosting", Spec: Spec{Kind: KindGradientBoosting, Trees: 200, MaxDepth: 3, MinLeaf: 2, LearningRate: 0.05, Seed: 42}},
	}
}

// New returns an untrained estimator for spec.
func New(spec Spec) (Regressor, error) {
	switch spec.Kind {
	case KindLinear:
		return &Linear{}, nil
	case KindRidge:
		if spec.Alpha < 0 {
			return nil, api.Errorf(api.ErrValidation, "ridge alpha %v must be non-negative", spec.Alpha)
		}
		return &Ridge{Alpha: spec.Alpha}, nil
	case KindRandomForest:
		if spec.Trees < 1 {
			return nil, api.Errorf(api.ErrValidation, "random forest needs at least one tree")
		}
		return &RandomForest{params: treeParamsFrom(spec), trees: spec.Trees, seed: spec.Seed}, nil
	case KindGradientBoosting:
		if spec.Trees < 1 || spec.LearningRate <= 0 {
			return nil, api.Errorf(api.ErrValidation, "gradient boosting needs trees >= 1 and a positive learning rate")
		}
		return &GradientBoosting{params: treeParamsFrom(spec), stages: spec.Trees, LearningRate: spec.LearningRate}, nil
	default:
		return nil, api.Errorf(api.ErrValidation, "unknown estimator kind %q", spec.Kind)
	}
}

func treeParamsFrom(spec Spec) treeParams {
	p := treeParams{maxDepth: spec.MaxDepth, minLeaf: spec.MinLeaf}
	if p.maxDepth <= 0 {
		p.maxDepth = 6
	}
	if p.minLeaf <= 0 {
		p.minLeaf = 1
	}
	return p
}
