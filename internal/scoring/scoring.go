// Package scoring turns model probabilities into risk bands.
package scoring

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/modelstore"
)

// Risk band names shared by both schemes.
const (
	BandVeryLow  = "Very Low"
	BandLow      = "Low"
	BandMedium   = "Medium"
	BandHigh     = "High"
	BandCritical = "Critical"
)

// EnsembleMean3 averages all three classifier probabilities. This is the
// lifecycle and risk-summary ensemble.
func EnsembleMean3(pLinear, pTree, pNN float64) float64 {
	return (pLinear + pTree + pNN) / 3
}

// EnsembleMean2 averages the linear and tree probabilities only. Batch
// scoring keeps this older two-model ensemble; single scoring uses the
// three-way mean.
func EnsembleMean2(pLinear, pTree float64) float64 {
	return (pLinear + pTree) / 2
}

// LifecycleBand maps a probability onto the three-band operational scheme.
// Thresholds are strict, so exactly 0.7 is Medium and exactly 0.4 is Low.
func LifecycleBand(p float64) string {
	switch {
	case p > 0.7:
		return BandHigh
	case p > 0.4:
		return BandMedium
	default:
		return BandLow
	}
}

// LabBand maps a probability onto the five-band analyst scheme used by the
// ad-hoc scoring endpoints.
func LabBand(p float64) string {
	switch {
	case p < 0.2:
		return BandVeryLow
	case p < 0.4:
		return BandLow
	case p < 0.6:
		return BandMedium
	case p < 0.8:
		return BandHigh
	default:
		return BandCritical
	}
}

// Result is one engine scoring outcome.
type Result struct {
	PLinear  float64
	PTree    float64
	PNN      float64
	Ensemble float64
	RiskBand string
	ModelVer int
	Features domain.FeatureVector
	TopN     []domain.FeatureValue
}

// topFeatureCount is how many attribution entries lifecycle scoring
// carries into the risk summary.
const topFeatureCount = 3

// Engine scores feature vectors against a tenant's active model.
type Engine struct {
	store *modelstore.Store
}

// NewEngine creates a scoring engine backed by the model store.
func NewEngine(store *modelstore.Store) *Engine {
	return &Engine{store: store}
}

// Score runs the three classifiers over one feature vector with the 3-way
// ensemble and the lifecycle band scheme.
func (e *Engine) Score(ctx context.Context, tenantID string, features domain.FeatureVector) (*Result, error) {
	mv, bundle, err := e.store.Active(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	res := score3(bundle, mv.Version, features)
	res.TopN = bundle.Attribution(features, topFeatureCount)
	return res, nil
}

// ScoreLab is the analyst path: 3-way ensemble, five-band scheme, and
// linear attribution for the top contributing features.
func (e *Engine) ScoreLab(ctx context.Context, tenantID string, features domain.FeatureVector, topN int) (*Result, error) {
	mv, bundle, err := e.store.Active(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	res := score3(bundle, mv.Version, features)
	res.RiskBand = LabBand(res.Ensemble)
	res.TopN = bundle.Attribution(features, topN)
	return res, nil
}

// ScoreBatch scores many rows with the two-model linear+tree ensemble and
// the five-band scheme.
func (e *Engine) ScoreBatch(ctx context.Context, tenantID string, rows []domain.FeatureVector) ([]*Result, error) {
	mv, bundle, err := e.store.Active(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(rows))
	for _, features := range rows {
		pLinear, pTree, pNN := bundle.Score(features)
		p := EnsembleMean2(pLinear, pTree)
		results = append(results, &Result{
			PLinear:  pLinear,
			PTree:    pTree,
			PNN:      pNN,
			Ensemble: p,
			RiskBand: LabBand(p),
			ModelVer: mv.Version,
			Features: features,
		})
	}
	return results, nil
}

// Baseline exposes the active model's training-time feature statistics.
func (e *Engine) Baseline(ctx context.Context, tenantID string) (*domain.BaselineStats, error) {
	mv, bundle, err := e.store.Active(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if bundle.Baseline != nil {
		return bundle.Baseline, nil
	}
	// Fall back to the registry mirror when the file predates it
	if mv.Baseline != nil {
		return mv.Baseline, nil
	}
	return nil, fmt.Errorf("no baseline stats for tenant %q v%d", tenantID, mv.Version)
}

func score3(bundle *ml.Bundle, version int, features domain.FeatureVector) *Result {
	pLinear, pTree, pNN := bundle.Score(features)
	p := EnsembleMean3(pLinear, pTree, pNN)
	return &Result{
		PLinear:  pLinear,
		PTree:    pTree,
		PNN:      pNN,
		Ensemble: p,
		RiskBand: LifecycleBand(p),
		ModelVer: version,
		Features: features,
	}
}
