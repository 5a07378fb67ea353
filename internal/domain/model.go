package domain

import (
	"time"
)

// ModelVersion is one row in the per-tenant version registry. Version numbers
// form a per-tenant sequence starting at 1; at most one row per tenant should
// be active at a time (see StoreInconsistencyError for the failure mode).
type ModelVersion struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Version   int       `json:"version"`
	IsActive  bool      `json:"isActive"`
	LogregAUC float64   `json:"logregAuc"`
	TreeAUC   float64   `json:"treeAuc"`
	NNAUC     float64   `json:"nnAuc"`
	CreatedAt time.Time `json:"createdAt"`

	// Baseline stats mirrored from the artifact directory so scoring can
	// recover them when baseline_stats.json is missing.
	Baseline *BaselineStats `json:"baseline,omitempty"`
}

// BaselineStats captures the training dataset's feature distribution and
// positive-label rate, persisted alongside the model artifacts.
type BaselineStats struct {
	FeatureMeans map[string]float64 `json:"feature_means"`
	FeatureStds  map[string]float64 `json:"feature_stds"`
	TargetRate   float64            `json:"target_rate"`
}

// TrainMetrics is the held-out discrimination result of one training run.
type TrainMetrics struct {
	LogregAUC float64 `json:"logregAuc"`
	TreeAUC   float64 `json:"treeAuc"`
	NNAUC     float64 `json:"nnAuc"`
}

// TrainRequest is the bus payload asking the worker to run a training job.
type TrainRequest struct {
	TenantID   string `json:"tenantId"`
	UploadPath string `json:"uploadPath"`
	Version    int    `json:"version"`
	TraceID    string `json:"traceId,omitempty"`
}

// TrainCompleted is published after a training run registers its version.
type TrainCompleted struct {
	TenantID string       `json:"tenantId"`
	Version  int          `json:"version"`
	Metrics  TrainMetrics `json:"metrics"`
	Error    string       `json:"error,omitempty"`
}
