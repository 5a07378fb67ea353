// Package modelstore manages the per-tenant versioned model registry and
// its on-disk artifacts.
package modelstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ml"
)

// Store registers trained model versions and serves loaded bundles for
// scoring. Loaded bundles are cached per tenant and invalidated whenever a
// new version activates.
type Store struct {
	repo   domain.Repository
	root   string
	logger *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*loadedModel
}

type loadedModel struct {
	version *domain.ModelVersion
	bundle  *ml.Bundle
}

// New creates a model store rooted at the given artifact directory.
func New(repo domain.Repository, artifactRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:   repo,
		root:   artifactRoot,
		logger: logger,
		loaded: make(map[string]*loadedModel),
	}
}

// VersionDir returns the artifact directory for one tenant version.
func (s *Store) VersionDir(tenantID string, version int) string {
	return filepath.Join(s.root, tenantID, fmt.Sprintf("v%d", version))
}

// NextVersion allocates the tenant's next version number.
func (s *Store) NextVersion(ctx context.Context, tenantID string) (int, error) {
	return s.repo.NextModelVersion(ctx, tenantID)
}

// Register persists the bundle's artifacts and records the version row.
// With activate set, every previous version is deactivated first and the
// tenant's loaded-model cache entry is dropped.
func (s *Store) Register(ctx context.Context, tenantID string, version int, bundle *ml.Bundle, metrics domain.TrainMetrics, activate bool) (*domain.ModelVersion, error) {
	dir := s.VersionDir(tenantID, version)
	if err := ml.WriteArtifacts(dir, bundle); err != nil {
		return nil, fmt.Errorf("failed to write artifacts for v%d: %w", version, err)
	}

	if activate {
		if err := s.repo.DeactivateModelVersions(ctx, tenantID); err != nil {
			return nil, fmt.Errorf("failed to deactivate previous versions: %w", err)
		}
	}

	mv := &domain.ModelVersion{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Version:   version,
		IsActive:  activate,
		LogregAUC: metrics.LogregAUC,
		TreeAUC:   metrics.TreeAUC,
		NNAUC:     metrics.NNAUC,
		Baseline:  bundle.Baseline,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.SaveModelVersion(ctx, tenantID, mv); err != nil {
		return nil, fmt.Errorf("failed to register version %d: %w", version, err)
	}

	if activate {
		s.invalidate(tenantID)
	}

	s.logger.Info("model version registered",
		"tenant_id", tenantID,
		"version", version,
		"active", activate,
		"logreg_auc", metrics.LogregAUC,
		"tree_auc", metrics.TreeAUC,
		"nn_auc", metrics.NNAUC,
	)
	return mv, nil
}

// Active resolves the tenant's active version and its loaded bundle. Zero
// active rows surfaces as ErrNoActiveModel; more than one is tolerated by
// taking the most recently created row, with the anomaly logged.
func (s *Store) Active(ctx context.Context, tenantID string) (*domain.ModelVersion, *ml.Bundle, error) {
	s.mu.RLock()
	if lm, ok := s.loaded[tenantID]; ok {
		s.mu.RUnlock()
		return lm.version, lm.bundle, nil
	}
	s.mu.RUnlock()

	active, err := s.repo.ActiveModelVersions(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query active versions: %w", err)
	}
	if len(active) == 0 {
		return nil, nil, &domain.ModelStateError{TenantID: tenantID, Err: domain.ErrNoActiveModel}
	}
	if len(active) > 1 {
		s.logger.Warn("active-version invariant broken, using most recent",
			"tenant_id", tenantID,
			"active_count", len(active),
		)
	}
	mv := active[0] // rows come back newest first

	bundle, err := ml.LoadArtifacts(s.VersionDir(tenantID, mv.Version))
	if err != nil {
		return nil, nil, &domain.ModelStateError{TenantID: tenantID, Version: mv.Version, Err: err}
	}

	// Recover baseline stats from the registry mirror when the artifact
	// file is missing
	if bundle.Baseline == nil && mv.Baseline != nil {
		bundle.Baseline = mv.Baseline
		s.logger.Warn("baseline stats recovered from registry mirror",
			"tenant_id", tenantID,
			"version", mv.Version,
		)
	}

	s.mu.Lock()
	s.loaded[tenantID] = &loadedModel{version: mv, bundle: bundle}
	s.mu.Unlock()

	return mv, bundle, nil
}

// List returns the tenant's full version history, newest first.
func (s *Store) List(ctx context.Context, tenantID string) ([]*domain.ModelVersion, error) {
	return s.repo.ListModelVersions(ctx, tenantID)
}

func (s *Store) invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.loaded, tenantID)
	s.mu.Unlock()
}

// InvariantReport is the result of a store health check for one tenant.
type InvariantReport struct {
	TenantID         string `json:"tenantId"`
	VersionCount     int    `json:"versionCount"`
	ActiveCount      int    `json:"activeCount"`
	ArtifactsPresent bool   `json:"artifactsPresent"`
	OK               bool   `json:"ok"`
	Detail           string `json:"detail,omitempty"`
}

// CheckInvariant verifies the tenant has exactly one active version and
// that its artifact directory is loadable.
func (s *Store) CheckInvariant(ctx context.Context, tenantID string) (*InvariantReport, error) {
	versions, err := s.repo.ListModelVersions(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report := &InvariantReport{
		TenantID:     tenantID,
		VersionCount: len(versions),
	}
	for _, mv := range versions {
		if mv.IsActive {
			report.ActiveCount++
		}
	}

	switch {
	case len(versions) == 0:
		report.OK = true
		report.Detail = "no versions trained yet"
		return report, nil
	case report.ActiveCount != 1:
		serr := &domain.StoreInconsistencyError{TenantID: tenantID, ActiveCount: report.ActiveCount}
		report.Detail = serr.Error()
		return report, nil
	}

	mv := activeOf(versions)
	if _, err := ml.LoadArtifacts(s.VersionDir(tenantID, mv.Version)); err != nil {
		report.Detail = fmt.Sprintf("v%d artifacts unreadable: %v", mv.Version, err)
		return report, nil
	}

	report.ArtifactsPresent = true
	report.OK = true
	return report, nil
}

func activeOf(versions []*domain.ModelVersion) *domain.ModelVersion {
	for _, mv := range versions {
		if mv.IsActive {
			return mv
		}
	}
	return nil
}

// RemoveArtifacts deletes a version's artifact directory. Used to back out
// of a failed registration.
func (s *Store) RemoveArtifacts(tenantID string, version int) error {
	return os.RemoveAll(s.VersionDir(tenantID, version))
}
