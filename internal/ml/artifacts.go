package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Artifact file names inside a version directory.
const (
	ScalerFile    = "scaler.json"
	LinearFile    = "linear_model.json"
	TreeFile      = "tree_model.json"
	NNFile        = "nn_model.json"
	ExplainerFile = "explainer.json"
	BaselineFile  = "baseline_stats.json"
)

// WriteArtifacts persists the bundle into dir. Every file is encoded to a
// temp name first; renames happen only after all encodes succeed, so the
// directory never holds a partial bundle.
func WriteArtifacts(dir string, b *Bundle) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	files := artifactMap(b)
	var staged []string
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}

	for name, payload := range files {
		data, err := json.Marshal(payload)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		tmp := filepath.Join(dir, name+".tmp")
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			cleanup()
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		staged = append(staged, tmp)
	}

	for _, tmp := range staged {
		final := tmp[:len(tmp)-len(".tmp")]
		if err := os.Rename(tmp, final); err != nil {
			cleanup()
			return fmt.Errorf("failed to finalize %s: %w", filepath.Base(final), err)
		}
	}
	return nil
}

// LoadArtifacts reads a bundle back from dir. A missing classifier or
// scaler file surfaces as domain.ErrArtifactMissing so callers can
// distinguish a broken store from an untrained tenant. The explainer and
// baseline files are tolerated missing: versions written before those
// artifacts existed still load, with the fields left nil.
func LoadArtifacts(dir string) (*Bundle, error) {
	b := &Bundle{
		Scaler:   &Scaler{},
		Logistic: &LogisticModel{},
		Forest:   &ForestModel{},
		MLP:      &MLPModel{},
	}

	required := map[string]any{
		ScalerFile: b.Scaler,
		LinearFile: b.Logistic,
		TreeFile:   b.Forest,
		NNFile:     b.MLP,
	}
	for name, payload := range required {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", domain.ErrArtifactMissing, name)
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
	}

	var exp Explainer
	ok, err := loadOptional(dir, ExplainerFile, &exp)
	if err != nil {
		return nil, err
	}
	if ok {
		b.Explainer = &exp
	}

	var baseline domain.BaselineStats
	ok, err = loadOptional(dir, BaselineFile, &baseline)
	if err != nil {
		return nil, err
	}
	if ok {
		b.Baseline = &baseline
	}
	return b, nil
}

func loadOptional(dir, name string, payload any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

func artifactMap(b *Bundle) map[string]any {
	m := map[string]any{
		ScalerFile: b.Scaler,
		LinearFile: b.Logistic,
		TreeFile:   b.Forest,
		NNFile:     b.MLP,
	}
	if b.Explainer != nil {
		m[ExplainerFile] = b.Explainer
	}
	if b.Baseline != nil {
		m[BaselineFile] = b.Baseline
	}
	return m
}
