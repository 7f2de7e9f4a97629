// Package registry persists trained forecasting models as immutable, versioned
// JSON artifacts alongside the per-run metrics record.
//
// Layout under the registry directory:
//
//	models/<version>.json    artifact, written once with mode 0444
//	models/<version>.sha256  hex SHA-256 of the artifact file
//	LATEST                   version of the most recent artifact
//	metrics.json             metrics record of the most recent run
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/conformal"
	"github.com/mendezjerick/riceforecast/internal/features"
	"github.com/mendezjerick/riceforecast/internal/model"
	"github.com/mendezjerick/riceforecast/internal/panel"
	"github.com/mendezjerick/riceforecast/internal/training"
	"github.com/mendezjerick/riceforecast/pkg/canonical"
)

// SchemaVersion is bumped whenever the artifact layout changes incompatibly.
const SchemaVersion = 1

// ErrNoArtifact is returned when the registry holds no trained model yet.
var ErrNoArtifact = errors.New("no trained model artifact")

// Artifact is everything needed to forecast with a trained model.
type Artifact struct {
	SchemaVersion    int                    `json:"schema_version"`
	Version          string                 `json:"version"`
	RunID            string                 `json:"run_id"`
	CreatedAt        time.Time              `json:"created_at"`
	Selected         model.Candidate        `json:"selected"`
	Features         features.Config        `json:"features"`
	Training         training.Config        `json:"training"`
	Pipeline         *model.Pipeline        `json:"pipeline"`
	Evaluations      []training.Evaluation  `json:"evaluations"`
	NaiveHoldoutRMSE float64                `json:"naive_holdout_rmse"`
	TrainRows        int                    `json:"train_rows"`
	HoldoutRows      int                    `json:"holdout_rows"`
	HoldoutStart     panel.Month            `json:"holdout_start"`
	LastObserved     panel.Month            `json:"last_observed"`
	Calibration      *conformal.Calibration `json:"calibration,omitempty"`
	Signature        string                 `json:"signature,omitempty"`
}

// NewArtifact wraps a trained model. The version sorts chronologically.
func NewArtifact(tm *training.TrainedModel, fcfg features.Config, lastObserved panel.Month, now time.Time) *Artifact {
	runID := uuid.New().String()
	now = now.UTC().Truncate(time.Second)
	return &Artifact{
		SchemaVersion:    SchemaVersion,
		Version:          fmt.Sprintf("%s-%s", now.Format("20060102T150405Z"), runID[:8]),
		RunID:            runID,
		CreatedAt:        now,
		Selected:         tm.Selected,
		Features:         fcfg.Normalize(),
		Training:         tm.Config,
		Pipeline:         tm.Pipeline,
		Evaluations:      tm.Evaluations,
		NaiveHoldoutRMSE: tm.NaiveHoldoutRMSE,
		TrainRows:        tm.TrainRows,
		HoldoutRows:      tm.HoldoutRows,
		HoldoutStart:     tm.HoldoutStart,
		LastObserved:     lastObserved,
		Calibration:      tm.Calibration,
	}
}

// MetricsRecord is the reporting summary of the run that produced a.
func (a *Artifact) MetricsRecord() api.MetricsRecord {
	rec := api.MetricsRecord{
		RunID:            a.RunID,
		ModelVersion:     a.Version,
		SelectedModel:    a.Selected.Name,
		TrainedAt:        a.CreatedAt,
		Horizon:          a.Features.Horizon,
		HoldoutMonths:    a.Training.HoldoutMonths,
		CVFolds:          a.Training.Folds,
		TrainRows:        a.TrainRows,
		HoldoutRows:      a.HoldoutRows,
		NaiveHoldoutRMSE: a.NaiveHoldoutRMSE,
		Models:           make(map[string]api.CandidateMetrics, len(a.Evaluations)),
	}
	for _, e := range a.Evaluations {
		rec.Models[e.Candidate.Name] = e.Metrics()
	}
	return rec
}

// payload is the canonical encoding of a with the signature cleared.
func (a *Artifact) payload() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = ""
	return canonical.Bytes(&unsigned)
}

// Entry summarises a stored artifact.
type Entry struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Selected  string    `json:"selected_model"`
	Digest    string    `json:"sha256"`
	Signed    bool      `json:"signed"`
	Latest    bool      `json:"latest"`
}

// Registry is a directory of artifacts.
type Registry struct {
	mu  sync.RWMutex
	dir string
	key []byte
}

// New opens (creating if needed) the registry at dir. A non-empty key signs
// saved artifacts and makes Load reject unsigned or tampered ones.
func New(dir string, key []byte) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dir, "models"), 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{dir: dir, key: key}, nil
}

// Dir returns the registry root.
func (r *Registry) Dir() string { return r.dir }

func (r *Registry) artifactPath(version string) string {
	return filepath.Join(r.dir, "models", version+".json")
}

func (r *Registry) digestPath(version string) string {
	return filepath.Join(r.dir, "models", version+".sha256")
}

// Save writes a as a new read-only artifact and marks it latest.
func (r *Registry) Save(a *Artifact) (Entry, error) {
	if a.Pipeline == nil || !a.Pipeline.Fitted() {
		return Entry{}, api.Errorf(api.ErrValidation, "artifact %s has no fitted pipeline", a.Version)
	}
	if err := validVersion(a.Version); err != nil {
		return Entry{}, err
	}

	payload, err := a.payload()
	if err != nil {
		return Entry{}, err
	}
	a.Signature = ""
	if len(r.key) > 0 {
		a.Signature = canonical.SignHMAC(payload, r.key)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("encode artifact: %w", err)
	}
	digest := canonical.Digest(data)

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.artifactPath(a.Version), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0444) // Read-only
	if err != nil {
		return Entry{}, fmt.Errorf("create artifact %s: %w", a.Version, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(r.artifactPath(a.Version))
		return Entry{}, fmt.Errorf("write artifact %s: %w", a.Version, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(r.artifactPath(a.Version))
		return Entry{}, fmt.Errorf("close artifact %s: %w", a.Version, err)
	}
	// An artifact without its digest is never left behind for List to report.
	if err := os.WriteFile(r.digestPath(a.Version), []byte(digest+"\n"), 0444); err != nil {
		os.Remove(r.artifactPath(a.Version))
		return Entry{}, fmt.Errorf("write digest %s: %w", a.Version, err)
	}
	if err := writeAtomic(filepath.Join(r.dir, "LATEST"), []byte(a.Version+"\n")); err != nil {
		return Entry{}, fmt.Errorf("update LATEST: %w", err)
	}

	return Entry{
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		Selected:  a.Selected.Name,
		Digest:    digest,
		Signed:    a.Signature != "",
		Latest:    true,
	}, nil
}

// Load reads and verifies one artifact. It never returns a partial value.
func (r *Registry) Load(version string) (*Artifact, error) {
	if err := validVersion(version); err != nil {
		return nil, err
	}

	r.mu.RLock()
	data, err := os.ReadFile(r.artifactPath(version))
	if err != nil {
		r.mu.RUnlock()
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: version %s", ErrNoArtifact, version)
		}
		return nil, fmt.Errorf("read artifact %s: %w", version, err)
	}
	want, err := os.ReadFile(r.digestPath(version))
	r.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("read digest %s: %w", version, err)
	}

	if got := canonical.Digest(data); got != strings.TrimSpace(string(want)) {
		return nil, api.Errorf(api.ErrData, "artifact %s digest mismatch", version)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, api.Errorf(api.ErrData, "decode artifact %s: %v", version, err)
	}
	if a.SchemaVersion != SchemaVersion {
		return nil, api.Errorf(api.ErrData, "artifact %s has schema %d, want %d", version, a.SchemaVersion, SchemaVersion)
	}
	if a.Pipeline == nil || !a.Pipeline.Fitted() {
		return nil, api.Errorf(api.ErrData, "artifact %s has no pipeline", version)
	}
	if err := a.Features.Validate(); err != nil {
		return nil, api.Errorf(api.ErrData, "artifact %s feature config: %v", version, err)
	}

	if len(r.key) > 0 {
		if a.Signature == "" {
			return nil, api.Errorf(api.ErrData, "artifact %s is unsigned", version)
		}
		payload, err := a.payload()
		if err != nil {
			return nil, err
		}
		if err := canonical.VerifyHMAC(payload, a.Signature, r.key); err != nil {
			return nil, api.Errorf(api.ErrData, "artifact %s signature: %v", version, err)
		}
	}
	return &a, nil
}

// LatestVersion returns the version recorded in LATEST.
func (r *Registry) LatestVersion() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(r.dir, "LATEST"))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoArtifact
	}
	if err != nil {
		return "", fmt.Errorf("read LATEST: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Latest loads the most recently saved artifact.
func (r *Registry) Latest() (*Artifact, error) {
	version, err := r.LatestVersion()
	if err != nil {
		return nil, err
	}
	return r.Load(version)
}

// List returns every stored artifact, newest first.
func (r *Registry) List() ([]Entry, error) {
	latest, err := r.LatestVersion()
	if err != nil && !errors.Is(err, ErrNoArtifact) {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	paths, err := filepath.Glob(filepath.Join(r.dir, "models", "*.json"))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var head struct {
			Version   string          `json:"version"`
			CreatedAt time.Time       `json:"created_at"`
			Selected  model.Candidate `json:"selected"`
			Signature string          `json:"signature"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return nil, api.Errorf(api.ErrData, "decode %s: %v", filepath.Base(path), err)
		}
		entries = append(entries, Entry{
			Version:   head.Version,
			CreatedAt: head.CreatedAt,
			Selected:  head.Selected.Name,
			Digest:    canonical.Digest(data),
			Signed:    head.Signature != "",
			Latest:    head.Version == latest,
		})
	}

	// Sort by creation time (newest first)
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Version > entries[j].Version
	})
	return entries, nil
}

// WriteMetrics replaces metrics.json with rec.
func (r *Registry) WriteMetrics(rec api.MetricsRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return writeAtomic(filepath.Join(r.dir, "metrics.json"), append(data, '\n'))
}

// ReadMetrics returns the last written metrics record.
func (r *Registry) ReadMetrics() (api.MetricsRecord, error) {
	r.mu.RLock()
	data, err := os.ReadFile(filepath.Join(r.dir, "metrics.json"))
	r.mu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return api.MetricsRecord{}, ErrNoArtifact
	}
	if err != nil {
		return api.MetricsRecord{}, fmt.Errorf("read metrics: %w", err)
	}
	var rec api.MetricsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return api.MetricsRecord{}, api.Errorf(api.ErrData, "decode metrics: %v", err)
	}
	return rec, nil
}

func validVersion(v string) error {
	if v == "" || strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, ".") {
		return api.Errorf(api.ErrValidation, "invalid artifact version %q", v)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
