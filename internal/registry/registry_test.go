package registry

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/features"
	"github.com/mendezjerick/riceforecast/internal/model"
	"github.com/mendezjerick/riceforecast/internal/panel"
	"github.com/mendezjerick/riceforecast/internal/training"
)

func createTestArtifact(t *testing.T, now time.Time) (*Artifact, []features.Row) {
	t.Helper()
	start := panel.NewMonth(2021, 1)
	var obs []panel.Observation
	for i := 0; i < 20; i++ {
		obs = append(obs,
			panel.Observation{Region: "Bicol", Month: start.Add(i), Price: 40 + 0.25*float64(i)},
			panel.Observation{Region: "Ilocos", Month: start.Add(i), Price: 45 + 0.5*float64(i)},
		)
	}
	p := panel.New(obs)
	rows, err := features.Build(p, features.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	cand := model.Candidate{Name: "ridge", Spec: model.Spec{Kind: model.KindRidge, Alpha: 1}}
	pipe, err := model.NewPipeline(cand.Spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := pipe.Fit(rows); err != nil {
		t.Fatal(err)
	}

	tm := &training.TrainedModel{
		Selected: cand,
		Pipeline: pipe,
		Evaluations: []training.Evaluation{{
			Candidate:   cand,
			FoldRMSE:    []float64{0.1, 0.2},
			FoldR2:      []float64{0.9, 0.8},
			CVRMSE:      0.15,
			CVRMSEStd:   0.05,
			CVR2:        0.85,
			CVR2Std:     0.05,
			HoldoutRMSE: 0.12,
			HoldoutR2:   0.88,
		}},
		NaiveHoldoutRMSE: 0.4,
		TrainRows:        20,
		HoldoutRows:      6,
		HoldoutStart:     panel.NewMonth(2022, 5),
		Config:           training.Config{HoldoutMonths: 3, Folds: 2},
	}
	return NewArtifact(tm, features.DefaultConfig(), p.LastMonth(), now), rows
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	reg, err := New(t.TempDir(), []byte("registry-key"))
	if err != nil {
		t.Fatal(err)
	}
	art, rows := createTestArtifact(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	entry, err := reg.Save(art)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !entry.Signed || !entry.Latest || len(entry.Digest) != 64 {
		t.Errorf("unexpected entry %+v", entry)
	}

	info, err := os.Stat(reg.artifactPath(art.Version))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0444 {
		t.Errorf("artifact mode = %v, want 0444", info.Mode().Perm())
	}

	loaded, err := reg.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if loaded.Version != art.Version || loaded.RunID != art.RunID {
		t.Errorf("loaded %s/%s, want %s/%s", loaded.Version, loaded.RunID, art.Version, art.RunID)
	}
	if loaded.LastObserved != panel.NewMonth(2022, 8) {
		t.Errorf("last observed = %s", loaded.LastObserved)
	}
	for i, r := range rows {
		if got, want := loaded.Pipeline.Predict(r), art.Pipeline.Predict(r); got != want {
			t.Fatalf("row %d: loaded predicts %v, saved %v", i, got, want)
		}
	}

	if _, err := reg.Save(art); err == nil {
		t.Error("saving the same version twice should fail")
	}
}

func TestLoad_RejectsTamperingAndWrongKey(t *testing.T) {
	dir := t.TempDir()
	reg, _ := New(dir, []byte("k1"))
	art, _ := createTestArtifact(t, time.Now())
	if _, err := reg.Save(art); err != nil {
		t.Fatal(err)
	}

	other, _ := New(dir, []byte("k2"))
	if _, err := other.Load(art.Version); !errors.Is(err, api.ErrData) {
		t.Errorf("wrong key: error = %v, want ErrData", err)
	}

	unkeyed, _ := New(dir, nil)
	if _, err := unkeyed.Load(art.Version); err != nil {
		t.Errorf("registry without key should load signed artifact: %v", err)
	}

	path := reg.artifactPath(art.Version)
	data, _ := os.ReadFile(path)
	os.Chmod(path, 0644)
	data[len(data)/2] ^= 1
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Load(art.Version); !errors.Is(err, api.ErrData) {
		t.Errorf("tampered file: error = %v, want ErrData", err)
	}
}

func TestEmptyRegistry(t *testing.T) {
	reg, _ := New(t.TempDir(), nil)
	if _, err := reg.Latest(); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("Latest on empty registry: %v, want ErrNoArtifact", err)
	}
	if _, err := reg.ReadMetrics(); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("ReadMetrics on empty registry: %v, want ErrNoArtifact", err)
	}
	entries, err := reg.List()
	if err != nil || len(entries) != 0 {
		t.Errorf("List = %v, %v; want empty", entries, err)
	}
	if _, err := reg.Load("../etc"); !errors.Is(err, api.ErrValidation) {
		t.Errorf("path traversal version: %v, want ErrValidation", err)
	}
}

func TestSave_FailureLeavesNoArtifact(t *testing.T) {
	reg, _ := New(t.TempDir(), nil)
	art, _ := createTestArtifact(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	// A directory in the digest's place makes the sidecar write fail.
	if err := os.Mkdir(reg.digestPath(art.Version), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Save(art); err == nil {
		t.Fatal("Save succeeded with an unwritable digest")
	}
	if _, err := os.Stat(reg.artifactPath(art.Version)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("artifact file left behind: %v", err)
	}
	entries, err := reg.List()
	if err != nil || len(entries) != 0 {
		t.Errorf("List = %v, %v; want empty", entries, err)
	}
	if _, err := reg.Latest(); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("Latest after failed save: %v, want ErrNoArtifact", err)
	}
}

func TestList_NewestFirst(t *testing.T) {
	reg, _ := New(t.TempDir(), nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var versions []string
	for i := 0; i < 3; i++ {
		art, _ := createTestArtifact(t, base.Add(time.Duration(i)*time.Hour))
		if _, err := reg.Save(art); err != nil {
			t.Fatal(err)
		}
		versions = append(versions, art.Version)
	}

	entries, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Version != versions[2-i] {
			t.Errorf("entry %d = %s, want %s", i, e.Version, versions[2-i])
		}
		if e.Latest != (i == 0) {
			t.Errorf("entry %d latest = %v", i, e.Latest)
		}
	}
}

func TestMetricsRecord(t *testing.T) {
	reg, _ := New(t.TempDir(), nil)
	art, _ := createTestArtifact(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	rec := art.MetricsRecord()
	if rec.SelectedModel != "ridge" || rec.Horizon != 1 || rec.CVFolds != 2 {
		t.Errorf("unexpected record %+v", rec)
	}
	if m, ok := rec.Models["ridge"]; !ok || m.CVRMSE != 0.15 || m.HoldoutR2 != 0.88 {
		t.Errorf("candidate metrics = %+v", rec.Models)
	}

	if err := reg.WriteMetrics(rec); err != nil {
		t.Fatal(err)
	}
	back, err := reg.ReadMetrics()
	if err != nil {
		t.Fatal(err)
	}
	if back.RunID != rec.RunID || !back.TrainedAt.Equal(rec.TrainedAt) || back.Models["ridge"].CVRMSE != 0.15 {
		t.Errorf("read back %+v, want %+v", back, rec)
	}
}
