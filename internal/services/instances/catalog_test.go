package instances

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
)

// fakeAlgoStore is an in-memory AlgorithmStorage with scriptable failures.
type fakeAlgoStore struct {
	mu       sync.Mutex
	docs     map[string]*models.Algorithm
	storeErr error
	stores   int
	deletes  int
}

func newFakeAlgoStore() *fakeAlgoStore {
	return &fakeAlgoStore{docs: make(map[string]*models.Algorithm)}
}

func (s *fakeAlgoStore) Store(_ context.Context, algorithm *models.Algorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.stores++
	s.docs[algorithm.Name] = algorithm.Clone()
	return nil
}

func (s *fakeAlgoStore) Get(_ context.Context, name string) (*models.Algorithm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[name]
	if !ok {
		return nil, common.NotFoundError("algorithm %q not found", name)
	}
	return doc.Clone(), nil
}

func (s *fakeAlgoStore) GetAll(context.Context) ([]*models.Algorithm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Algorithm, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc.Clone())
	}
	return out, nil
}

func (s *fakeAlgoStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.docs, name)
	return nil
}

func (s *fakeAlgoStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[name]
	return ok, nil
}

func catalogAlgorithm(name string) *models.Algorithm {
	return &models.Algorithm{
		Name: name,
		Indicators: []models.IndicatorConfig{
			{Name: "SMA9", Type: models.IndicatorSMA, Parameters: map[string]interface{}{"period": 9}},
		},
		EntryConditions: []models.TradingCondition{{
			Type:       models.ConditionThreshold,
			Side:       models.SideLong,
			Parameters: map[string]interface{}{"indicator": "SMA9", "comparison": ">", "threshold": 100},
		}},
	}
}

func newTestCatalog(t *testing.T, store *fakeAlgoStore) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(context.Background(), store, common.GetLogger())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return catalog
}

func TestCatalogSaveAndGetClones(t *testing.T) {
	catalog := newTestCatalog(t, newFakeAlgoStore())

	if err := catalog.Save(context.Background(), catalogAlgorithm("momentum")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !catalog.Exists("momentum") {
		t.Fatal("algorithm should exist after save")
	}

	first, err := catalog.Get("momentum")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.CreatedTime.IsZero() || first.LastModifiedTime.IsZero() {
		t.Fatal("save should stamp created and modified times")
	}

	// Mutating a returned copy must not leak into the catalog entry.
	first.Indicators[0].Parameters["period"] = 99
	first.EntryConditions[0].Parameters["threshold"] = 1.0

	second, err := catalog.Get("momentum")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if second.Indicators[0].Parameters["period"] != 9 {
		t.Fatalf("period = %v, want 9 after mutating a copy", second.Indicators[0].Parameters["period"])
	}
	if second.EntryConditions[0].Parameters["threshold"] != 100 {
		t.Fatalf("threshold = %v, want 100 after mutating a copy", second.EntryConditions[0].Parameters["threshold"])
	}
}

func TestCatalogSavePreservesCreatedTime(t *testing.T) {
	catalog := newTestCatalog(t, newFakeAlgoStore())

	created := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	catalog.now = func() time.Time { return created }
	if err := catalog.Save(context.Background(), catalogAlgorithm("momentum")); err != nil {
		t.Fatalf("first save: %v", err)
	}

	modified := created.Add(48 * time.Hour)
	catalog.now = func() time.Time { return modified }
	update := catalogAlgorithm("momentum")
	update.Description = "tuned"
	if err := catalog.Save(context.Background(), update); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := catalog.Get("momentum")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedTime.Equal(created) {
		t.Fatalf("createdTime = %s, want original %s", got.CreatedTime, created)
	}
	if !got.LastModifiedTime.Equal(modified) {
		t.Fatalf("lastModifiedTime = %s, want %s", got.LastModifiedTime, modified)
	}
	if got.Description != "tuned" {
		t.Fatalf("description = %q, want updated text", got.Description)
	}
}

func TestCatalogSaveRejectsInvalid(t *testing.T) {
	catalog := newTestCatalog(t, newFakeAlgoStore())

	if err := catalog.Save(context.Background(), nil); !common.IsValidation(err) {
		t.Fatalf("nil algorithm error = %v, want validation", err)
	}

	bad := catalogAlgorithm("bad")
	bad.EntryConditions[0].Parameters["indicator"] = "Ghost"
	if err := catalog.Save(context.Background(), bad); !common.IsValidation(err) {
		t.Fatalf("unknown indicator error = %v, want validation", err)
	}
	if catalog.Exists("bad") {
		t.Fatal("invalid algorithm must not enter the catalog")
	}
}

func TestCatalogGetMissing(t *testing.T) {
	catalog := newTestCatalog(t, newFakeAlgoStore())
	if _, err := catalog.Get("ghost"); !common.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestCatalogDelete(t *testing.T) {
	store := newFakeAlgoStore()
	catalog := newTestCatalog(t, store)

	if err := catalog.Save(context.Background(), catalogAlgorithm("momentum")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := catalog.Delete(context.Background(), "momentum"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if catalog.Exists("momentum") {
		t.Fatal("algorithm should be gone after delete")
	}
	if store.deletes != 1 {
		t.Fatalf("storage deletes = %d, want 1", store.deletes)
	}
	if err := catalog.Delete(context.Background(), "momentum"); !common.IsNotFound(err) {
		t.Fatalf("second delete error = %v, want not found", err)
	}
}

func TestCatalogLoadSkipsInvalidDocuments(t *testing.T) {
	store := newFakeAlgoStore()
	store.docs["good"] = catalogAlgorithm("good")
	broken := catalogAlgorithm("broken")
	broken.Indicators[0].Type = "WAVELET"
	store.docs["broken"] = broken

	catalog := newTestCatalog(t, store)
	if !catalog.Exists("good") {
		t.Fatal("valid stored algorithm should load")
	}
	if catalog.Exists("broken") {
		t.Fatal("invalid stored algorithm should be skipped")
	}
}

func TestCatalogGetAllSorted(t *testing.T) {
	catalog := newTestCatalog(t, newFakeAlgoStore())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := catalog.Save(context.Background(), catalogAlgorithm(name)); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	all := catalog.GetAll()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, algorithm := range all {
		if algorithm.Name != want[i] {
			t.Fatalf("name[%d] = %q, want %q", i, algorithm.Name, want[i])
		}
	}
}

func TestCatalogStoreFailureKeepsMemoryUnchanged(t *testing.T) {
	store := newFakeAlgoStore()
	catalog := newTestCatalog(t, store)

	if err := catalog.Save(context.Background(), catalogAlgorithm("momentum")); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.storeErr = errors.New("disk full")
	update := catalogAlgorithm("momentum")
	update.Description = "should not land"
	if err := catalog.Save(context.Background(), update); err == nil {
		t.Fatal("save should surface the storage failure")
	}

	got, err := catalog.Get("momentum")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "" {
		t.Fatalf("description = %q, want original entry untouched", got.Description)
	}
}
