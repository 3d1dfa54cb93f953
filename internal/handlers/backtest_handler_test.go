package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
)

// fakeBacktests is a canned-response backtest service.
type fakeBacktests struct {
	definitions map[string]*models.BacktestDefinition
	runs        map[string]*models.BacktestInstance
	stopped     []string
	runErr      error
}

func newFakeBacktests() *fakeBacktests {
	return &fakeBacktests{
		definitions: make(map[string]*models.BacktestDefinition),
		runs:        make(map[string]*models.BacktestInstance),
	}
}

func (f *fakeBacktests) CreateDefinition(ctx context.Context, def *models.BacktestDefinition) (*models.BacktestDefinition, error) {
	if def == nil || def.Name == "" {
		return nil, common.ValidationError("backtest name is required")
	}
	created := *def
	created.ID = "btd_created"
	f.definitions[created.ID] = &created
	return &created, nil
}

func (f *fakeBacktests) UpdateDefinition(ctx context.Context, id string, def *models.BacktestDefinition) (*models.BacktestDefinition, error) {
	if _, ok := f.definitions[id]; !ok {
		return nil, common.NotFoundError("backtest %q not found", id)
	}
	updated := *def
	updated.ID = id
	f.definitions[id] = &updated
	return &updated, nil
}

func (f *fakeBacktests) GetDefinition(ctx context.Context, id string) (*models.BacktestDefinition, error) {
	def, ok := f.definitions[id]
	if !ok {
		return nil, common.NotFoundError("backtest %q not found", id)
	}
	return def, nil
}

func (f *fakeBacktests) GetAllDefinitions(ctx context.Context) ([]*models.BacktestDefinition, error) {
	out := make([]*models.BacktestDefinition, 0, len(f.definitions))
	for _, def := range f.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBacktests) DeleteDefinition(ctx context.Context, id string) error {
	if _, ok := f.definitions[id]; !ok {
		return common.NotFoundError("backtest %q not found", id)
	}
	delete(f.definitions, id)
	return nil
}

func (f *fakeBacktests) Run(ctx context.Context, definitionID string) (*models.BacktestInstance, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	if _, ok := f.definitions[definitionID]; !ok {
		return nil, common.NotFoundError("backtest %q not found", definitionID)
	}
	run := &models.BacktestInstance{ID: "bt_new", DefinitionID: definitionID, Status: models.BacktestCreated}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeBacktests) Stop(ctx context.Context, definitionID string) error {
	if _, ok := f.definitions[definitionID]; !ok {
		return common.NotFoundError("no active run for backtest %q", definitionID)
	}
	f.stopped = append(f.stopped, definitionID)
	return nil
}

func (f *fakeBacktests) Status(ctx context.Context, definitionID string) (*models.BacktestInstance, error) {
	for _, run := range f.runs {
		if run.DefinitionID == definitionID {
			return run, nil
		}
	}
	return nil, common.NotFoundError("no runs for backtest %q", definitionID)
}

func (f *fakeBacktests) Runs(ctx context.Context) ([]*models.BacktestInstance, error) {
	out := make([]*models.BacktestInstance, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBacktests) GetRun(ctx context.Context, runID string) (*models.BacktestInstance, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, common.NotFoundError("backtest run %q not found", runID)
	}
	return run, nil
}

func (f *fakeBacktests) DeleteRun(ctx context.Context, runID string) error {
	run, ok := f.runs[runID]
	if !ok {
		return common.NotFoundError("backtest run %q not found", runID)
	}
	if run.Status == models.BacktestRunning {
		return common.ConflictError("backtest run %q is still active", runID)
	}
	delete(f.runs, runID)
	return nil
}

func (f *fakeBacktests) Close() error { return nil }

func newBacktestHandler(backtests *fakeBacktests) *BacktestHandler {
	return NewBacktestHandler(backtests, common.GetLogger())
}

func TestBacktestCollection(t *testing.T) {
	backtests := newFakeBacktests()
	h := newBacktestHandler(backtests)

	rec := doRequest(t, h.CollectionHandler, http.MethodPost, "/backtests", models.BacktestDefinition{
		Name:          "march-replay",
		Symbol:        "ES",
		AlgorithmName: "breakout",
		StartDate:     "2025-03-03",
		EndDate:       "2025-03-04",
	})
	body := wantEnvelopeSuccess(t, rec, http.StatusCreated)
	created := body["backtest"].(map[string]interface{})
	if created["id"] != "btd_created" {
		t.Fatalf("created id = %v", created["id"])
	}

	rec = doRequest(t, h.CollectionHandler, http.MethodGet, "/backtests", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 1.0 {
		t.Fatalf("count = %v", body["count"])
	}

	rec = doRequest(t, h.CollectionHandler, http.MethodPost, "/backtests", models.BacktestDefinition{})
	wantEnvelopeError(t, rec, http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/backtests", bytes.NewReader([]byte(`{broken`)))
	rec = httptest.NewRecorder()
	h.CollectionHandler(rec, req)
	wantEnvelopeError(t, rec, http.StatusBadRequest)
}

func TestBacktestDefinitionRoutes(t *testing.T) {
	backtests := newFakeBacktests()
	backtests.definitions["btd_1"] = &models.BacktestDefinition{ID: "btd_1", Name: "march-replay"}
	h := newBacktestHandler(backtests)

	rec := doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/btd_1", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusOK)
	def := body["backtest"].(map[string]interface{})
	if def["name"] != "march-replay" {
		t.Fatalf("definition name = %v", def["name"])
	}

	rec = doRequest(t, h.ItemHandler, http.MethodPut, "/backtests/btd_1", models.BacktestDefinition{Name: "renamed"})
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	def = body["backtest"].(map[string]interface{})
	if def["id"] != "btd_1" || def["name"] != "renamed" {
		t.Fatalf("updated definition = %v", def)
	}

	rec = doRequest(t, h.ItemHandler, http.MethodDelete, "/backtests/btd_1", nil)
	wantEnvelopeSuccess(t, rec, http.StatusOK)

	rec = doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/btd_1", nil)
	wantEnvelopeError(t, rec, http.StatusNotFound)
}

func TestBacktestRunActions(t *testing.T) {
	backtests := newFakeBacktests()
	backtests.definitions["btd_1"] = &models.BacktestDefinition{ID: "btd_1", Name: "march-replay"}
	h := newBacktestHandler(backtests)

	rec := doRequest(t, h.ItemHandler, http.MethodPost, "/backtests/btd_1/run", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusAccepted)
	run := body["run"].(map[string]interface{})
	if run["status"] != string(models.BacktestCreated) {
		t.Fatalf("run status = %v", run["status"])
	}

	rec = doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/btd_1/status", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	run = body["run"].(map[string]interface{})
	if run["definitionId"] != "btd_1" {
		t.Fatalf("status run = %v", run)
	}

	rec = doRequest(t, h.ItemHandler, http.MethodPost, "/backtests/btd_1/stop", nil)
	wantEnvelopeSuccess(t, rec, http.StatusOK)
	if len(backtests.stopped) != 1 {
		t.Fatalf("stopped = %v", backtests.stopped)
	}

	// run and stop require POST
	rec = doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/btd_1/run", nil)
	wantEnvelopeError(t, rec, http.StatusMethodNotAllowed)

	backtests.runErr = common.ConflictError("backtest %q has an active run", "btd_1")
	rec = doRequest(t, h.ItemHandler, http.MethodPost, "/backtests/btd_1/run", nil)
	wantEnvelopeError(t, rec, http.StatusConflict)
}

func TestBacktestRunsRoutes(t *testing.T) {
	backtests := newFakeBacktests()
	backtests.runs["bt_1"] = &models.BacktestInstance{ID: "bt_1", DefinitionID: "btd_1", Status: models.BacktestCompleted}
	backtests.runs["bt_2"] = &models.BacktestInstance{ID: "bt_2", DefinitionID: "btd_1", Status: models.BacktestRunning}
	h := newBacktestHandler(backtests)

	rec := doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/runs", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 2.0 {
		t.Fatalf("runs count = %v", body["count"])
	}

	rec = doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/runs/bt_1", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	run := body["run"].(map[string]interface{})
	if run["id"] != "bt_1" {
		t.Fatalf("run id = %v", run["id"])
	}

	rec = doRequest(t, h.ItemHandler, http.MethodDelete, "/backtests/runs/bt_2", nil)
	wantEnvelopeError(t, rec, http.StatusConflict)

	rec = doRequest(t, h.ItemHandler, http.MethodDelete, "/backtests/runs/bt_1", nil)
	wantEnvelopeSuccess(t, rec, http.StatusOK)
	if _, ok := backtests.runs["bt_1"]; ok {
		t.Fatal("run still present after delete")
	}

	rec = doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/runs/bt_1/extra", nil)
	wantEnvelopeError(t, rec, http.StatusNotFound)
}

// The literal runs segment must never be treated as a definition ID.
func TestBacktestRunsNotShadowedByDefinition(t *testing.T) {
	backtests := newFakeBacktests()
	backtests.definitions["runs"] = &models.BacktestDefinition{ID: "runs", Name: "trap"}
	h := newBacktestHandler(backtests)

	rec := doRequest(t, h.ItemHandler, http.MethodGet, "/backtests/runs", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusOK)
	if _, hasRuns := body["runs"]; !hasRuns {
		t.Fatalf("expected runs listing, got %v", body)
	}
}
