package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/ternarybob/mercator/internal/common"
	"github.com/ternarybob/mercator/internal/models"
	"github.com/ternarybob/mercator/internal/storage/jsonstore"
)

func newHistoricalHandler(t *testing.T) *HistoricalHandler {
	t.Helper()
	manager, err := jsonstore.NewManager(common.GetLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewHistoricalHandler(manager.HistoricalStorage(), common.GetLogger())
}

func dayBars(day time.Time, closes ...float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Timestamp: day.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    10,
		}
	}
	return bars
}

func TestHistoricalStoreAndGet(t *testing.T) {
	h := newHistoricalHandler(t)
	day := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)

	rec := doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{
		Date: "2025-03-03",
		Bars: dayBars(day, 4500, 4501, 4502),
	})
	body := wantEnvelopeSuccess(t, rec, http.StatusCreated)
	if body["count"] != 3.0 {
		t.Fatalf("stored count = %v", body["count"])
	}

	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-03&endDate=2025-03-03", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 3.0 {
		t.Fatalf("range count = %v", body["count"])
	}
	bars := body["bars"].([]interface{})
	first := bars[0].(map[string]interface{})
	if first["close"] != 4500.0 {
		t.Fatalf("first close = %v", first["close"])
	}

	// endDate defaults to startDate
	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-03", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 3.0 {
		t.Fatalf("single-day count = %v", body["count"])
	}
}

func TestHistoricalGetSpansDays(t *testing.T) {
	h := newHistoricalHandler(t)

	day1 := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	rec := doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Date: "2025-03-03", Bars: dayBars(day1, 4500, 4501)})
	wantEnvelopeSuccess(t, rec, http.StatusCreated)
	rec = doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Date: "2025-03-04", Bars: dayBars(day2, 4510)})
	wantEnvelopeSuccess(t, rec, http.StatusCreated)

	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-03&endDate=2025-03-04", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 3.0 {
		t.Fatalf("spanning count = %v", body["count"])
	}

	// missing days inside the range are skipped, not errors
	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-01&endDate=2025-03-05", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 3.0 {
		t.Fatalf("sparse count = %v", body["count"])
	}
}

func TestHistoricalGetValidation(t *testing.T) {
	h := newHistoricalHandler(t)

	rec := doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES", nil)
	wantEnvelopeError(t, rec, http.StatusBadRequest)

	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=03-03-2025", nil)
	wantEnvelopeError(t, rec, http.StatusBadRequest)

	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-04&endDate=2025-03-03", nil)
	wantEnvelopeError(t, rec, http.StatusBadRequest)

	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/", nil)
	wantEnvelopeError(t, rec, http.StatusNotFound)
}

func TestHistoricalStoreValidation(t *testing.T) {
	h := newHistoricalHandler(t)
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	// missing date
	rec := doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Bars: dayBars(day, 4500)})
	wantEnvelopeError(t, rec, http.StatusBadRequest)

	// empty bars
	rec = doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Date: "2025-03-03"})
	wantEnvelopeError(t, rec, http.StatusBadRequest)

	// out-of-order bars are rejected by storage
	bars := dayBars(day, 4500, 4501)
	bars[0], bars[1] = bars[1], bars[0]
	rec = doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Date: "2025-03-03", Bars: bars})
	wantEnvelopeError(t, rec, http.StatusBadRequest)
}

func TestHistoricalDelete(t *testing.T) {
	h := newHistoricalHandler(t)
	day1 := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

	rec := doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Date: "2025-03-03", Bars: dayBars(day1, 4500)})
	wantEnvelopeSuccess(t, rec, http.StatusCreated)
	rec = doRequest(t, h.SymbolHandler, http.MethodPost, "/historical/ES", storeDayRequest{Date: "2025-03-04", Bars: dayBars(day2, 4510)})
	wantEnvelopeSuccess(t, rec, http.StatusCreated)

	// delete one day
	rec = doRequest(t, h.SymbolHandler, http.MethodDelete, "/historical/ES?date=2025-03-03", nil)
	wantEnvelopeSuccess(t, rec, http.StatusOK)
	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-03&endDate=2025-03-04", nil)
	body := wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 1.0 {
		t.Fatalf("count after day delete = %v", body["count"])
	}

	// delete the whole symbol
	rec = doRequest(t, h.SymbolHandler, http.MethodDelete, "/historical/ES", nil)
	wantEnvelopeSuccess(t, rec, http.StatusOK)
	rec = doRequest(t, h.SymbolHandler, http.MethodGet, "/historical/ES?startDate=2025-03-03&endDate=2025-03-04", nil)
	body = wantEnvelopeSuccess(t, rec, http.StatusOK)
	if body["count"] != 0.0 {
		t.Fatalf("count after symbol delete = %v", body["count"])
	}

	rec = doRequest(t, h.SymbolHandler, http.MethodDelete, "/historical/ES?date=bad-date", nil)
	wantEnvelopeError(t, rec, http.StatusBadRequest)
}
