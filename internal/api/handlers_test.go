package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomwatch/server/internal/analysis"
	"roomwatch/server/internal/availability"
	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/changes"
	"roomwatch/server/internal/duplicates"
	"roomwatch/server/internal/events"
	"roomwatch/server/internal/models"
	"roomwatch/server/internal/notify"
	"roomwatch/server/internal/scheduler"
	"roomwatch/server/internal/store"
)

type apiFixture struct {
	router  *gin.Engine
	backend *httptest.Server
	store   *store.Store
	ctrl    *analysis.Controller
	polls   *int64
}

// newFixture wires the full handler stack against a scripted backend
// server. The analyze handler echoes job ids; the status handler
// completes every job on its first poll.
func newFixture(t *testing.T, analyze http.HandlerFunc, extra map[string]http.HandlerFunc) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	var polls int64
	mux := http.NewServeMux()
	if analyze != nil {
		mux.HandleFunc("/analyze", analyze)
	}
	mux.HandleFunc("/analysis/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&polls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "completed"})
	})
	for path, fn := range extra {
		mux.HandleFunc(path, fn)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := backend.NewClient(server.URL, logger)

	bus := events.NewBus(64, logger)
	bus.Start()
	t.Cleanup(func() { bus.Close() })

	ctrl := analysis.NewController(client, bus, logger, analysis.Options{
		InitialDelay: time.Millisecond,
		PollInterval: time.Millisecond,
	})
	t.Cleanup(ctrl.Shutdown)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := scheduler.NewScheduler(ctrl, st, 6, logger)

	router := gin.New()
	SetupRoutes(router, Deps{
		Controller:    ctrl,
		Resolver:      duplicates.NewResolver(client, logger),
		Aggregator:    changes.NewAggregator(logger, nil),
		Reconstructor: availability.NewReconstructor(logger),
		Backend:       client,
		Store:         st,
		Scheduler:     sched,
		Telegram:      notify.NewService(logger),
	}, logger)

	return &apiFixture{router: router, backend: server, store: st, ctrl: ctrl, polls: &polls}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSubmitAnalysis_RejectsInvalidURL(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be called for an invalid URL")
	}, nil)

	w := f.do(http.MethodPost, "/api/analyze", `{"url":"https://funda.nl/listing/1"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "kamernet.nl")
}

func TestSubmitAnalysis_AcceptsFreshListing(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"job_id": "job-42"})
	}, nil)

	w := f.do(http.MethodPost, "/api/analyze", `{"url":"https://kamernet.nl/huren/kamer-amsterdam/k1"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "job-42", decodeBody(t, w)["job_id"])
}

func TestSubmitAnalysis_LowConfidenceDuplicateNeedsResolution(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"duplicate_detected": true,
			"duplicate_data": map[string]interface{}{
				"extracted_address": "Keizersgracht 10",
				"candidates": []map[string]interface{}{
					{"property_id": 7, "address": "Keizersgracht 10-A", "confidence_score": 0.55},
					{"property_id": 8, "address": "Keizersgracht 12", "confidence_score": 0.30},
				},
			},
		})
	}, nil)

	w := f.do(http.MethodPost, "/api/analyze", `{"url":"https://kamernet.nl/huren/kamer-amsterdam/k2"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["needs_resolution"])
	assert.Equal(t, "Keizersgracht 10", body["extracted_address"])
	assert.Equal(t, float64(2), body["candidate_count"])

	// Only the strongest candidate is surfaced.
	top := body["top_candidate"].(map[string]interface{})
	assert.Equal(t, float64(7), top["property_id"])
}

func TestResolveDuplicate_NoPendingSet(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/analysis/resolve",
		`{"action":"link_to_existing","property_id":7,"url":"https://kamernet.nl/huren/kamer-amsterdam/k9"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveDuplicate_LinkConsumesPendingSet(t *testing.T) {
	listingURL := "https://kamernet.nl/huren/kamer-amsterdam/k3"
	var analyzeCalls int64
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&analyzeCalls, 1) == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"duplicate_detected": true,
				"duplicate_data": map[string]interface{}{
					"extracted_address": "Herengracht 1",
					"candidates": []map[string]interface{}{
						{"property_id": 7, "address": "Herengracht 1", "confidence_score": 0.5},
					},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"job_id": "job-link"})
	}, map[string]http.HandlerFunc{
		"/properties/7/link-url": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})

	w := f.do(http.MethodPost, "/api/analyze", `{"url":"`+listingURL+`"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/analysis/resolve",
		`{"action":"link_to_existing","property_id":7,"url":"`+listingURL+`"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "job-link", body["job_id"])
	assert.Equal(t, "link_to_existing", body["applied_action"])
	assert.Equal(t, false, body["fallback"])

	// The pending set is consumed: a second decision finds nothing.
	w = f.do(http.MethodPost, "/api/analysis/resolve",
		`{"action":"create_separate","url":"`+listingURL+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResolveDuplicate_FailureKeepsPendingSet(t *testing.T) {
	listingURL := "https://kamernet.nl/huren/kamer-amsterdam/k4"
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"duplicate_detected": true,
			"duplicate_data": map[string]interface{}{
				"candidates": []map[string]interface{}{
					{"property_id": 7, "confidence_score": 0.5},
				},
			},
		})
	}, map[string]http.HandlerFunc{
		"/properties/7/link-url": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "conflict", http.StatusConflict)
		},
	})

	w := f.do(http.MethodPost, "/api/analyze", `{"url":"`+listingURL+`"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/analysis/resolve",
		`{"action":"link_to_existing","property_id":7,"url":"`+listingURL+`"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// Still pending, so the caller can retry with a different decision.
	_, err := f.ctrl.PendingResolution(listingURL)
	assert.NoError(t, err)
}

func TestGetJob_UnknownJob(t *testing.T) {
	f := newFixture(t, nil, nil)
	w := f.do(http.MethodGet, "/api/analysis/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetProperties_RefreshesStaleCache(t *testing.T) {
	f := newFixture(t, nil, map[string]http.HandlerFunc{
		"/properties": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": 1, "address": "Prinsengracht 5", "city": "Amsterdam"},
			})
		},
	})

	require.True(t, f.store.IsStale())

	w := f.do(http.MethodGet, "/api/properties", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var listings []models.PropertyListing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listings))
	require.Len(t, listings, 1)
	assert.Equal(t, "Prinsengracht 5", listings[0].Address)
	assert.False(t, f.store.IsStale())
}

func TestGetProperties_ServesCacheWhenBackendDown(t *testing.T) {
	f := newFixture(t, nil, map[string]http.HandlerFunc{
		"/properties": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		},
	})

	require.NoError(t, f.store.ReplaceListings([]models.PropertyListing{
		{ID: 2, Address: "Singel 3", City: "Amsterdam"},
	}))
	f.store.MarkStale()

	w := f.do(http.MethodGet, "/api/properties", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var listings []models.PropertyListing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listings))
	require.Len(t, listings, 1)
	assert.Equal(t, "Singel 3", listings[0].Address)
}

func TestGetPropertyChanges_AggregatesAndCounts(t *testing.T) {
	f := newFixture(t, nil, map[string]http.HandlerFunc{
		"/properties/5/price-trends": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"price_changes": []map[string]interface{}{
					{"property_id": 5, "old_value": "500", "new_value": "550", "detected_at": "2024-03-02"},
				},
				"status_changes": []map[string]interface{}{
					{"property_id": 5, "change_type": "status", "detected_at": "2024-03-01"},
				},
			})
		},
	})

	w := f.do(http.MethodGet, "/api/properties/5/changes", "")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["total"])
	events := body["changes"].([]interface{})
	require.Len(t, events, 2)
	// Ascending by default.
	first := events[0].(map[string]interface{})
	assert.Equal(t, "status", first["kind"])

	wDesc := f.do(http.MethodGet, "/api/properties/5/changes?order=desc", "")
	descBody := decodeBody(t, wDesc)
	firstDesc := descBody["changes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "price", firstDesc["kind"])
}

func TestGetPropertyChanges_BadID(t *testing.T) {
	f := newFixture(t, nil, nil)
	w := f.do(http.MethodGet, "/api/properties/abc/changes", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPropertyAvailability_ReconstructsRooms(t *testing.T) {
	f := newFixture(t, nil, map[string]http.HandlerFunc{
		"/properties/5/availability-timeline": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "30", r.URL.Query().Get("days"))
			end := "2024-03-01"
			json.NewEncoder(w).Encode(map[string]interface{}{
				"rooms": map[string]interface{}{
					"room-1": []map[string]interface{}{
						{"start_date": "2024-01-01", "end_date": end, "status": "taken"},
					},
				},
			})
		},
	})

	w := f.do(http.MethodGet, "/api/properties/5/availability?days=30", "")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	rooms := body["rooms"].(map[string]interface{})
	room := rooms["room-1"].(map[string]interface{})
	periods := room["periods"].([]interface{})
	require.Len(t, periods, 1)
	assert.Equal(t, float64(60), periods[0].(map[string]interface{})["duration_days"])
}

func TestGetTelegramConfig_Unconfigured(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do(http.MethodGet, "/api/telegram/config", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["is_enabled"])
}

func TestUpdateTelegramConfig_RejectsMalformedToken(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/telegram/config",
		`{"bot_token":"short","chat_id":"123","is_enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestTelegramConfig_RequiresConfiguration(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/telegram/test", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBulkReanalyze_SubmitsCachedListings(t *testing.T) {
	var analyzed int64
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&analyzed, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{"job_id": "bulk-" + string(rune('a'+n))})
	}, nil)

	require.NoError(t, f.store.ReplaceListings([]models.PropertyListing{
		{ID: 1, URL: "https://kamernet.nl/huren/kamer-amsterdam/b1"},
		{ID: 2, URL: "https://kamernet.nl/huren/kamer-utrecht/b2"},
	}))

	w := f.do(http.MethodPost, "/api/analyze/bulk", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["submitted"])
}

func TestGetRecentChanges_NewestFirstByDefault(t *testing.T) {
	f := newFixture(t, nil, map[string]http.HandlerFunc{
		"/changes/recent": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status_changes": []map[string]interface{}{
					{"property_id": 1, "detected_at": "2024-03-01"},
				},
				"price_changes": []map[string]interface{}{
					{"property_id": 2, "old_value": "500", "new_value": "550", "detected_at": "2024-03-02"},
				},
			})
		},
	})

	w := f.do(http.MethodGet, "/api/changes/recent", "")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	events := body["changes"].([]interface{})
	require.Len(t, events, 2)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "price", first["kind"])

	// An explicit order still wins.
	wAsc := f.do(http.MethodGet, "/api/changes/recent?order=asc", "")
	ascBody := decodeBody(t, wAsc)
	firstAsc := ascBody["changes"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "status", firstAsc["kind"])
}

func TestGetTelegramConfig_MasksShortTokenSafely(t *testing.T) {
	f := newFixture(t, nil, nil)

	// A short token can only land in the store outside the API's
	// validation; masking must still not slice past its length.
	require.NoError(t, f.store.UpdateTelegramConfig(&models.TelegramConfigRequest{
		IsEnabled: true,
		BotToken:  "abc",
		ChatID:    "123",
	}))

	w := f.do(http.MethodGet, "/api/telegram/config", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "••••", decodeBody(t, w)["bot_token"])
}

func TestGetTelegramConfig_ReturnsStoredFilters(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.store.UpdateTelegramConfig(&models.TelegramConfigRequest{
		IsEnabled:   true,
		BotToken:    "123456789:abcdefghijklmnop",
		ChatID:      "-100123",
		NotifyKinds: []string{"price", "status"},
		DropsOnly:   true,
	}))

	w := f.do(http.MethodGet, "/api/telegram/config", "")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "price,status", body["notify_kinds"])
	assert.Equal(t, true, body["drops_only"])
}
