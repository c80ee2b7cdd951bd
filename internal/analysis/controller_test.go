package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/events"
	"roomwatch/server/internal/models"
)

// scriptedBackend serves /analyze and a scripted sequence of job
// statuses, one per poll.
type scriptedBackend struct {
	mu       sync.Mutex
	analyze  map[string]interface{}
	statuses []map[string]interface{}
	polls    int32
}

func (s *scriptedBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/analyze" {
			json.NewEncoder(w).Encode(s.analyze)
			return
		}

		n := atomic.AddInt32(&s.polls, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		idx := int(n) - 1
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		if idx < 0 {
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "running"})
			return
		}
		json.NewEncoder(w).Encode(s.statuses[idx])
	})
}

func fastOptions() Options {
	return Options{
		ListingDomain:     "kamernet.nl",
		AutoLinkThreshold: 0.7,
		InitialDelay:      time.Millisecond,
		PollInterval:      time.Millisecond,
		MaxPolls:          60,
	}
}

func newTestController(t *testing.T, sb *scriptedBackend, opts Options) (*Controller, *events.Bus) {
	t.Helper()
	srv := httptest.NewServer(sb.handler())
	t.Cleanup(srv.Close)

	logger := logrus.New()
	bus := events.NewBus(64, logger)
	bus.Start()
	t.Cleanup(func() { bus.Close() })

	c := NewController(backend.NewClient(srv.URL, logger), bus, logger, opts)
	t.Cleanup(c.Shutdown)
	return c, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmit_InvalidURLNeverReachesBackend(t *testing.T) {
	reached := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	defer srv.Close()

	logger := logrus.New()
	c := NewController(backend.NewClient(srv.URL, logger), nil, logger, fastOptions())

	for _, raw := range []string{
		"https://evil.example.com/room/1",
		"not a url",
		"ftp://kamernet.nl/room/1",
		"https://kamernet.nl.evil.com/room/1",
		"",
	} {
		_, err := c.Submit(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidURL, "url %q", raw)
	}
	assert.False(t, reached)
}

func TestValidateURL_AcceptsDomainAndSubdomains(t *testing.T) {
	c := NewController(nil, nil, logrus.New(), fastOptions())
	assert.NoError(t, c.ValidateURL("https://kamernet.nl/room/123"))
	assert.NoError(t, c.ValidateURL("https://www.kamernet.nl/huren/kamer-amsterdam"))
}

func TestSubmit_TracksFreshJobToCompletion(t *testing.T) {
	sb := &scriptedBackend{
		analyze: map[string]interface{}{"job_id": "job-1"},
		statuses: []map[string]interface{}{
			{"status": "pending"},
			{"status": "running", "progress": map[string]string{"scraping": "running"}},
			{"status": "completed"},
		},
	}
	opts := fastOptions()
	// Leave room to attach the subscriber before the first poll lands.
	opts.InitialDelay = 100 * time.Millisecond
	c, _ := newTestController(t, sb, opts)

	var mu sync.Mutex
	var states []models.JobState

	outcome, err := c.Submit(context.Background(), "https://kamernet.nl/room/1")
	require.NoError(t, err)
	require.Equal(t, "job-1", outcome.JobID)
	assert.False(t, outcome.NeedsResolution)

	_, err = c.Subscribe("job-1", func(job models.AnalysisJob) {
		mu.Lock()
		states = append(states, job.State)
		mu.Unlock()
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == models.JobCompleted
	})

	// Snapshots arrive in send order.
	mu.Lock()
	assert.Equal(t, []models.JobState{models.JobPending, models.JobRunning, models.JobCompleted}, states)
	mu.Unlock()

	// Terminal jobs are disposed.
	waitFor(t, time.Second, func() bool { return c.TrackedCount() == 0 })
	_, err = c.Job("job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubmit_LowConfidenceDuplicateNeedsResolution(t *testing.T) {
	sb := &scriptedBackend{
		analyze: map[string]interface{}{
			"duplicate_detected": true,
			"duplicate_data": map[string]interface{}{
				"extracted_address": "Keizersgracht 10",
				"source_url":        "https://kamernet.nl/room/1",
				"candidates": []map[string]interface{}{
					{"property_id": 7, "confidence_score": 0.65},
				},
			},
		},
	}
	c, _ := newTestController(t, sb, fastOptions())

	outcome, err := c.Submit(context.Background(), "https://kamernet.nl/room/1")
	require.NoError(t, err)
	assert.True(t, outcome.NeedsResolution)
	require.NotNil(t, outcome.Candidates)
	assert.Equal(t, 0, c.TrackedCount())

	// The set stays registered until a decision succeeds.
	set, err := c.PendingResolution("https://kamernet.nl/room/1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), set.Candidates[0].PropertyID)

	c.ConsumeResolution("https://kamernet.nl/room/1")
	_, err = c.PendingResolution("https://kamernet.nl/room/1")
	assert.ErrorIs(t, err, ErrNoPendingResolution)
}

func TestSubmit_HighConfidenceDuplicateIsAutoLinked(t *testing.T) {
	sb := &scriptedBackend{
		analyze: map[string]interface{}{
			"job_id":             "job-9",
			"duplicate_detected": true,
			"duplicate_data": map[string]interface{}{
				"candidates": []map[string]interface{}{
					{"property_id": 7, "confidence_score": 0.85},
				},
			},
		},
		statuses: []map[string]interface{}{{"status": "completed"}},
	}
	c, _ := newTestController(t, sb, fastOptions())

	outcome, err := c.Submit(context.Background(), "https://kamernet.nl/room/1")
	require.NoError(t, err)
	assert.False(t, outcome.NeedsResolution)
	assert.Equal(t, "job-9", outcome.JobID)

	_, err = c.PendingResolution("https://kamernet.nl/room/1")
	assert.ErrorIs(t, err, ErrNoPendingResolution)
}

func TestPollLoop_TimesOutAfterMaxPolls(t *testing.T) {
	sb := &scriptedBackend{
		analyze:  map[string]interface{}{"job_id": "job-1"},
		statuses: []map[string]interface{}{{"status": "running"}},
	}
	opts := fastOptions()
	opts.MaxPolls = 5
	c, _ := newTestController(t, sb, opts)

	var mu sync.Mutex
	var last models.AnalysisJob

	c.Track("job-1", "https://kamernet.nl/room/1")
	_, err := c.Subscribe("job-1", func(job models.AnalysisJob) {
		mu.Lock()
		last = job
		mu.Unlock()
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.State == models.JobFailed
	})

	mu.Lock()
	assert.Contains(t, last.Error, "timed out")
	mu.Unlock()
	assert.Equal(t, int32(5), atomic.LoadInt32(&sb.polls))
}

func TestPollLoop_TransportErrorRetriesInsteadOfFailing(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		if n < 3 {
			// Simulate a dropped connection on early polls.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "completed"})
	}))
	defer srv.Close()

	logger := logrus.New()
	c := NewController(backend.NewClient(srv.URL, logger), nil, logger, fastOptions())
	defer c.Shutdown()

	var mu sync.Mutex
	var last models.JobState
	c.Track("job-1", "https://kamernet.nl/room/1")
	_, err := c.Subscribe("job-1", func(job models.AnalysisJob) {
		mu.Lock()
		last = job.State
		mu.Unlock()
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == models.JobCompleted
	})
}

func TestCancel_StopsPolling(t *testing.T) {
	sb := &scriptedBackend{
		analyze:  map[string]interface{}{"job_id": "job-1"},
		statuses: []map[string]interface{}{{"status": "running"}},
	}
	opts := fastOptions()
	opts.PollInterval = 5 * time.Millisecond
	c, _ := newTestController(t, sb, opts)

	c.Track("job-1", "https://kamernet.nl/room/1")
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&sb.polls) > 0 })

	c.Cancel("job-1")
	assert.Equal(t, 0, c.TrackedCount())

	// At most one in-flight poll may still land after cancellation.
	settled := atomic.LoadInt32(&sb.polls)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&sb.polls), settled+1)
}

func TestCompletedJobPublishesInvalidationSignal(t *testing.T) {
	sb := &scriptedBackend{
		analyze:  map[string]interface{}{"job_id": "job-1"},
		statuses: []map[string]interface{}{{"status": "completed"}},
	}
	c, bus := newTestController(t, sb, fastOptions())

	var invalidated int32
	bus.Subscribe(func(u events.JobUpdate) error {
		if u.Completed() {
			atomic.AddInt32(&invalidated, 1)
		}
		return nil
	})

	c.Track("job-1", "https://kamernet.nl/room/1")

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&invalidated) == 1 })
}

func TestDescribeError(t *testing.T) {
	assert.Contains(t, DescribeError(ErrInvalidURL), "supported listing page")
	assert.Contains(t, DescribeError(&backend.TransportError{Err: context.DeadlineExceeded}), "unreachable")
}
