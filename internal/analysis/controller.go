package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/duplicates"
	"roomwatch/server/internal/events"
	"roomwatch/server/internal/models"
)

var (
	// ErrInvalidURL rejects submissions outside the supported listing
	// domain before anything reaches the backend.
	ErrInvalidURL = errors.New("url does not belong to the supported listing domain")

	// ErrJobNotFound is returned for lookups of unknown or already
	// disposed jobs.
	ErrJobNotFound = errors.New("job is not tracked")

	// ErrNoPendingResolution is returned when a resolution decision
	// arrives for a URL with no outstanding candidate set.
	ErrNoPendingResolution = errors.New("no pending duplicate resolution for url")
)

// timeoutMessage is the error text applied when the poll ceiling is hit.
const timeoutMessage = "analysis timed out waiting for the backend"

// Options control submission gating and poll pacing. Zero values fall
// back to the production defaults.
type Options struct {
	// ListingDomain is the host suffix a submitted URL must match.
	ListingDomain string

	// AutoLinkThreshold is the confidence at or above which the backend
	// has already auto-linked and no caller resolution is needed.
	AutoLinkThreshold float64

	// InitialDelay is the wait before the first poll.
	InitialDelay time.Duration

	// PollInterval is the wait between subsequent polls.
	PollInterval time.Duration

	// MaxPolls is the hard ceiling after which a job is force-failed.
	MaxPolls int
}

func (o *Options) applyDefaults() {
	if o.ListingDomain == "" {
		o.ListingDomain = "kamernet.nl"
	}
	if o.AutoLinkThreshold == 0 {
		o.AutoLinkThreshold = 0.7
	}
	if o.InitialDelay == 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxPolls == 0 {
		o.MaxPolls = 60
	}
}

// SubmissionOutcome is the result of submitting a URL. Either a job is
// being tracked (JobID set) or the caller must resolve a duplicate
// first (NeedsResolution with the candidate set).
type SubmissionOutcome struct {
	JobID           string                        `json:"job_id,omitempty"`
	NeedsResolution bool                          `json:"needs_resolution"`
	Candidates      *models.DuplicateCandidateSet `json:"candidates,omitempty"`
}

// Subscriber receives value snapshots of a job after each applied poll.
type Subscriber func(models.AnalysisJob)

// trackedJob pairs the owned job record with its poll loop's control
// state. The mutex-guarded controller map is the only shared access
// path; the poll goroutine mutates job fields under c.mu.
type trackedJob struct {
	job  *models.AnalysisJob
	stop chan struct{}
	subs map[string]Subscriber
}

// Controller owns the analysis job lifecycle: submission gating, one
// polling goroutine per tracked job, subscriptions and disposal.
type Controller struct {
	backend *backend.Client
	bus     *events.Bus
	logger  *logrus.Logger
	opts    Options

	mu      sync.Mutex
	jobs    map[string]*trackedJob
	pending map[string]*models.DuplicateCandidateSet
}

// NewController creates a controller. bus may be nil when no downstream
// consumers care about job updates.
func NewController(client *backend.Client, bus *events.Bus, logger *logrus.Logger, opts Options) *Controller {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	opts.applyDefaults()

	return &Controller{
		backend: client,
		bus:     bus,
		logger:  logger,
		opts:    opts,
		jobs:    make(map[string]*trackedJob),
		pending: make(map[string]*models.DuplicateCandidateSet),
	}
}

// ValidateURL checks that a raw URL belongs to the supported listing
// domain.
func (c *Controller) ValidateURL(rawURL string) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrInvalidURL
	}

	host := strings.ToLower(parsed.Hostname())
	domain := strings.ToLower(c.opts.ListingDomain)
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return ErrInvalidURL
	}
	return nil
}

// Submit validates the URL and sends it to the backend. A duplicate
// flagged below the auto-link threshold suspends tracking and hands the
// candidate set back for resolution; at or above the threshold the
// backend has already auto-linked and the returned job is tracked
// normally.
func (c *Controller) Submit(ctx context.Context, rawURL string) (*SubmissionOutcome, error) {
	if err := c.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	resp, err := c.backend.Analyze(ctx, rawURL, false)
	if err != nil {
		return nil, err
	}

	if resp.DuplicateDetected && resp.DuplicateData != nil && len(resp.DuplicateData.Candidates) > 0 {
		top := resp.DuplicateData.Candidates[0].ConfidenceScore
		if top < c.opts.AutoLinkThreshold {
			duplicates.EnrichProximity(resp.DuplicateData)

			c.mu.Lock()
			c.pending[rawURL] = resp.DuplicateData
			c.mu.Unlock()

			c.logger.WithFields(logrus.Fields{
				"url":            rawURL,
				"top_confidence": top,
				"candidates":     len(resp.DuplicateData.Candidates),
			}).Info("Submission needs duplicate resolution")

			return &SubmissionOutcome{
				NeedsResolution: true,
				Candidates:      resp.DuplicateData,
			}, nil
		}
	}

	c.Track(resp.JobID, rawURL)
	return &SubmissionOutcome{JobID: resp.JobID}, nil
}

// PendingResolution returns the outstanding candidate set for a URL,
// if any. The set stays registered until consumed so a failed decision
// can be retried with a different one.
func (c *Controller) PendingResolution(rawURL string) (*models.DuplicateCandidateSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.pending[rawURL]
	if !ok {
		return nil, ErrNoPendingResolution
	}
	return set, nil
}

// ConsumeResolution drops the candidate set for a URL after a decision
// succeeded. Candidate sets are consumed exactly once.
func (c *Controller) ConsumeResolution(rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, rawURL)
}

// Track starts the polling loop for a job. Tracking the same job twice
// is a no-op.
func (c *Controller) Track(jobID, sourceURL string) {
	if jobID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[jobID]; ok {
		return
	}

	tracked := &trackedJob{
		job: &models.AnalysisJob{
			JobID:     jobID,
			SourceURL: sourceURL,
			State:     models.JobPending,
			CreatedAt: time.Now().UTC(),
		},
		stop: make(chan struct{}),
		subs: make(map[string]Subscriber),
	}
	c.jobs[jobID] = tracked

	c.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"url":    sourceURL,
	}).Info("Tracking analysis job")

	go c.pollLoop(tracked)
}

// Job returns a snapshot of a tracked job.
func (c *Controller) Job(jobID string) (models.AnalysisJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracked, ok := c.jobs[jobID]
	if !ok {
		return models.AnalysisJob{}, ErrJobNotFound
	}
	return snapshot(tracked.job), nil
}

// Subscribe registers a callback invoked with a job snapshot after each
// applied poll. It returns a token for Unsubscribe.
func (c *Controller) Subscribe(jobID string, fn Subscriber) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracked, ok := c.jobs[jobID]
	if !ok {
		return "", ErrJobNotFound
	}

	token := uuid.NewString()
	tracked.subs[token] = fn
	return token, nil
}

// Unsubscribe detaches a subscriber. Safe to call after disposal.
func (c *Controller) Unsubscribe(jobID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tracked, ok := c.jobs[jobID]; ok {
		delete(tracked.subs, token)
	}
}

// Cancel drops interest in a job. The poll loop stops at its next tick
// boundary; at most one in-flight status call completes and is
// discarded. The remote job itself is fire-and-forget.
func (c *Controller) Cancel(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(jobID)
}

func (c *Controller) cancelLocked(jobID string) {
	tracked, ok := c.jobs[jobID]
	if !ok {
		return
	}
	close(tracked.stop)
	delete(c.jobs, jobID)
	c.logger.WithField("job_id", jobID).Info("Cancelled job tracking")
}

// Shutdown cancels every tracked job.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for jobID := range c.jobs {
		c.cancelLocked(jobID)
	}
}

// pollLoop drives one job to a terminal state. Status snapshots are
// applied strictly in send order because each poll is awaited before
// the next is scheduled.
func (c *Controller) pollLoop(tracked *trackedJob) {
	timer := time.NewTimer(c.opts.InitialDelay)
	defer timer.Stop()

	for polls := 0; polls < c.opts.MaxPolls; polls++ {
		select {
		case <-tracked.stop:
			return
		case <-timer.C:
		}

		status, err := c.backend.JobStatus(context.Background(), tracked.job.JobID)

		// A cancellation that raced the network call discards the result.
		select {
		case <-tracked.stop:
			return
		default:
		}

		if err != nil {
			// A transport failure is one failed poll attempt, not a job
			// failure; the loop retries on its next scheduled tick.
			c.logger.WithError(err).WithField("job_id", tracked.job.JobID).Warn("Poll attempt failed")
			timer.Reset(c.opts.PollInterval)
			continue
		}

		job := c.applyStatus(tracked, status)
		c.notify(tracked, job)

		if job.State.Terminal() {
			c.finish(tracked, job)
			return
		}
		timer.Reset(c.opts.PollInterval)
	}

	// Ceiling reached: force-fail independent of backend state so the
	// caller is never left waiting forever.
	job := c.forceTimeout(tracked)
	c.notify(tracked, job)
	c.finish(tracked, job)
}

// applyStatus folds one status response into the owned job record and
// returns a snapshot.
func (c *Controller) applyStatus(tracked *trackedJob, status *backend.JobStatusResponse) models.AnalysisJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := tracked.job
	job.LastPolledAt = time.Now().UTC()
	job.Error = status.Error

	switch status.Status {
	case string(models.JobPending):
		job.State = models.JobPending
	case string(models.JobRunning):
		job.State = models.JobRunning
	case string(models.JobCompleted):
		job.State = models.JobCompleted
	case string(models.JobFailed):
		job.State = models.JobFailed
		if job.Error == "" {
			job.Error = "analysis failed"
		}
	default:
		c.logger.WithFields(logrus.Fields{
			"job_id": job.JobID,
			"status": status.Status,
		}).Warn("Backend reported unknown job status")
	}

	if len(status.Progress) > 0 {
		job.Progress = make(map[string]models.StepState, len(status.Progress))
		for step, state := range status.Progress {
			job.Progress[step] = state
		}
	}

	return snapshot(job)
}

func (c *Controller) forceTimeout(tracked *trackedJob) models.AnalysisJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracked.job.State = models.JobFailed
	tracked.job.Error = timeoutMessage

	c.logger.WithFields(logrus.Fields{
		"job_id":    tracked.job.JobID,
		"max_polls": c.opts.MaxPolls,
	}).Error("Analysis job timed out")

	return snapshot(tracked.job)
}

// notify delivers a snapshot to the job's subscribers from the poll
// goroutine, preserving send order.
func (c *Controller) notify(tracked *trackedJob, job models.AnalysisJob) {
	c.mu.Lock()
	subs := make([]Subscriber, 0, len(tracked.subs))
	for _, fn := range tracked.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(job)
	}
}

// finish publishes the terminal update and disposes of the job.
// A completed job is the staleness signal for cached listings.
func (c *Controller) finish(tracked *trackedJob, job models.AnalysisJob) {
	if c.bus != nil {
		if err := c.bus.Publish(events.JobUpdate{Job: job}); err != nil {
			c.logger.WithError(err).WithField("job_id", job.JobID).Warn("Failed to publish terminal job update")
		}
	}

	c.mu.Lock()
	delete(c.jobs, job.JobID)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"job_id": job.JobID,
		"state":  job.State,
		"error":  job.Error,
	}).Info("Analysis job reached terminal state")
}

// snapshot copies the job for handing to callers, including the
// progress map so later polls cannot race readers.
func snapshot(job *models.AnalysisJob) models.AnalysisJob {
	copied := *job
	if job.Progress != nil {
		copied.Progress = make(map[string]models.StepState, len(job.Progress))
		for k, v := range job.Progress {
			copied.Progress[k] = v
		}
	}
	return copied
}

// TrackedCount reports how many jobs are currently being polled.
func (c *Controller) TrackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// DescribeError maps controller and backend errors onto the user-facing
// message shown when a job cannot be submitted.
func DescribeError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidURL):
		return "The URL must point to a supported listing page."
	case backend.IsTransport(err):
		return "The analysis backend is unreachable. Try again shortly."
	default:
		return fmt.Sprintf("Submission failed: %v", err)
	}
}
