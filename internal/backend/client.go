package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/models"
)

var (
	// ErrUnsupported is returned when the backend does not expose an
	// operation in the current context, such as separate-room creation.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// TransportError wraps a network-level failure so callers can tell it
// apart from an explicit backend rejection and retry on the next tick.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transient transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client talks to the scraper backend's REST API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// AnalyzeResponse is the backend's answer to an analysis submission.
type AnalyzeResponse struct {
	JobID             string                        `json:"job_id"`
	DuplicateDetected bool                          `json:"duplicate_detected"`
	DuplicateData     *models.DuplicateCandidateSet `json:"duplicate_data,omitempty"`
}

// Analyze submits a listing URL for analysis. forceNew bypasses the
// backend's duplicate detection and always creates a fresh property.
func (c *Client) Analyze(ctx context.Context, listingURL string, forceNew bool) (*AnalyzeResponse, error) {
	payload := map[string]interface{}{"url": listingURL}
	if forceNew {
		payload["force_new"] = true
	}

	var resp AnalyzeResponse
	if err := c.post(ctx, "/analyze", payload, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"url":                listingURL,
		"job_id":             resp.JobID,
		"duplicate_detected": resp.DuplicateDetected,
	}).Info("Submitted URL for analysis")

	return &resp, nil
}

// JobStatusResponse is one status snapshot for a tracked job.
type JobStatusResponse struct {
	Status   string                      `json:"status"`
	Progress map[string]models.StepState `json:"progress,omitempty"`
	Error    string                      `json:"error,omitempty"`
}

// JobStatus fetches the current state of a remote analysis job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	var resp JobStatusResponse
	if err := c.get(ctx, "/analysis/"+jobID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LinkURL attaches a new listing URL onto an existing property.
func (c *Client) LinkURL(ctx context.Context, propertyID int64, newURL string) error {
	path := fmt.Sprintf("/properties/%d/link-url", propertyID)
	return c.post(ctx, path, map[string]interface{}{"new_url": newURL}, nil)
}

// AddSeparateRoom registers a new room under an existing property's
// building identity. Returns ErrUnsupported when the backend does not
// offer the operation in the current context.
func (c *Client) AddSeparateRoom(ctx context.Context, propertyID int64, newURL string) error {
	payload := map[string]interface{}{
		"property_id": propertyID,
		"new_url":     newURL,
	}
	err := c.post(ctx, "/duplicate-actions/add-separate-room", payload, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusNotImplemented) {
			return ErrUnsupported
		}
	}
	return err
}

// Properties fetches the backend's property listing read model.
func (c *Client) Properties(ctx context.Context) ([]models.PropertyListing, error) {
	var listings []models.PropertyListing
	if err := c.get(ctx, "/properties", &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// PropertyChanges fetches the raw change buckets for one property.
func (c *Client) PropertyChanges(ctx context.Context, propertyID int64) (*models.RawChangeBatch, error) {
	var batch models.RawChangeBatch
	path := fmt.Sprintf("/properties/%d/price-trends", propertyID)
	if err := c.get(ctx, path, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// RecentChanges fetches the raw change buckets across all tracked
// properties for the dashboard's recent-activity view.
func (c *Client) RecentChanges(ctx context.Context) (*models.RawChangeBatch, error) {
	var batch models.RawChangeBatch
	if err := c.get(ctx, "/changes/recent", &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// AvailabilityTimeline fetches per-room raw snapshots for one property
// covering the last days days.
func (c *Client) AvailabilityTimeline(ctx context.Context, propertyID int64, days int) (map[string][]models.RawSnapshot, error) {
	var timeline struct {
		Rooms map[string][]models.RawSnapshot `json:"rooms"`
	}
	path := fmt.Sprintf("/properties/%d/availability-timeline?days=%d", propertyID, days)
	if err := c.get(ctx, path, &timeline); err != nil {
		return nil, err
	}
	return timeline.Rooms, nil
}

// statusError is a non-2xx response from the backend.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.code, e.body)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("url", req.URL.String()).Warn("Backend request failed")
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse backend response: %w", err)
	}
	return nil
}
