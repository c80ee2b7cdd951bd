package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/analysis"
	"roomwatch/server/internal/availability"
	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/changes"
	"roomwatch/server/internal/duplicates"
	"roomwatch/server/internal/models"
	"roomwatch/server/internal/notify"
	"roomwatch/server/internal/scheduler"
	"roomwatch/server/internal/store"
)

type Handler struct {
	controller      *analysis.Controller
	resolver        *duplicates.Resolver
	aggregator      *changes.Aggregator
	reconstructor   *availability.Reconstructor
	backend         *backend.Client
	store           *store.Store
	scheduler       *scheduler.Scheduler
	telegramService *notify.Service
	logger          *logrus.Logger
}

type AnalyzeRequest struct {
	URL string `json:"url" binding:"required"`
}

type ResolveRequest struct {
	Action     models.ResolutionAction `json:"action" binding:"required"`
	PropertyID int64                   `json:"property_id"`
	URL        string                  `json:"url" binding:"required"`
}

// Deps bundles the collaborators the handler needs.
type Deps struct {
	Controller    *analysis.Controller
	Resolver      *duplicates.Resolver
	Aggregator    *changes.Aggregator
	Reconstructor *availability.Reconstructor
	Backend       *backend.Client
	Store         *store.Store
	Scheduler     *scheduler.Scheduler
	Telegram      *notify.Service
}

func NewHandler(deps Deps, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		controller:      deps.Controller,
		resolver:        deps.Resolver,
		aggregator:      deps.Aggregator,
		reconstructor:   deps.Reconstructor,
		backend:         deps.Backend,
		store:           deps.Store,
		scheduler:       deps.Scheduler,
		telegramService: deps.Telegram,
		logger:          logger,
	}
}

// SubmitAnalysis validates and submits a listing URL. A low-confidence
// duplicate comes back as 409 with the top candidate so the caller can
// resolve it; otherwise the response carries the tracked job id.
func (h *Handler) SubmitAnalysis(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse analyze request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}

	outcome, err := h.controller.Submit(c.Request.Context(), req.URL)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidURL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": analysis.DescribeError(err)})
			return
		}
		h.logger.WithError(err).Error("Failed to submit analysis")
		c.JSON(http.StatusBadGateway, gin.H{"error": analysis.DescribeError(err)})
		return
	}

	if outcome.NeedsResolution {
		c.JSON(http.StatusConflict, gin.H{
			"needs_resolution":  true,
			"extracted_address": outcome.Candidates.ExtractedAddress,
			"top_candidate":     h.resolver.TopCandidate(outcome.Candidates),
			"candidate_count":   len(outcome.Candidates.Candidates),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": outcome.JobID})
}

// BulkReanalyze resubmits every cached listing for analysis.
func (h *Handler) BulkReanalyze(c *gin.Context) {
	submitted := h.scheduler.RunBulkReanalysis()
	c.JSON(http.StatusAccepted, gin.H{"submitted": submitted})
}

// GetJob returns the current snapshot of a tracked job.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.controller.Job(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job is not tracked"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// StreamJob streams job state snapshots as server-sent events until
// the job reaches a terminal state or the client disconnects.
// Disconnecting cancels nothing: the job keeps polling for other
// observers.
func (h *Handler) StreamJob(c *gin.Context) {
	jobID := c.Param("job_id")

	updates := make(chan models.AnalysisJob, 16)
	token, err := h.controller.Subscribe(jobID, func(job models.AnalysisJob) {
		select {
		case updates <- job:
		default: // slow client, drop in favor of newer snapshots
		}
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job is not tracked"})
		return
	}
	defer h.controller.Unsubscribe(jobID, token)

	// Send the current snapshot first so late subscribers see state.
	if job, err := h.controller.Job(jobID); err == nil {
		c.SSEvent("state", job)
		c.Writer.Flush()
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case job := <-updates:
			c.SSEvent("state", job)
			return !job.State.Terminal()
		}
	})
}

// CancelJob drops interest in a job; the remote task is fire-and-forget.
func (h *Handler) CancelJob(c *gin.Context) {
	h.controller.Cancel(c.Param("job_id"))
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ResolveDuplicate applies a caller decision for a pending duplicate.
// On failure the candidate set stays registered so the caller can retry
// with a different decision.
func (h *Handler) ResolveDuplicate(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse resolve request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}

	set, err := h.controller.PendingResolution(req.URL)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No pending duplicate resolution for this URL"})
		return
	}

	outcome, err := h.resolver.Resolve(c.Request.Context(), set, models.ResolutionDecision{
		Action:     req.Action,
		PropertyID: req.PropertyID,
		URL:        req.URL,
	})
	if err != nil {
		h.logger.WithError(err).Error("Duplicate resolution failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	h.controller.ConsumeResolution(req.URL)
	h.controller.Track(outcome.JobID, req.URL)

	c.JSON(http.StatusOK, outcome)
}

// GetProperties serves the cached listings, refreshing from the
// backend first when the cache is stale.
func (h *Handler) GetProperties(c *gin.Context) {
	if h.store.IsStale() {
		listings, err := h.backend.Properties(c.Request.Context())
		if err != nil {
			h.logger.WithError(err).Warn("Failed to refresh listings from backend, serving cache")
		} else if err := h.store.ReplaceListings(listings); err != nil {
			h.logger.WithError(err).Error("Failed to cache refreshed listings")
		}
	}

	listings, err := h.store.Listings()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read cached listings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get properties"})
		return
	}

	c.JSON(http.StatusOK, listings)
}

// GetPropertyChanges returns the normalized change history for one
// property, oldest first unless order=desc.
func (h *Handler) GetPropertyChanges(c *gin.Context) {
	propertyID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid property id"})
		return
	}

	batch, err := h.backend.PropertyChanges(c.Request.Context(), propertyID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get property changes")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to get property changes"})
		return
	}

	h.renderChanges(c, *batch, "asc")
}

// GetRecentChanges returns the normalized change feed across all
// tracked properties, newest first by default.
func (h *Handler) GetRecentChanges(c *gin.Context) {
	batch, err := h.backend.RecentChanges(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get recent changes")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to get recent changes"})
		return
	}

	h.renderChanges(c, *batch, "desc")
}

func (h *Handler) renderChanges(c *gin.Context, batch models.RawChangeBatch, defaultOrder string) {
	events := h.aggregator.Aggregate(batch)
	reverse := strings.EqualFold(c.DefaultQuery("order", defaultOrder), "desc")
	sorted := changes.SortByDetectedAt(events, reverse)

	c.JSON(http.StatusOK, gin.H{
		"changes":        sorted,
		"counts":         h.aggregator.CountByKind(sorted),
		"relevant_count": h.aggregator.RelevantCount(sorted),
		"total":          len(sorted),
	})
}

// GetPropertyAvailability reconstructs per-room availability periods
// and summaries for one property.
func (h *Handler) GetPropertyAvailability(c *gin.Context) {
	propertyID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid property id"})
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "90"))
	if err != nil || days <= 0 {
		days = 90
	}

	rooms, err := h.backend.AvailabilityTimeline(c.Request.Context(), propertyID, days)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get availability timeline")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to get availability timeline"})
		return
	}

	type roomHistory struct {
		Periods []models.AvailabilityPeriod    `json:"periods"`
		Summary models.RoomAvailabilitySummary `json:"summary"`
	}

	out := make(map[string]roomHistory, len(rooms))
	for roomID, snapshots := range rooms {
		status := ""
		if len(snapshots) > 0 {
			status = snapshots[len(snapshots)-1].Status
		}
		periods, summary := h.reconstructor.Reconstruct(roomID, snapshots, status)
		out[roomID] = roomHistory{Periods: periods, Summary: summary}
	}

	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// GetTelegramConfig returns the current Telegram configuration
func (h *Handler) GetTelegramConfig(c *gin.Context) {
	config, err := h.store.GetTelegramConfig()
	if err != nil {
		h.logger.WithError(err).Error("Failed to get Telegram config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get Telegram config"})
		return
	}

	if config == nil {
		c.JSON(http.StatusOK, gin.H{
			"is_enabled": false,
			"chat_id":    "",
			"bot_token":  "",
		})
		return
	}

	// Don't send the full bot token back to the client for security
	masked := "••••"
	if len(config.BotToken) >= 4 {
		masked += config.BotToken[len(config.BotToken)-4:]
	}
	config.BotToken = masked
	c.JSON(http.StatusOK, config)
}

// UpdateTelegramConfig updates the Telegram configuration
func (h *Handler) UpdateTelegramConfig(c *gin.Context) {
	var request models.TelegramConfigRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Error("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// Basic validation
	if len(request.BotToken) < 20 || !strings.Contains(request.BotToken, ":") {
		h.logger.Error("Invalid bot token format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bot token format. Please check your bot token from @BotFather"})
		return
	}

	if request.ChatID == "" {
		h.logger.Error("Chat ID is required")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Chat ID is required"})
		return
	}

	// Test the Telegram configuration before saving
	testService := notify.NewService(h.logger)
	testService.UpdateConfig(&models.TelegramConfig{
		BotToken:  request.BotToken,
		ChatID:    request.ChatID,
		IsEnabled: true,
	})

	testMessage := "🔔 Test notification from Roomwatch\n\nIf you see this message, your Telegram configuration is working correctly!"
	if err := testService.SendMessage(testMessage); err != nil {
		h.logger.WithError(err).Error("Failed to send test message")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Save the configuration
	if err := h.store.UpdateTelegramConfig(&request); err != nil {
		h.logger.WithError(err).Error("Failed to update Telegram config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save configuration to database"})
		return
	}

	// Update the service configuration
	if config, err := h.store.GetTelegramConfig(); err == nil && config != nil {
		h.telegramService.UpdateConfig(config)
		h.telegramService.UpdateFilters(config.Filters())
	}

	c.JSON(http.StatusOK, gin.H{"message": "Telegram configuration updated successfully"})
}

// TestTelegramConfig sends a sample change notification using the
// stored configuration.
func (h *Handler) TestTelegramConfig(c *gin.Context) {
	config, err := h.store.GetTelegramConfig()
	if err != nil {
		h.logger.WithError(err).Error("Failed to get Telegram config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get Telegram configuration"})
		return
	}

	if config == nil || !config.IsEnabled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Telegram is not configured or is disabled"})
		return
	}

	testService := notify.NewService(h.logger)
	testService.UpdateConfig(config)

	sampleEvent := models.ChangeEvent{
		Kind:     models.ChangePrice,
		Address:  "Keizersgracht 10, Amsterdam",
		OldValue: "600",
		NewValue: "550",
		Summary:  "Rent lowered",
	}

	if err := testService.NotifyChange(sampleEvent); err != nil {
		h.logger.WithError(err).Error("Failed to send test notification")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent successfully"})
}
