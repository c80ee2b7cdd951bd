package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/changes"
	"roomwatch/server/internal/events"
	"roomwatch/server/internal/models"
)

// ChangeSource provides the normalized change feed consulted after a
// completed analysis.
type ChangeSource interface {
	RecentChanges(ctx context.Context) ([]models.ChangeEvent, error)
}

// Service pushes analysis and change notifications to a Telegram chat.
// It is optional: with no configuration saved, every call is a no-op.
type Service struct {
	logger   *logrus.Logger
	client   *http.Client
	config   *models.TelegramConfig
	filters  *models.TelegramFilters
	source   ChangeSource
	lastSeen time.Time
	apiBase  string
}

func NewService(logger *logrus.Logger) *Service {
	return &Service{
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Changes detected before startup are old news.
		lastSeen: time.Now().UTC(),
		apiBase:  "https://api.telegram.org",
	}
}

func (s *Service) UpdateConfig(config *models.TelegramConfig) {
	s.config = config
}

func (s *Service) UpdateFilters(filters *models.TelegramFilters) {
	s.filters = filters
}

// SetChangeSource enables change announcements after completed jobs.
func (s *Service) SetChangeSource(source ChangeSource) {
	s.source = source
}

// HandleJobUpdate is the bus subscription entry point: completed
// analyses are announced along with any changes they surfaced,
// everything else ignored.
func (s *Service) HandleJobUpdate(update events.JobUpdate) error {
	if !update.Completed() {
		return nil
	}
	if err := s.NotifyAnalysisComplete(update.Job); err != nil {
		return err
	}
	return s.announceNewChanges()
}

// announceNewChanges pushes change events detected since the previous
// announcement through the configured filters. The watermark advances
// even when delivery of an individual event fails, so a flaky Telegram
// API never causes repeated announcements.
func (s *Service) announceNewChanges() error {
	if s.source == nil || s.config == nil || !s.config.IsEnabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	changeEvents, err := s.source.RecentChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch recent changes: %w", err)
	}

	watermark := s.lastSeen
	for _, event := range changeEvents {
		if !event.DetectedAt.After(s.lastSeen) {
			continue
		}
		if event.DetectedAt.After(watermark) {
			watermark = event.DetectedAt
		}
		if err := s.NotifyChange(event); err != nil {
			s.logger.WithError(err).WithField("kind", event.Kind).Error("Failed to announce change")
		}
	}
	s.lastSeen = watermark
	return nil
}

// SendMessage sends a message to the configured Telegram chat
func (s *Service) SendMessage(message string) error {
	if s.config == nil || !s.config.IsEnabled {
		return nil
	}

	if s.config.BotToken == "" {
		return errors.New("Telegram bot token is not configured")
	}

	if s.config.ChatID == "" {
		return errors.New("Telegram chat ID is not configured")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.config.BotToken)
	payload := map[string]interface{}{
		"chat_id":    s.config.ChatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %v", err)
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send message to Telegram API: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return errors.New("invalid bot token - please check your token from @BotFather")
		case http.StatusBadRequest:
			return fmt.Errorf("invalid chat ID or message format: %s", string(body))
		case http.StatusForbidden:
			return errors.New("bot was blocked by the user or chat")
		case http.StatusNotFound:
			return errors.New("bot not found - please check your token from @BotFather")
		default:
			return fmt.Errorf("Telegram API error (status %d): %s", resp.StatusCode, string(body))
		}
	}

	return nil
}

// NotifyAnalysisComplete announces a finished analysis run for a
// listing URL.
func (s *Service) NotifyAnalysisComplete(job models.AnalysisJob) error {
	if s.config == nil || !s.config.IsEnabled {
		return nil
	}

	message := fmt.Sprintf(
		"<b>Analysis complete</b>\n\n"+
			"🔗 <a href=\"%s\">View listing</a>\n"+
			"🆔 Job %s",
		job.SourceURL,
		job.JobID,
	)
	return s.SendMessage(message)
}

// NotifyChange announces one normalized change event. Price changes
// carry the computed delta; favorable drops get called out.
func (s *Service) NotifyChange(event models.ChangeEvent) error {
	if s.config == nil || !s.config.IsEnabled {
		return nil
	}
	if !s.filters.Allows(event) {
		return nil
	}

	var message string
	switch event.Kind {
	case models.ChangePrice:
		delta := changes.PriceDelta(event)
		if s.filters != nil && s.filters.DropsOnly && !delta.Favorable {
			return nil
		}
		icon := "📈"
		if delta.Direction == changes.DirectionDecrease {
			icon = "📉"
		}
		deltaText := "unknown"
		if delta.Known {
			deltaText = fmt.Sprintf("%+.0f", delta.Value)
		}
		message = fmt.Sprintf(
			"%s <b>Price change</b>\n\n🏠 %s\n💰 %s → %s (%s)",
			icon, event.Address, event.OldValue, event.NewValue, deltaText,
		)
	case models.ChangeStatus:
		message = fmt.Sprintf(
			"🔄 <b>Status change</b>\n\n🏠 %s\n%s → %s",
			event.Address, event.OldValue, event.NewValue,
		)
	default:
		summary := event.Summary
		if summary == "" {
			summary = string(event.Kind)
		}
		message = fmt.Sprintf("ℹ️ <b>Listing update</b>\n\n🏠 %s\n%s", event.Address, summary)
	}

	return s.SendMessage(message)
}
