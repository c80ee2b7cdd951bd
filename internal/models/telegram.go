package models

import (
	"strings"
	"time"
)

// TelegramConfig stores the bot credentials and notification settings.
// NotifyKinds is a comma-separated list of change kinds to announce;
// empty means all kinds.
type TelegramConfig struct {
	ID          int64     `json:"id" gorm:"primaryKey"`
	IsEnabled   bool      `json:"is_enabled"`
	BotToken    string    `json:"bot_token"`
	ChatID      string    `json:"chat_id"`
	NotifyKinds string    `json:"notify_kinds"`
	DropsOnly   bool      `json:"drops_only"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Filters materializes the stored filter settings.
func (c *TelegramConfig) Filters() *TelegramFilters {
	filters := &TelegramFilters{DropsOnly: c.DropsOnly}
	for _, raw := range strings.Split(c.NotifyKinds, ",") {
		kind := strings.TrimSpace(raw)
		if kind != "" {
			filters.Kinds = append(filters.Kinds, ChangeKind(kind))
		}
	}
	return filters
}

// TelegramConfigRequest is used when updating the configuration
type TelegramConfigRequest struct {
	IsEnabled   bool     `json:"is_enabled"`
	BotToken    string   `json:"bot_token"`
	ChatID      string   `json:"chat_id"`
	NotifyKinds []string `json:"notify_kinds"`
	DropsOnly   bool     `json:"drops_only"`
}

// TelegramFilters stores the notification filter settings
type TelegramFilters struct {
	Kinds     []ChangeKind `json:"kinds"`
	DropsOnly bool         `json:"drops_only"`
}

// Allows checks whether a change event passes the filter criteria.
func (f *TelegramFilters) Allows(event ChangeEvent) bool {
	if f == nil {
		return true // No filters means allow all
	}

	if len(f.Kinds) > 0 {
		allowed := false
		for _, k := range f.Kinds {
			if k == event.Kind {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return true
}
