package config

import (
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	// Port the API server listens on
	Port string `env:"PORT" envDefault:"5280"`

	// DatabasePath is the sqlite file backing the listings cache
	DatabasePath string `env:"DATABASE_PATH" envDefault:"database/roomwatch.db"`

	// Backend configuration
	Backend struct {
		// BaseURL of the scraper backend's REST API
		BaseURL string `env:"BACKEND_URL" envDefault:"http://localhost:8000/api"`

		// ListingDomain a submitted URL must belong to
		ListingDomain string `env:"LISTING_DOMAIN" envDefault:"kamernet.nl"`
	}

	// Analysis job tracking configuration
	Analysis struct {
		// AutoLinkThreshold: duplicate confidence at or above which the
		// backend auto-links and no caller resolution is needed
		AutoLinkThreshold float64 `env:"AUTO_LINK_THRESHOLD" envDefault:"0.7"`

		// InitialDelay before the first status poll
		InitialDelay time.Duration `env:"POLL_INITIAL_DELAY" envDefault:"2s"`

		// PollInterval between subsequent status polls
		PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

		// MaxPolls before a job is force-failed with a timeout
		MaxPolls int `env:"POLL_MAX" envDefault:"60"`
	}

	// Changes configuration
	Changes struct {
		// IrrelevantKinds excluded from the relevant-change count
		IrrelevantKinds []string `env:"IRRELEVANT_CHANGE_KINDS" envSeparator:"," envDefault:"other"`
	}

	// Scheduler configuration
	Scheduler struct {
		// ReanalyzeHour: hour of day (0-23) for the bulk re-analysis run
		ReanalyzeHour int `env:"REANALYZE_HOUR" envDefault:"6"`

		// Enabled toggles the periodic re-analysis run
		Enabled bool `env:"REANALYZE_ENABLED" envDefault:"true"`
	}
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
