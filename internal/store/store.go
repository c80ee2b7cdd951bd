package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"roomwatch/server/internal/models"
)

// Store is the local read-model cache of property listings pulled from
// the backend. It is never authoritative: the backend owns the data,
// and a completed analysis marks the cache stale so readers refresh.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger

	retries    int
	retryDelay time.Duration

	mu        sync.RWMutex
	stale     bool
	refreshed time.Time
}

// Open opens (or creates) the sqlite cache at dbPath and runs
// migrations.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	sqlDB, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// Enable foreign keys
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	if err := db.AutoMigrate(&models.PropertyListing{}, &models.TelegramConfig{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:         db,
		logger:     logger,
		retries:    3,
		retryDelay: time.Second,
		stale:      true, // empty cache starts stale
	}, nil
}

// NewWithDB wraps an existing gorm handle; used by tests.
func NewWithDB(db *gorm.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger, retries: 3, retryDelay: time.Second, stale: true}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReplaceListings upserts a refreshed listing batch inside a
// transaction, retrying transient failures, and marks the cache fresh.
func (s *Store) ReplaceListings(listings []models.PropertyListing) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Infof("Retrying listing cache refresh, attempt %d of %d", attempt, s.retries)
			time.Sleep(s.retryDelay)
		}

		err = s.db.Transaction(func(tx *gorm.DB) error {
			if len(listings) == 0 {
				return nil
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&listings).Error; err != nil {
				return fmt.Errorf("failed to upsert listings batch: %w", err)
			}
			return nil
		})

		if err == nil {
			s.mu.Lock()
			s.stale = false
			s.refreshed = time.Now().UTC()
			s.mu.Unlock()
			s.logger.Infof("Successfully cached %d listings", len(listings))
			return nil
		}

		s.logger.Errorf("Listing cache refresh failed: %v", err)
	}

	return fmt.Errorf("failed to refresh listing cache after %d attempts: %w", s.retries, err)
}

// Listings returns the cached property listings.
func (s *Store) Listings() ([]models.PropertyListing, error) {
	var listings []models.PropertyListing
	if err := s.db.Order("last_analyzed_at DESC").Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

// MarkStale flags the cache for refresh; called when an analysis job
// completes.
func (s *Store) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
	s.logger.Debug("Listing cache marked stale")
}

// IsStale reports whether readers should refresh from the backend.
func (s *Store) IsStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// LastRefreshed returns when the cache was last replaced.
func (s *Store) LastRefreshed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshed
}

// GetTelegramConfig returns the stored notifier configuration, or nil
// when none has been saved yet.
func (s *Store) GetTelegramConfig() (*models.TelegramConfig, error) {
	var config models.TelegramConfig
	err := s.db.First(&config).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// UpdateTelegramConfig saves the notifier configuration, replacing any
// previous row.
func (s *Store) UpdateTelegramConfig(req *models.TelegramConfigRequest) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.TelegramConfig{}).Error; err != nil {
			return err
		}
		config := models.TelegramConfig{
			IsEnabled:   req.IsEnabled,
			BotToken:    req.BotToken,
			ChatID:      req.ChatID,
			NotifyKinds: strings.Join(req.NotifyKinds, ","),
			DropsOnly:   req.DropsOnly,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		return tx.Create(&config).Error
	})
}
