package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/analysis"
	"roomwatch/server/internal/models"
)

// ListingSource yields the URLs to resubmit; backed by the listings
// cache in production.
type ListingSource interface {
	Listings() ([]models.PropertyListing, error)
}

// Scheduler runs a daily bulk re-analysis of every cached listing so
// change histories keep accruing even without manual submissions.
type Scheduler struct {
	controller *analysis.Controller
	source     ListingSource
	logger     *logrus.Logger
	stopChan   chan struct{}
	wg         sync.WaitGroup
	hour       int
	jobMutex   sync.Mutex // Ensures sequential run execution
}

// NewScheduler creates a scheduler that triggers at the given hour.
func NewScheduler(controller *analysis.Controller, source ListingSource, hour int, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Scheduler{
		controller: controller,
		source:     source,
		logger:     logger,
		stopChan:   make(chan struct{}),
		hour:       hour,
	}
}

// Start begins the scheduled runs.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case t := <-ticker.C:
			if t.Hour() == s.hour && t.Minute() == 0 {
				s.RunBulkReanalysis()
			}
		}
	}
}

// RunBulkReanalysis resubmits every cached listing URL for analysis.
// Each submission gets its own tracked job; runs never overlap.
func (s *Scheduler) RunBulkReanalysis() (submitted int) {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	listings, err := s.source.Listings()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load listings for re-analysis")
		return 0
	}

	s.logger.WithField("listings", len(listings)).Info("Starting bulk re-analysis run")

	for _, listing := range listings {
		outcome, err := s.controller.Submit(context.Background(), listing.URL)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"url":         listing.URL,
				"property_id": listing.ID,
			}).Error("Re-analysis submission failed")
			continue
		}
		if outcome.NeedsResolution {
			// A re-analysis of a known listing should not normally be
			// ambiguous; leave it for a human and move on.
			s.logger.WithField("url", listing.URL).Warn("Re-analysis flagged a duplicate, skipping")
			continue
		}
		submitted++
	}

	s.logger.WithFields(logrus.Fields{
		"listings":  len(listings),
		"submitted": submitted,
	}).Info("Completed bulk re-analysis run")

	return submitted
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}
