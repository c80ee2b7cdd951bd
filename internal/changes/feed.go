package changes

import (
	"context"

	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/models"
)

// Feed fetches the recent-change feed from the backend and normalizes
// it into change events sorted oldest first.
type Feed struct {
	backend    *backend.Client
	aggregator *Aggregator
}

func NewFeed(client *backend.Client, aggregator *Aggregator) *Feed {
	return &Feed{backend: client, aggregator: aggregator}
}

func (f *Feed) RecentChanges(ctx context.Context) ([]models.ChangeEvent, error) {
	batch, err := f.backend.RecentChanges(ctx)
	if err != nil {
		return nil, err
	}
	return SortByDetectedAt(f.aggregator.Aggregate(*batch), false), nil
}
