package events

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/models"
)

var (
	ErrBusFull   = errors.New("event bus is full")
	ErrBusClosed = errors.New("event bus is closed")
)

// JobUpdate is one observed state change of a tracked analysis job.
// Subscribers receive value copies and must not assume shared state.
type JobUpdate struct {
	Job models.AnalysisJob
}

// Completed reports whether this update is a successful terminal one,
// which is the signal that cached property data is now stale.
func (u JobUpdate) Completed() bool {
	return u.Job.State == models.JobCompleted
}

// Bus fans job updates out to subscribed handlers from a single
// dispatch goroutine, decoupling the poll loops from slow consumers.
type Bus struct {
	items    chan JobUpdate
	done     chan struct{}
	maxSize  int
	closed   bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []func(JobUpdate) error
}

// NewBus creates a bus with the specified buffer size.
func NewBus(bufferSize int, logger *logrus.Logger) *Bus {
	return &Bus{
		items:    make(chan JobUpdate, bufferSize),
		done:     make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]func(JobUpdate) error, 0),
	}
}

// Publish adds an update to the bus.
func (b *Bus) Publish(update JobUpdate) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.mu.RUnlock()

	// Non-blocking send to prevent deadlocks
	select {
	case b.items <- update:
		b.logger.WithFields(logrus.Fields{
			"job_id": update.Job.JobID,
			"state":  update.Job.State,
		}).Debug("Published job update")
		return nil
	default:
		return ErrBusFull
	}
}

// Subscribe adds a handler function that will be called for each update
func (b *Bus) Subscribe(handler func(JobUpdate) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Start begins dispatching updates
func (b *Bus) Start() {
	go b.process()
}

// process handles the dispatch loop
func (b *Bus) process() {
	for {
		select {
		case <-b.done:
			return
		case update, ok := <-b.items:
			// Close also closes items; a drained closed channel yields
			// zero values that must never reach handlers.
			if !ok {
				return
			}
			b.dispatch(update)
		}
	}
}

// dispatch sends the update to all subscribed handlers
func (b *Bus) dispatch(update JobUpdate) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(update); err != nil {
			b.logger.WithError(err).WithField("job_id", update.Job.JobID).Error("Handler failed to process job update")
		}
	}
}

// Close stops the bus and prevents new updates from being published
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	close(b.done)
	close(b.items)
	return nil
}

// Len returns the current number of queued updates
func (b *Bus) Len() int {
	return len(b.items)
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
