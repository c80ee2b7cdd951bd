package duplicates

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"roomwatch/server/internal/backend"
	"roomwatch/server/internal/models"
)

// ResolutionError is a duplicate-decision operation the backend
// rejected. It is surfaced as-is and never retried automatically; the
// caller must re-invoke with an explicit decision.
type ResolutionError struct {
	Action models.ResolutionAction
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution %s failed: %v", e.Action, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Outcome is the single notification a resolved decision produces.
// JobID is always set: even link-only operations kick off a fresh
// analysis so downstream data gets fetched. Fallback marks a decision
// the resolver substituted because the requested capability was
// unavailable, so the substitution stays observable.
type Outcome struct {
	JobID           string                  `json:"job_id"`
	AppliedAction   models.ResolutionAction `json:"applied_action"`
	RequestedAction models.ResolutionAction `json:"requested_action"`
	Fallback        bool                    `json:"fallback"`
}

// Resolver drives the three-way duplicate resolution workflow. It is
// stateless; the controller owns the pending candidate sets.
type Resolver struct {
	backend *backend.Client
	logger  *logrus.Logger
}

// NewResolver creates a resolver backed by the given client.
func NewResolver(client *backend.Client, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Resolver{
		backend: client,
		logger:  logger,
	}
}

// TopCandidate returns the candidate presented to the caller. Only the
// best match is ever shown; the rest of the set exists for explanatory
// detail such as match factors.
func (r *Resolver) TopCandidate(set *models.DuplicateCandidateSet) models.MatchCandidate {
	return set.Candidates[0]
}

// Resolve applies one caller decision and returns exactly one outcome.
// On ambiguous backend failure it returns a ResolutionError without
// retrying, leaving the candidate set usable for a different decision.
func (r *Resolver) Resolve(ctx context.Context, set *models.DuplicateCandidateSet, decision models.ResolutionDecision) (*Outcome, error) {
	log := r.logger.WithFields(logrus.Fields{
		"action":      decision.Action,
		"url":         decision.URL,
		"property_id": decision.PropertyID,
	})
	log.Info("Resolving duplicate decision")

	switch decision.Action {
	case models.ActionLinkToExisting:
		return r.linkToExisting(ctx, decision)
	case models.ActionAddSeparateRoom:
		return r.addSeparateRoom(ctx, decision)
	case models.ActionCreateSeparate:
		return r.createSeparate(ctx, decision, decision.Action, false)
	default:
		return nil, &ResolutionError{Action: decision.Action, Err: fmt.Errorf("unknown resolution action %q", decision.Action)}
	}
}

// linkToExisting attaches the new URL to the existing property. The
// link itself triggers no scrape, so a follow-up analysis is submitted
// to keep downstream data fresh.
func (r *Resolver) linkToExisting(ctx context.Context, decision models.ResolutionDecision) (*Outcome, error) {
	if err := r.backend.LinkURL(ctx, decision.PropertyID, decision.URL); err != nil {
		return nil, &ResolutionError{Action: decision.Action, Err: err}
	}

	resp, err := r.backend.Analyze(ctx, decision.URL, false)
	if err != nil {
		return nil, &ResolutionError{Action: decision.Action, Err: err}
	}

	return &Outcome{
		JobID:           resp.JobID,
		AppliedAction:   models.ActionLinkToExisting,
		RequestedAction: decision.Action,
	}, nil
}

// addSeparateRoom registers a new room under the existing property's
// building. When the backend lacks the capability, the submission is
// never dropped: it falls back to creating a separate property, marked
// as a fallback in the outcome.
func (r *Resolver) addSeparateRoom(ctx context.Context, decision models.ResolutionDecision) (*Outcome, error) {
	err := r.backend.AddSeparateRoom(ctx, decision.PropertyID, decision.URL)
	if errors.Is(err, backend.ErrUnsupported) {
		r.logger.WithField("url", decision.URL).Warn("Separate-room unsupported by backend, falling back to separate property")
		return r.createSeparate(ctx, decision, decision.Action, true)
	}
	if err != nil {
		return nil, &ResolutionError{Action: decision.Action, Err: err}
	}

	resp, err := r.backend.Analyze(ctx, decision.URL, false)
	if err != nil {
		return nil, &ResolutionError{Action: decision.Action, Err: err}
	}

	return &Outcome{
		JobID:           resp.JobID,
		AppliedAction:   models.ActionAddSeparateRoom,
		RequestedAction: decision.Action,
	}, nil
}

// createSeparate forces a brand-new property record, bypassing
// duplicate detection for this submission.
func (r *Resolver) createSeparate(ctx context.Context, decision models.ResolutionDecision, requested models.ResolutionAction, fallback bool) (*Outcome, error) {
	resp, err := r.backend.Analyze(ctx, decision.URL, true)
	if err != nil {
		return nil, &ResolutionError{Action: requested, Err: err}
	}

	return &Outcome{
		JobID:           resp.JobID,
		AppliedAction:   models.ActionCreateSeparate,
		RequestedAction: requested,
		Fallback:        fallback,
	}, nil
}
