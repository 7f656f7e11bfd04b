// Package applications implements the submission side of the apply workflow:
// one application per (user, opportunity) pair, created by explicit user
// action and never mutated afterwards by this core.
package applications

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gigboard/gigboard/internal/identity"
	"github.com/gigboard/gigboard/internal/notify"
	"github.com/gigboard/gigboard/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatusSubmitted is the lifecycle state every new application starts in.
// Later transitions are administrative and happen outside this core.
const StatusSubmitted = "submitted"

var errMissingStore = errors.New("applications: store required")

// ServiceConfig describes the submission service dependencies.
type ServiceConfig struct {
	Store    *store.Store
	Notifier notify.Notifier
	Tracker  identity.Tracker
	Logger   *zap.Logger
	Clock    func() time.Time
	NewID    func() string
}

// Service handles application submission and status lookups.
type Service struct {
	store    *store.Store
	notifier notify.Notifier
	tracker  identity.Tracker
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewService constructs the submission service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		tracker:  cfg.Tracker,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		newID:    cfg.NewID,
	}, nil
}

// SubmitRequest is one application submission.
type SubmitRequest struct {
	OpportunityID string
	Payload       map[string]any
}

// SubmitResult reports what happened to a submission attempt.
type SubmitResult struct {
	Submitted      bool
	AlreadyApplied bool
	ApplicationID  string
}

// Submit validates and inserts an application. An existing row for the pair
// surfaces as "already applied" and is never followed by a duplicate insert.
// Submission failures are reported through notices, never as panics or
// unhandled errors to the caller's UI.
func (s *Service) Submit(ctx context.Context, user *identity.UnifiedUser, request SubmitRequest) SubmitResult {
	if user == nil {
		s.notice(notify.LevelError, "Authentication required", "Please sign in to submit an application.")
		return SubmitResult{}
	}
	if request.OpportunityID == "" {
		s.notice(notify.LevelError, "Submission failed", "This opportunity is missing an identifier.")
		return SubmitResult{}
	}

	if existing, found, err := s.store.GetApplication(ctx, request.OpportunityID, user.ID); err != nil {
		s.logger.Warn("application status check failed",
			zap.String("opportunity_id", request.OpportunityID),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
	} else if found {
		s.notice(notify.LevelInfo, "Already applied", "You have already applied to this opportunity.")
		return SubmitResult{AlreadyApplied: true, ApplicationID: existing.ID}
	}

	payload := s.snapshotPayload(user, request.Payload)

	application := store.Application{
		ID:            s.newID(),
		OpportunityID: request.OpportunityID,
		UserID:        user.ID,
		Payload:       payload,
		Status:        StatusSubmitted,
		CreatedAt:     s.now(),
	}

	created, err := s.store.CreateApplication(ctx, application)
	if errors.Is(err, store.ErrDuplicateApplication) {
		// The pre-check raced a concurrent insert; same outcome.
		s.notice(notify.LevelInfo, "Already applied", "You have already applied to this opportunity.")
		return SubmitResult{AlreadyApplied: true}
	}
	if err != nil {
		s.logger.Warn("application insert failed",
			zap.String("opportunity_id", request.OpportunityID),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		s.notice(notify.LevelError, "Submission failed", "Failed to submit your application. Please try again.")
		return SubmitResult{}
	}

	s.notice(notify.LevelSuccess, "Application submitted", "Your application has been submitted.")
	if s.tracker != nil {
		s.tracker.Track("ApplicationSubmitted", map[string]any{
			"opportunityId": request.OpportunityID,
			"userId":        user.ID,
			"hasWallet":     user.HasWallet(),
		})
	}
	return SubmitResult{Submitted: true, ApplicationID: created.ID}
}

// Status reports whether the user already applied to the opportunity.
type Status struct {
	HasApplied    bool      `json:"hasApplied"`
	ApplicationID string    `json:"applicationId,omitempty"`
	Status        string    `json:"status,omitempty"`
	AppliedAt     time.Time `json:"appliedAt,omitzero"`
}

// CheckStatus returns the at-most-one existing application for the pair.
// Lookup failures degrade to "not applied" rather than blocking the page.
func (s *Service) CheckStatus(ctx context.Context, user *identity.UnifiedUser, opportunityID string) Status {
	if user == nil || opportunityID == "" {
		return Status{}
	}
	application, found, err := s.store.GetApplication(ctx, opportunityID, user.ID)
	if err != nil {
		s.logger.Warn("application status lookup failed",
			zap.String("opportunity_id", opportunityID),
			zap.String("user_id", user.ID),
			zap.Error(err),
		)
		return Status{}
	}
	if !found {
		return Status{}
	}
	return Status{
		HasApplied:    true,
		ApplicationID: application.ID,
		Status:        application.Status,
		AppliedAt:     application.CreatedAt,
	}
}

// snapshotPayload captures the applicant's email/github/wallet state at
// submission time alongside any caller-provided fields.
func (s *Service) snapshotPayload(user *identity.UnifiedUser, extra map[string]any) string {
	payload := map[string]any{
		"email":           user.Email,
		"github_username": user.GithubUsername,
		"wallet_address":  user.WalletAddress,
	}
	for key, value := range extra {
		payload[key] = value
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("payload encode failed", zap.Error(err))
		return "{}"
	}
	return string(encoded)
}

func (s *Service) notice(level notify.Level, title, detail string) {
	if s.notifier != nil {
		s.notifier.Push(notify.Notice{Level: level, Title: title, Detail: detail})
	}
}
