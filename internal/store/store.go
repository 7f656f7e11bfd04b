// Package store implements the persistence gateway over gorm. The reconciler
// treats its own view of a profile as advisory; this package owns the merge
// rules that keep persisted rows from losing data to partial updates.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigboard/gigboard/internal/identity"
	"gorm.io/gorm"
)

var (
	// ErrProfileNotFound indicates no profile row exists for the id.
	ErrProfileNotFound = errors.New("store: profile not found")
	// ErrDuplicateApplication indicates the (opportunity, user) pair already
	// has a submission.
	ErrDuplicateApplication = errors.New("store: application already exists")
	errMissingDatabase      = errors.New("store: database connection required")
)

// Config describes the store's dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store is the gorm-backed persistence gateway.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs the gateway.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// UpsertProfile creates or updates the profile keyed by the user's id and
// returns the persisted row. An upsert must never overwrite a non-empty
// persisted email with an empty incoming one, so the write is always
// preceded by a read.
func (s *Store) UpsertProfile(ctx context.Context, user identity.UnifiedUser) (identity.UnifiedUser, error) {
	if user.ID == "" {
		return identity.UnifiedUser{}, fmt.Errorf("store: profile id required")
	}

	row := profileFromUser(user)

	var existing Profile
	err := s.db.WithContext(ctx).Where("id = ?", user.ID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return identity.UnifiedUser{}, err
		}
		return userFromProfile(row), nil
	case err != nil:
		return identity.UnifiedUser{}, err
	}

	if row.Email == "" {
		row.Email = existing.Email
	}
	row.CreatedAt = existing.CreatedAt

	if err := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"session_user_id":  row.SessionUserID,
		"wallet_user_id":   row.WalletUserID,
		"email":            row.Email,
		"name":             row.Name,
		"avatar_url":       row.AvatarURL,
		"github_username":  row.GithubUsername,
		"linkedin_profile": row.LinkedinProfile,
		"wallet_address":   row.WalletAddress,
		"wallet_type":      row.WalletType,
		"auth_provider":    row.AuthProvider,
		"updated_at":       s.now(),
	}).Error; err != nil {
		return identity.UnifiedUser{}, err
	}

	return userFromProfile(row), nil
}

// GetProfile reads the persisted profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (identity.UnifiedUser, error) {
	var row Profile
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.UnifiedUser{}, ErrProfileNotFound
	}
	if err != nil {
		return identity.UnifiedUser{}, err
	}
	return userFromProfile(row), nil
}

// UpdateProfileEmail sets the email field for an existing profile.
func (s *Store) UpdateProfileEmail(ctx context.Context, id, email string) error {
	result := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", id).Updates(map[string]interface{}{
		"email":      email,
		"updated_at": s.now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// UpdateProfileWallet sets the wallet fields for an existing profile.
func (s *Store) UpdateProfileWallet(ctx context.Context, id, address, walletType string) error {
	result := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", id).Updates(map[string]interface{}{
		"wallet_address": address,
		"wallet_type":    walletType,
		"updated_at":     s.now(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// CreateApplication inserts a submission row. The unique index on
// (opportunity_id, user_id) backs up the caller's pre-insert check.
func (s *Store) CreateApplication(ctx context.Context, application Application) (Application, error) {
	if err := s.db.WithContext(ctx).Create(&application).Error; err != nil {
		if isUniqueViolation(err) {
			return Application{}, ErrDuplicateApplication
		}
		return Application{}, err
	}
	return application, nil
}

// GetApplication returns at most one submission for the (opportunity, user)
// pair.
func (s *Store) GetApplication(ctx context.Context, opportunityID, userID string) (Application, bool, error) {
	var row Application
	err := s.db.WithContext(ctx).
		Where("opportunity_id = ? AND user_id = ?", opportunityID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Application{}, false, nil
	}
	if err != nil {
		return Application{}, false, err
	}
	return row, true, nil
}

// ListOpportunities returns all postings, newest first.
func (s *Store) ListOpportunities(ctx context.Context) ([]Opportunity, error) {
	var rows []Opportunity
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetOpportunity reads one posting by id.
func (s *Store) GetOpportunity(ctx context.Context, id string) (Opportunity, bool, error) {
	var row Opportunity
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Opportunity{}, false, nil
	}
	if err != nil {
		return Opportunity{}, false, err
	}
	return row, true, nil
}

// CreateResume inserts a resume metadata row.
func (s *Store) CreateResume(ctx context.Context, resume Resume) error {
	return s.db.WithContext(ctx).Create(&resume).Error
}

// CreateJobDescription inserts a job description metadata row.
func (s *Store) CreateJobDescription(ctx context.Context, description JobDescription) error {
	return s.db.WithContext(ctx).Create(&description).Error
}

func profileFromUser(user identity.UnifiedUser) Profile {
	row := Profile{
		ID:              user.ID,
		Email:           user.Email,
		Name:            user.Name,
		AvatarURL:       user.AvatarURL,
		GithubUsername:  user.GithubUsername,
		LinkedinProfile: user.LinkedinProfile,
		WalletAddress:   user.WalletAddress,
		WalletType:      user.WalletType,
		AuthProvider:    string(user.AuthProvider),
	}
	switch user.AuthProvider {
	case identity.ProviderWallet:
		row.WalletUserID = user.ID
	default:
		row.SessionUserID = user.ID
	}
	return row
}

func userFromProfile(row Profile) identity.UnifiedUser {
	user := identity.UnifiedUser{
		ID:              row.ID,
		Email:           row.Email,
		Name:            row.Name,
		AvatarURL:       row.AvatarURL,
		GithubUsername:  row.GithubUsername,
		LinkedinProfile: row.LinkedinProfile,
		WalletAddress:   row.WalletAddress,
		WalletType:      row.WalletType,
		AuthProvider:    identity.Provider(row.AuthProvider),
	}
	if row.WalletUserID != "" {
		user.ProviderUserID = row.WalletUserID
	}
	return user
}

// isUniqueViolation matches sqlite's constraint error text; gorm surfaces
// driver errors without a portable sentinel for this case.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
