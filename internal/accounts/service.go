package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAccountNotFound indicates no account exists for the id.
	ErrAccountNotFound = errors.New("accounts: account not found")
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("accounts: invalid identity")
)

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages accounts and their emails.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Upsert creates or updates an account and adds the given emails.
func (s *Service) Upsert(ctx context.Context, account Account, emails ...string) (Profile, error) {
	account.ID = normalize(account.ID)
	if account.ID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	account.FullName = normalize(account.FullName)
	account.PreferredEmail = normalize(account.PreferredEmail)
	account.LastSeenAt = s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_name", "preferred_email", "last_seen_at", "updated_at"}),
		}).Create(&account).Error; err != nil {
			return err
		}
		addresses := append([]string{account.PreferredEmail}, emails...)
		for _, address := range addresses {
			address = normalize(address)
			if address == "" {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&Email{AccountID: account.ID, Address: address}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	s.cache.Delete(account.ID)
	return s.Get(ctx, account.ID)
}

// Get loads an account profile.
func (s *Service) Get(ctx context.Context, id string) (Profile, error) {
	id = normalize(id)
	if cached, ok := s.cache.Load(id); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}
	var account Account
	err := s.db.WithContext(ctx).Where("account_id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return Profile{}, err
	}
	var emails []Email
	if err := s.db.WithContext(ctx).Where("account_id = ?", id).Order("address ASC").Find(&emails).Error; err != nil {
		return Profile{}, err
	}
	profile := Profile{Account: account, Emails: make([]string, 0, len(emails))}
	for _, email := range emails {
		profile.Emails = append(profile.Emails, email.Address)
	}
	s.cache.Store(id, profile)
	return profile, nil
}

// ResolveSession maps validated session claims onto an account, registering it on first sight.
func (s *Service) ResolveSession(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	accountID := claims.Identity()
	if accountID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	profile, err := s.Get(ctx, accountID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Profile{}, err
	}
	return s.Upsert(ctx, Account{
		ID:             accountID,
		FullName:       claims.DisplayName,
		PreferredEmail: claims.Email,
	})
}
