package accounts

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
)

// Account is a registered user.
type Account struct {
	ID             string    `gorm:"column:account_id;primaryKey;size:190;not null"`
	FullName       string    `gorm:"column:full_name;size:320"`
	PreferredEmail string    `gorm:"column:preferred_email;size:320"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Email is a verified address of an account.
type Email struct {
	AccountID string `gorm:"column:account_id;primaryKey;size:190;not null"`
	Address   string `gorm:"column:address;primaryKey;size:320;not null"`
}

// TableName exposes the table backing account emails.
func (Email) TableName() string {
	return "account_emails"
}

// Profile is an account together with every registered email.
type Profile struct {
	Account
	Emails []string
}

// HasEmail reports whether address belongs to the account.
func (p Profile) HasEmail(address string) bool {
	wanted := normalizeEmail(address)
	if wanted == "" {
		return false
	}
	if normalizeEmail(p.PreferredEmail) == wanted {
		return true
	}
	for _, email := range p.Emails {
		if normalizeEmail(email) == wanted {
			return true
		}
	}
	return false
}

// DisplayName returns the full name or the id.
func (p Profile) DisplayName() string {
	if name := strings.TrimSpace(p.FullName); name != "" {
		return name
	}
	return p.ID
}

// Ident builds a commit identity using the preferred email.
func (p Profile) Ident(when time.Time) gitstore.Ident {
	return p.IdentWithEmail(p.PreferredEmail, when)
}

// IdentWithEmail builds a commit identity with an explicit email.
func (p Profile) IdentWithEmail(email string, when time.Time) gitstore.Ident {
	return gitstore.Ident{Name: p.DisplayName(), Email: email, When: when.UTC()}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
