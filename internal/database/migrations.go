package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationShortBranchNames     = "2026-09-14_short_branch_names"
	migrationBackfillRealUploader = "2026-09-21_backfill_real_uploader"
	migrationDropOrphanEmails     = "2026-10-05_drop_orphan_account_emails"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// dataMigration repairs rows written by older releases. Schema changes belong in the gorm
// models; these only touch data.
type dataMigration struct {
	name  string
	apply func(*gorm.DB) (int64, error)
}

var dataMigrations = []dataMigration{
	{name: migrationShortBranchNames, apply: shortenBranchNames},
	{name: migrationBackfillRealUploader, apply: backfillRealUploader},
	{name: migrationDropOrphanEmails, apply: dropOrphanEmails},
}

// applyMigrations runs every pending data migration in order. Each one commits together with
// its db_migrations record.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	applied := map[string]bool{}
	var records []migrationRecord
	if err := db.Find(&records).Error; err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	for _, record := range records {
		applied[record.Name] = true
	}

	for _, migration := range dataMigrations {
		if applied[migration.name] {
			continue
		}
		var rows int64
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			if rows, err = migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name), zap.Int64("rows", rows))
	}
	return nil
}

// shortenBranchNames strips the refs/heads/ prefix that early rows stored in changes.branch.
func shortenBranchNames(db *gorm.DB) (int64, error) {
	const prefix = "refs/heads/"
	result := db.Model(&changes.Change{}).
		Where("branch LIKE ?", prefix+"%").
		Update("branch", gorm.Expr("substr(branch, ?)", len(prefix)+1))
	return result.RowsAffected, result.Error
}

func backfillRealUploader(db *gorm.DB) (int64, error) {
	result := db.Model(&changes.PatchSet{}).
		Where("real_uploader = '' OR real_uploader IS NULL").
		Update("real_uploader", gorm.Expr("uploader"))
	return result.RowsAffected, result.Error
}

func dropOrphanEmails(db *gorm.DB) (int64, error) {
	result := db.Where("account_id NOT IN (?)", db.Model(&accounts.Account{}).Select("account_id")).
		Delete(&accounts.Email{})
	return result.RowsAffected, result.Error
}
