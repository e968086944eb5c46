package database

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/logging"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBusyTimeout = 5 * time.Second
	defaultSlowQuery   = 200 * time.Millisecond
)

// Models lists every table owned by the service.
func Models() []any {
	models := []any{
		&gitstore.Ref{},
		&labels.LabelConfig{},
		&accounts.Account{},
		&accounts.Email{},
		&migrationRecord{},
	}
	return append(models, changes.Models()...)
}

// SQLiteConfig describes the metadata database.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	// SlowQuery is the statement duration logged at warn level.
	SlowQuery time.Duration
	Logger    *zap.Logger
}

// OpenSQLite opens the metadata database, brings the schema up to date and runs pending data
// migrations. Ref updates and change writes share one connection, so SQLite never sees
// concurrent writers from this process.
func OpenSQLite(cfg SQLiteConfig) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	slowQuery := cfg.SlowQuery
	if slowQuery <= 0 {
		slowQuery = defaultSlowQuery
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(cfg.Path, cfg.BusyTimeout)), &gorm.Config{
		Logger:                 logging.NewGormLogger(logger, slowQuery),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", cfg.Path), zap.Int("tables", len(Models())))
	return db, nil
}

// sqliteDSN appends connection pragmas to path. File databases use the write-ahead log.
func sqliteDSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	pragmas := url.Values{}
	pragmas.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	if !strings.Contains(path, ":memory:") && !strings.Contains(path, "mode=memory") {
		pragmas.Add("_pragma", "journal_mode(WAL)")
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + pragmas.Encode()
}
