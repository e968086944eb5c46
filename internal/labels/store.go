package labels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("labels: database handle is required")

// LabelConfig is the persisted configuration of a project label.
type LabelConfig struct {
	Project       string    `gorm:"column:project;primaryKey;size:190;not null"`
	Name          string    `gorm:"column:name;primaryKey;size:190;not null"`
	MinValue      int       `gorm:"column:min_value;not null"`
	MaxValue      int       `gorm:"column:max_value;not null"`
	Function      string    `gorm:"column:function;size:32;not null"`
	CopyCondition string    `gorm:"column:copy_condition;size:1024"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing label configuration.
func (LabelConfig) TableName() string {
	return "label_configs"
}

// Store persists per-project label configuration.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a label store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// WithTx binds the store to an open transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// ForProject returns the project's labels, falling back to the defaults when none are configured.
func (s *Store) ForProject(ctx context.Context, project string) (Types, error) {
	var rows []LabelConfig
	if err := s.db.WithContext(ctx).Where("project = ?", project).Find(&rows).Error; err != nil {
		return Types{}, err
	}
	if len(rows) == 0 {
		return NewTypes(Defaults()...), nil
	}
	types := make([]LabelType, 0, len(rows))
	for _, row := range rows {
		labelType, err := row.toLabelType()
		if err != nil {
			return Types{}, fmt.Errorf("labels: project %s label %s: %w", project, row.Name, err)
		}
		types = append(types, labelType)
	}
	return NewTypes(types...), nil
}

// Put stores a label configuration. The first label written for a project replaces the defaults,
// so the remaining default labels are materialized alongside it.
func (s *Store) Put(ctx context.Context, project string, labelType LabelType) error {
	if err := validate(labelType); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&LabelConfig{}).Where("project = ?", project).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			for _, fallback := range Defaults() {
				if strings.EqualFold(fallback.Name, labelType.Name) {
					continue
				}
				row := fromLabelType(project, fallback)
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			}
		}
		row := fromLabelType(project, labelType)
		return tx.Save(&row).Error
	})
}

// Delete removes a label from a project.
func (s *Store) Delete(ctx context.Context, project, name string) error {
	return s.db.WithContext(ctx).Where("project = ? AND name = ?", project, name).Delete(&LabelConfig{}).Error
}

func validate(labelType LabelType) error {
	if strings.TrimSpace(labelType.Name) == "" {
		return fmt.Errorf("labels: name is required")
	}
	if labelType.Min > 0 || labelType.Max < 0 || labelType.Min > labelType.Max {
		return fmt.Errorf("labels: invalid range %d..%d", labelType.Min, labelType.Max)
	}
	return nil
}

func fromLabelType(project string, labelType LabelType) LabelConfig {
	function := labelType.Function
	if function == "" {
		function = FunctionMaxWithBlock
	}
	return LabelConfig{
		Project:       project,
		Name:          labelType.Name,
		MinValue:      labelType.Min,
		MaxValue:      labelType.Max,
		Function:      string(function),
		CopyCondition: labelType.CopyCondition(),
	}
}

func (row LabelConfig) toLabelType() (LabelType, error) {
	function, err := ParseFunction(row.Function)
	if err != nil {
		return LabelType{}, err
	}
	policies, err := ParseCopyCondition(row.CopyCondition)
	if err != nil {
		return LabelType{}, err
	}
	return LabelType{
		Name:     row.Name,
		Min:      row.MinValue,
		Max:      row.MaxValue,
		Function: function,
		Copy:     policies,
	}, nil
}
