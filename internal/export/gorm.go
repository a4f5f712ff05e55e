// ABOUTME: GORM-backed lead export to Postgres or SQLite
// ABOUTME: Rows are upserted by user_id so retries and re-exports never duplicate

package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// LeadRow is the persisted lead.
type LeadRow struct {
	ID           string            `gorm:"primaryKey;size:36"`
	UserID       string            `gorm:"uniqueIndex;not null"`
	Address      string
	Stage        string
	Reason       string            `gorm:"index"`
	Comment      string
	Lost         bool              `gorm:"index"`
	Fields       datatypes.JSONMap `gorm:"type:json"`
	HandedOverAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the table name.
func (LeadRow) TableName() string { return "leads" }

// GormExporter writes leads through GORM.
type GormExporter struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the named driver ("postgres" or "sqlite") and migrates
// the leads table.
func Open(driver, dsn string, logger *slog.Logger) (*GormExporter, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "":
		return nil, ErrNotConfigured
	default:
		return nil, fmt.Errorf("unsupported export driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", driver, err)
	}
	return NewGormExporter(db, logger)
}

// NewGormExporter wraps an open connection and migrates the schema.
func NewGormExporter(db *gorm.DB, logger *slog.Logger) (*GormExporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&LeadRow{}); err != nil {
		return nil, fmt.Errorf("migrating leads: %w", err)
	}
	return &GormExporter{db: db, logger: logger.With("component", "export")}, nil
}

// Export upserts the lead by user_id.
func (g *GormExporter) Export(ctx context.Context, lead Lead) error {
	row := LeadRow{
		ID:           uuid.NewString(),
		UserID:       lead.UserID,
		Address:      lead.Address,
		Stage:        lead.Stage,
		Reason:       lead.Reason,
		Comment:      lead.Comment,
		Lost:         lead.Lost,
		Fields:       datatypes.JSONMap(lead.Fields),
		HandedOverAt: lead.HandedOverAt.UTC(),
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"address",
			"stage",
			"reason",
			"comment",
			"lost",
			"fields",
			"handed_over_at",
			"updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upserting lead %s: %w", lead.UserID, err)
	}
	g.logger.Info("lead exported", "user_id", lead.UserID, "reason", lead.Reason, "lost", lead.Lost)
	return nil
}

// Find returns the stored lead for a user.
func (g *GormExporter) Find(ctx context.Context, userID string) (*LeadRow, error) {
	var row LeadRow
	if err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Close releases the underlying connection pool.
func (g *GormExporter) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
