package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"licenseplatform/internal/license"
)

// MaxUsageLimit caps RecentUsage page sizes.
const MaxUsageLimit = 500

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("ledger: not found")

// Store is the audit ledger of issued licenses and verification attempts.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (and migrates) the SQLite database at dsn. A file path has its
// directory created first.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.AutoMigrate(&IssuedLicense{}, &UsageEvent{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	logger = logger.With(slog.String("component", "ledger"))
	logger.Info("ledger opened", slog.String("dsn", dsn))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordIssued stores a signed license and the file it was written to.
func (s *Store) RecordIssued(ctx context.Context, rec *license.Record, path string) error {
	row := &IssuedLicense{
		LicenseID: rec.LicenseID,
		ProjectID: rec.ProjectID,
		Customer:  rec.Customer,
		Mode:      string(rec.Mode),
		IssueDate: time.UnixMilli(rec.IssueDate).UTC(),
		ExpireAt:  time.UnixMilli(rec.ExpireDate).UTC(),
		Machines:  len(rec.BoundMachines),
		FilePath:  path,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("record issued %s: %w", rec.LicenseID, err)
	}
	return nil
}

// Issued returns the ledger row of licenseID.
func (s *Store) Issued(ctx context.Context, licenseID string) (*IssuedLicense, error) {
	var row IssuedLicense
	err := s.db.WithContext(ctx).Where("license_id = ?", licenseID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load issued %s: %w", licenseID, err)
	}
	return &row, nil
}

// RecordUsage appends a verification event. A zero CreatedAt is set to now.
func (s *Store) RecordUsage(ctx context.Context, ev *UsageEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("record usage %s: %w", ev.LicenseID, err)
	}
	return nil
}

// RecentUsage returns the newest events of licenseID, newest first.
func (s *Store) RecentUsage(ctx context.Context, licenseID string, limit int) ([]UsageEvent, error) {
	if limit <= 0 || limit > MaxUsageLimit {
		limit = MaxUsageLimit
	}
	var events []UsageEvent
	err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("load usage %s: %w", licenseID, err)
	}
	return events, nil
}

// UsageFromOutcome builds a usage event for a validation outcome.
func UsageFromOutcome(action string, out license.Outcome, remoteAddr, userAgent string) *UsageEvent {
	ev := &UsageEvent{
		LicenseID:  out.LicenseID,
		Action:     action,
		Valid:      out.Valid(),
		Code:       out.Code(),
		Kind:       out.Kind.String(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
	}
	if out.CheckedAt > 0 {
		ev.CreatedAt = time.UnixMilli(out.CheckedAt).UTC()
	}
	return ev
}
