// Package history keeps finished run reports in a sqlite database.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/utilitywarehouse/git-backup/engine"
	"github.com/utilitywarehouse/git-backup/target"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store implements engine.Recorder on top of sqlite
type Store struct {
	db  *gorm.DB
	log *slog.Logger

	// Retention, if set, makes Record delete runs which started more than
	// Retention before the recorded run
	Retention time.Duration
}

var _ engine.Recorder = (*Store)(nil)

// gormLogger forwards GORM logs to slog
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.log.Debug(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.log.Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Info {
		return
	}
	sql, rows := fc()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Debug("history query failed", "duration", time.Since(begin), "sql", sql, "rows", rows, "err", err)
		return
	}
	l.log.Log(ctx, -8, "history query", "duration", time.Since(begin), "sql", sql, "rows", rows)
}

// Open opens or creates the database at path and migrates its schema
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("unable to create history dir err:%w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  (&gormLogger{log: log}).LogMode(logger.Info),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open history database err:%w", err)
	}

	if err := db.AutoMigrate(&RunModel{}, &UpdatedModel{}, &FailureModel{}); err != nil {
		return nil, fmt.Errorf("unable to migrate history database err:%w", err)
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return &Store{db: db, log: log}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record saves the report with its updated targets and failures
func (s *Store) Record(ctx context.Context, r *engine.RunReport) error {
	model := RunModel{
		ID:              r.ID,
		Started:         r.Started.UTC(),
		Finished:        r.Finished.UTC(),
		Total:           r.Total,
		Completed:       r.Completed,
		Errors:          r.Errors,
		PeakConcurrency: r.PeakConcurrency,
	}
	for _, t := range r.Updated {
		model.Updated = append(model.Updated, UpdatedModel{Target: t.ID, Name: t.Name})
	}
	for _, f := range r.Failures {
		model.Failures = append(model.Failures, FailureModel{
			Target:      f.Target,
			Name:        f.Name,
			Destination: f.Destination,
			Kind:        f.Kind,
			Class:       f.Class,
			Message:     f.Message,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("unable to save run %s err:%w", r.ID, err)
	}
	s.log.Debug("run recorded", "id", r.ID)

	if s.Retention > 0 {
		deleted, err := s.Prune(ctx, r.Started.Add(-s.Retention))
		if err != nil {
			return err
		}
		if deleted > 0 {
			s.log.Debug("old runs pruned", "count", deleted)
		}
	}
	return nil
}

// Recent returns up to limit most recent reports, newest first. Error
// messages are rebuilt from stored failures.
func (s *Store) Recent(ctx context.Context, limit int) ([]*engine.RunReport, error) {
	var models []RunModel
	err := s.db.WithContext(ctx).
		Preload("Updated", func(db *gorm.DB) *gorm.DB { return db.Order("target") }).
		Preload("Failures", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order("started DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("unable to list runs err:%w", err)
	}

	reports := make([]*engine.RunReport, 0, len(models))
	for _, m := range models {
		reports = append(reports, toReport(m))
	}
	return reports, nil
}

// Prune deletes all runs started before t and returns number of deleted runs
func (s *Store) Prune(ctx context.Context, t time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&RunModel{}).Select("id").Where("started < ?", t.UTC())
		if err := tx.Where("run_id IN (?)", old).Delete(&UpdatedModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id IN (?)", old).Delete(&FailureModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("started < ?", t.UTC()).Delete(&RunModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("unable to prune runs err:%w", err)
	}
	return deleted, nil
}

func toReport(m RunModel) *engine.RunReport {
	r := &engine.RunReport{
		ID:              m.ID,
		Started:         m.Started,
		Finished:        m.Finished,
		Total:           m.Total,
		Completed:       m.Completed,
		Errors:          m.Errors,
		PeakConcurrency: m.PeakConcurrency,
	}
	for _, u := range m.Updated {
		r.Updated = append(r.Updated, target.Target{ID: u.Target, Name: u.Name})
	}
	for _, f := range m.Failures {
		r.Failures = append(r.Failures, engine.Failure{
			Target:      f.Target,
			Name:        f.Name,
			Destination: f.Destination,
			Kind:        f.Kind,
			Class:       f.Class,
			Message:     f.Message,
		})
		r.ErrorMessages = append(r.ErrorMessages, fmt.Sprintf("%s: %s", f.Name, f.Message))
	}
	return r
}
