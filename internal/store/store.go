// Package store persists closed rounds and game outcomes in Postgres through gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

var ErrDatabase = errors.New("unexpected database error")

type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrDatabase, err)
	}
	return New(db)
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&RoundModel{}, &OutcomeModel{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %w", ErrDatabase, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordRound appends a closed round. A round that was already written is not an error.
func (s *Store) RecordRound(ctx context.Context, rec engine.RoundRecord) error {
	m, err := toRoundModel(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Create(&m).Error
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("%w: record round %s/%d.%d: %w", ErrDatabase, rec.RoomID, rec.Round, rec.Replay, err)
	}
	return nil
}

// RecordOutcome upserts the final outcome of a room; payout confirmations update it.
func (s *Store) RecordOutcome(ctx context.Context, out engine.Outcome) error {
	m, err := toOutcomeModel(out)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payout", "ended_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("%w: record outcome %s: %w", ErrDatabase, out.RoomID, err)
	}
	return nil
}

// Rounds returns the stored rounds of a room in play order.
func (s *Store) Rounds(ctx context.Context, roomID string) ([]engine.RoundRecord, error) {
	var rows []RoundModel
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("round, replay").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load rounds %s: %w", ErrDatabase, roomID, err)
	}
	out := make([]engine.RoundRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	// "23505" is the PostgreSQL error code for unique_violation
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// LogRecorder writes records to the log when no database is configured.
type LogRecorder struct {
	Logger *zap.Logger
}

func (r LogRecorder) RecordRound(_ context.Context, rec engine.RoundRecord) error {
	r.Logger.Info("round record",
		zap.String("room", rec.RoomID),
		zap.Int("round", rec.Round),
		zap.Int("replay", rec.Replay),
		zap.Bool("void", rec.Void),
		zap.String("commitment", rec.Commitment),
		zap.Strings("eliminated", rec.Eliminated))
	return nil
}

func (r LogRecorder) RecordOutcome(_ context.Context, out engine.Outcome) error {
	r.Logger.Info("game outcome",
		zap.String("room", out.RoomID),
		zap.String("phase", string(out.Phase)),
		zap.String("winner", out.Winner),
		zap.Int64("prize", out.Prize),
		zap.Int("rounds", out.Rounds),
		zap.String("reason", out.Reason))
	return nil
}
