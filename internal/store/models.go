package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

// RoundModel is one closed round, void rounds included. (room, round, replay) is unique,
// so writing the same round twice is a no-op.
type RoundModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID     string    `gorm:"size:16;uniqueIndex:idx_round_key,priority:1;not null"`
	Round      int       `gorm:"uniqueIndex:idx_round_key,priority:2;not null"`
	Replay     int       `gorm:"uniqueIndex:idx_round_key,priority:3;not null"`
	Variant    string    `gorm:"size:32"`
	Void       bool
	Target     string         `gorm:"size:8"`
	Commitment string         `gorm:"size:64"`
	Results    datatypes.JSON // []engine.FlipResult with revealed seeds and signatures
	Eliminated datatypes.JSON
	LivesLost  datatypes.JSON
	ClosedAt   time.Time
	CreatedAt  time.Time
}

func (RoundModel) TableName() string { return "rounds" }

// OutcomeModel is the final result of a room, written once per room.
type OutcomeModel struct {
	RoomID       string `gorm:"size:16;primaryKey"`
	Phase        string `gorm:"size:32"`
	Variant      string `gorm:"size:32"`
	Winner       string `gorm:"size:128;index"`
	Prize        int64
	EntryFee     int64
	Rounds       int
	Participants datatypes.JSON
	Payout       string `gorm:"size:32"`
	Reason       string
	EndedAt      time.Time
	CreatedAt    time.Time
}

func (OutcomeModel) TableName() string { return "outcomes" }

func toRoundModel(rec engine.RoundRecord) (RoundModel, error) {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return RoundModel{}, fmt.Errorf("marshal results: %w", err)
	}
	eliminated, err := json.Marshal(nonNil(rec.Eliminated))
	if err != nil {
		return RoundModel{}, fmt.Errorf("marshal eliminated: %w", err)
	}
	livesLost, err := json.Marshal(nonNil(rec.LivesLost))
	if err != nil {
		return RoundModel{}, fmt.Errorf("marshal lives lost: %w", err)
	}
	m := RoundModel{
		ID:         uuid.New(),
		RoomID:     rec.RoomID,
		Round:      rec.Round,
		Replay:     rec.Replay,
		Variant:    string(rec.Variant),
		Void:       rec.Void,
		Commitment: rec.Commitment,
		Results:    datatypes.JSON(results),
		Eliminated: datatypes.JSON(eliminated),
		LivesLost:  datatypes.JSON(livesLost),
		ClosedAt:   rec.ClosedAt,
	}
	if rec.Target != nil {
		m.Target = string(*rec.Target)
	}
	return m, nil
}

// Record converts a stored row back into its round record.
func (m RoundModel) Record() (engine.RoundRecord, error) {
	rec := engine.RoundRecord{
		RoomID:     m.RoomID,
		Round:      m.Round,
		Replay:     m.Replay,
		Variant:    engine.Variant(m.Variant),
		Void:       m.Void,
		Commitment: m.Commitment,
		ClosedAt:   m.ClosedAt,
	}
	if m.Target != "" {
		target := engine.Side(m.Target)
		rec.Target = &target
	}
	if err := json.Unmarshal(m.Results, &rec.Results); err != nil {
		return engine.RoundRecord{}, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := json.Unmarshal(m.Eliminated, &rec.Eliminated); err != nil {
		return engine.RoundRecord{}, fmt.Errorf("unmarshal eliminated: %w", err)
	}
	if err := json.Unmarshal(m.LivesLost, &rec.LivesLost); err != nil {
		return engine.RoundRecord{}, fmt.Errorf("unmarshal lives lost: %w", err)
	}
	return rec, nil
}

func toOutcomeModel(out engine.Outcome) (OutcomeModel, error) {
	participants, err := json.Marshal(nonNil(out.Participants))
	if err != nil {
		return OutcomeModel{}, fmt.Errorf("marshal participants: %w", err)
	}
	return OutcomeModel{
		RoomID:       out.RoomID,
		Phase:        string(out.Phase),
		Variant:      string(out.Variant),
		Winner:       out.Winner,
		Prize:        out.Prize,
		EntryFee:     out.EntryFee,
		Rounds:       out.Rounds,
		Participants: datatypes.JSON(participants),
		Payout:       string(out.Payout),
		Reason:       out.Reason,
		EndedAt:      out.EndedAt,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
