// Package history persists case conversations: one append-only, gapless,
// sequence-ordered message log per case key.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/casewire/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCaseNotFound is returned when a case key has never been seen.
var ErrCaseNotFound = errors.New("history: case not found")

// Store reads and appends case history. It does not serialize writers
// itself; callers must route every append for a case through one owner.
// The unique (case_key, sequence) index rejects any write that slips past.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over an already migrated database.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("history: db is required")
	}
	return &Store{db: db}, nil
}

// CaseSummary is a case row plus its message count.
type CaseSummary struct {
	models.Case
	MessageCount int64
}

// EnsureCase creates the case row if it does not exist yet. It reports
// whether this call created it.
func (s *Store) EnsureCase(ctx context.Context, key, source string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Case{}).
		Where("case_key = ?", key).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("history: ensure case %s: %w", key, err)
	}
	if n > 0 {
		return false, nil
	}

	c := models.Case{Key: key, Source: source}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&c)
	if result.Error != nil {
		return false, fmt.Errorf("history: ensure case %s: %w", key, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordContact stores the latest inbound envelope details on the case.
func (s *Store) RecordContact(ctx context.Context, key, customerEmail, subject string, meta map[string]string) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("history: marshal metadata: %w", err)
	}
	updates := map[string]interface{}{
		"metadata":   datatypes.JSON(raw),
		"updated_at": time.Now(),
	}
	if customerEmail != "" {
		updates["customer_email"] = customerEmail
	}
	if subject != "" {
		updates["subject"] = subject
	}
	result := s.db.WithContext(ctx).Model(&models.Case{}).
		Where("case_key = ?", key).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("history: record contact %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// Append adds a message to the end of a case history and returns it with
// its assigned sequence number.
func (s *Store) Append(ctx context.Context, key, role, content string) (models.CaseMessage, error) {
	if !models.ValidRole(role) {
		return models.CaseMessage{}, fmt.Errorf("history: append %s: invalid role %q", key, role)
	}

	msg := models.CaseMessage{
		CaseKey: key,
		Role:    role,
		Content: content,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, key)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return tx.Model(&models.Case{}).
			Where("case_key = ?", key).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return models.CaseMessage{}, fmt.Errorf("history: append %s: %w", key, err)
	}
	return msg, nil
}

// Load returns the full history for a case in ascending sequence order.
func (s *Store) Load(ctx context.Context, key string) ([]models.CaseMessage, error) {
	var msgs []models.CaseMessage
	result := s.db.WithContext(ctx).
		Where("case_key = ?", key).
		Order("sequence").
		Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("history: load %s: %w", key, result.Error)
	}
	return msgs, nil
}

// GetCase fetches a single case row.
func (s *Store) GetCase(ctx context.Context, key string) (*models.Case, error) {
	var c models.Case
	err := s.db.WithContext(ctx).Where("case_key = ?", key).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get case %s: %w", key, err)
	}
	return &c, nil
}

// ListCases returns the most recently active cases first.
func (s *Store) ListCases(ctx context.Context, limit int) ([]CaseSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	var cases []models.Case
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("history: list cases: %w", err)
	}

	out := make([]CaseSummary, 0, len(cases))
	for _, c := range cases {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.CaseMessage{}).
			Where("case_key = ?", c.Key).
			Count(&n).Error; err != nil {
			return nil, fmt.Errorf("history: count %s: %w", c.Key, err)
		}
		out = append(out, CaseSummary{Case: c, MessageCount: n})
	}
	return out, nil
}

// SeenInbound reports whether an email with this Message-ID was already
// processed. An empty id is never considered seen.
func (s *Store) SeenInbound(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.InboundEmail{}).
		Where("message_id = ?", messageID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("history: seen inbound: %w", err)
	}
	return n > 0, nil
}

// ClaimInbound records a Message-ID and reports whether this call was the
// first to do so. The unique index decides between concurrent claims. An
// empty id is always claimable and never stored.
func (s *Store) ClaimInbound(ctx context.Context, messageID, caseKey, sender string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	rec := models.InboundEmail{
		MessageID: messageID,
		CaseKey:   caseKey,
		Sender:    sender,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if result.Error != nil {
		return false, fmt.Errorf("history: claim inbound: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseInbound forgets a claim so a redelivery is processed again.
func (s *Store) ReleaseInbound(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&models.InboundEmail{}).Error; err != nil {
		return fmt.Errorf("history: release inbound: %w", err)
	}
	return nil
}

// nextSequence returns the next sequence number for a case.
func nextSequence(tx *gorm.DB, key string) (int, error) {
	var maxSeq int
	result := tx.Model(&models.CaseMessage{}).
		Where("case_key = ?", key).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq)
	if result.Error != nil {
		return 0, fmt.Errorf("next sequence: %w", result.Error)
	}
	return maxSeq + 1, nil
}
