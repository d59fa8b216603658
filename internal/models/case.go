package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message roles. A case history only ever holds these four.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAdmin     = "admin"
)

// ValidRole reports whether role belongs to the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleAdmin:
		return true
	}
	return false
}

// Case is one customer-support conversation. It is created lazily on first
// contact and never deleted.
type Case struct {
	Key           string         `gorm:"primaryKey;column:case_key;size:128"`
	Source        string         `gorm:"size:16;not null"` // "email" or "realtime"
	CustomerEmail string         `gorm:"size:256;index"`
	Subject       string         `gorm:"size:512"`
	Metadata      datatypes.JSON // last inbound envelope details
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CaseMessage is a single immutable entry in a case history. Sequence is
// assigned at insertion, starts at 1 and is gapless per case.
type CaseMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	CaseKey   string    `gorm:"size:128;not null;uniqueIndex:idx_case_sequence,priority:1"`
	Sequence  int       `gorm:"not null;uniqueIndex:idx_case_sequence,priority:2"`
	Role      string    `gorm:"size:16;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// InboundEmail records a processed Message-ID so that redelivered mail is
// not answered twice.
type InboundEmail struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:512;not null;uniqueIndex"`
	CaseKey   string `gorm:"size:128;not null;index"`
	Sender    string `gorm:"size:256"`
	CreatedAt time.Time
}
