package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type SessionStatus string

const (
	SessionKeyGenPending   SessionStatus = "KeyGenPending"
	SessionKeyGenComplete  SessionStatus = "KeyGenComplete"
	SessionSigningPending  SessionStatus = "SigningPending"
	SessionSigningComplete SessionStatus = "SigningComplete"
	SessionFailed          SessionStatus = "Failed"
)

// SigningSession ties a competition to one keygen/signing round on the
// signing service. Batch and Signatures hold JSON owned by the contract package.
type SigningSession struct {
	ID             string            `json:"id" gorm:"primaryKey"`
	CompetitionID  string            `json:"competition_id" gorm:"not null;index"`
	ParamsVersion  int               `json:"params_version"`
	Attempt        int               `json:"attempt"`
	RemoteID       string            `json:"remote_id"`
	Status         SessionStatus     `json:"status" gorm:"type:varchar(24)"`
	ParticipantIDs []string          `json:"participant_ids" gorm:"serializer:json;type:text"`
	AggregateKeys  map[string]string `json:"aggregate_keys,omitempty" gorm:"serializer:json;type:text"`

	SigningID      string            `json:"signing_id,omitempty"`
	SigningAttempt int               `json:"signing_attempt"`
	Batch          string            `json:"batch,omitempty" gorm:"type:text"`
	Signatures     map[string]string `json:"signatures,omitempty" gorm:"serializer:json;type:text"`

	FailureReason string     `json:"failure_reason,omitempty"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
