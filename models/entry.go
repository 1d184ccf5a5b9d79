package models

import (
	"time"
)

// Entry is one participant's position in a competition.
type Entry struct {
	ID                string `json:"id" gorm:"primaryKey"`
	CompetitionID     string `json:"competition_id" gorm:"not null;index"`
	TicketID          string `json:"ticket_id" gorm:"not null;uniqueIndex"`
	ParticipantPubkey string `json:"participant_pubkey" gorm:"not null"`
	EphemeralPubkey   string `json:"ephemeral_pubkey" gorm:"not null"`
	PayoutPubkey      string `json:"payout_pubkey" gorm:"not null"`

	EncryptedPayoutSecret string `json:"encrypted_payout_secret" gorm:"type:text"`
	PayoutHash            string `json:"payout_hash"`
	Prediction            string `json:"prediction" gorm:"type:text"`

	EscrowTxID string `json:"escrow_txid,omitempty"`
	EscrowVout uint32 `json:"escrow_vout"`

	// SealedRejoinSecret can only be opened with the entry's ephemeral key.
	SealedRejoinSecret string `json:"sealed_rejoin_secret,omitempty" gorm:"type:text"`
	SigningSessionID   string `json:"signing_session_id,omitempty"`

	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	DroppedAt   *time.Time `json:"dropped_at,omitempty"`
	DropReason  string     `json:"drop_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the entry is confirmed and still part of the contract.
func (e *Entry) Active() bool {
	return e.ConfirmedAt != nil && e.DroppedAt == nil
}
