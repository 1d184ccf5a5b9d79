package models

import (
	"time"
)

type TicketStatus string

const (
	TicketReserved  TicketStatus = "Reserved"
	TicketPaid      TicketStatus = "Paid"
	TicketUsed      TicketStatus = "Used"
	TicketExpired   TicketStatus = "Expired"
	TicketCancelled TicketStatus = "Cancelled"
)

// Ticket binds a hold invoice to a future Entry.
type Ticket struct {
	ID                string       `json:"id" gorm:"primaryKey"`
	CompetitionID     string       `json:"competition_id" gorm:"not null;index"`
	ParticipantPubkey string       `json:"participant_pubkey" gorm:"not null"`
	PaymentHash       string       `json:"payment_hash" gorm:"not null;uniqueIndex"`
	PaymentRequest    string       `json:"payment_request" gorm:"type:text"`
	Amount            int64        `json:"amount"`
	Status            TicketStatus `json:"status" gorm:"type:varchar(16);default:'Reserved';index"`
	Reason            string       `json:"reason,omitempty"`

	// Preimage is only known once the participant submits their entry.
	Preimage string `json:"-"`

	ExpiresAt        time.Time  `json:"expires_at"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
	EntrySubmittedAt *time.Time `json:"entry_submitted_at,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Counted reports whether the ticket occupies one of the competition's slots.
func (t *Ticket) Counted() bool {
	return t.Status == TicketPaid || t.Status == TicketUsed
}

type ClaimStatus string

const (
	ClaimPending     ClaimStatus = "Pending"
	ClaimFunded      ClaimStatus = "Funded"
	ClaimBroadcast   ClaimStatus = "Broadcast"
	ClaimConfirmed   ClaimStatus = "Confirmed"
	ClaimSpent       ClaimStatus = "Spent"
	ClaimReclaimable ClaimStatus = "Reclaimable"
	ClaimAbandoned   ClaimStatus = "Abandoned"
)

// EscrowClaim is the on-chain output backing a ticket.
type EscrowClaim struct {
	TicketID          string      `json:"ticket_id" gorm:"primaryKey"`
	CompetitionID     string      `json:"competition_id" gorm:"not null;index"`
	ParticipantPubkey string      `json:"participant_pubkey"`
	PaymentHash       string      `json:"payment_hash"`
	CSVDelay          uint32      `json:"csv_delay"`
	PkScript          string      `json:"pk_script"`
	OutputKey         string      `json:"output_key"`
	InternalKey       string      `json:"internal_key,omitempty"`
	CoordinatorPubkey string      `json:"coordinator_pubkey"`
	TapscriptRoot     string      `json:"tapscript_root"`
	ReclaimScript     string      `json:"reclaim_script,omitempty"`
	Amount            int64       `json:"amount"`
	Status            ClaimStatus `json:"status" gorm:"type:varchar(16);default:'Pending'"`

	RawTx         string     `json:"raw_tx,omitempty" gorm:"type:text"`
	TxID          string     `json:"txid,omitempty" gorm:"index"`
	Vout          uint32     `json:"vout"`
	BroadcastAt   *time.Time `json:"broadcast_at,omitempty"`
	Confirmations int64      `json:"confirmations"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Broadcasted reports whether the escrow transaction has been handed to the ledger.
func (c *EscrowClaim) Broadcasted() bool {
	return c.BroadcastAt != nil
}
