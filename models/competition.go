package models

import (
	"time"
)

// Status is the externally visible name of a competition state.
type Status string

const (
	StatusCreated                    Status = "Created"
	StatusCollectingEntries          Status = "CollectingEntries"
	StatusAwaitingEscrowConfirmation Status = "AwaitingEscrowConfirmation"
	StatusEventRegistered            Status = "EventRegistered"
	StatusEntriesSubmittedToOracle   Status = "EntriesSubmittedToOracle"
	StatusContractParametersFixed    Status = "ContractParametersFixed"
	StatusAwaitingKeyGeneration      Status = "AwaitingKeyGeneration"
	StatusAwaitingSignatures         Status = "AwaitingSignatures"
	StatusSigningComplete            Status = "SigningComplete"
	StatusFundingBroadcasted         Status = "FundingBroadcasted"
	StatusFundingConfirmed           Status = "FundingConfirmed"
	StatusAwaitingAttestation        Status = "AwaitingAttestation"
	StatusOutcomeBroadcasted         Status = "OutcomeBroadcasted"
	StatusExpiryBroadcasted          Status = "ExpiryBroadcasted"
	StatusDeltaBroadcasted           Status = "DeltaBroadcasted"
	StatusCompleted                  Status = "Completed"
	StatusFailed                     Status = "Failed"
	StatusCancelled                  Status = "Cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CompetitionConfig is fixed when a competition is created.
type CompetitionConfig struct {
	Name             string  `json:"name" validate:"required,max=120"`
	EntryFee         int64   `json:"entry_fee" validate:"gt=0"` // sats
	EntryCount       int     `json:"entry_count" validate:"gte=2"`
	MinViableEntries int     `json:"min_viable_entries" validate:"gte=2,ltefield=EntryCount"`
	PayoutPlaces     int     `json:"payout_places" validate:"gte=1,ltefield=EntryCount"`
	FeePercent       float64 `json:"fee_percent" validate:"gte=0,lt=100"`

	EntryDeadline  time.Time `json:"entry_deadline" validate:"required"`
	ContractExpiry time.Time `json:"contract_expiry" validate:"required,gtfield=EntryDeadline"`

	TicketReservation        time.Duration `json:"ticket_reservation" validate:"gt=0"`
	EscrowConfirmationWindow time.Duration `json:"escrow_confirmation_window" validate:"gt=0"`
	OracleTimeout            time.Duration `json:"oracle_timeout" validate:"gt=0"`
	KeyGenTimeout            time.Duration `json:"keygen_timeout" validate:"gt=0"`
	SigningTimeout           time.Duration `json:"signing_timeout" validate:"gt=0"`
	FundingTimeout           time.Duration `json:"funding_timeout" validate:"gt=0"`

	EscrowConfirmations  int64  `json:"escrow_confirmations" validate:"gte=1"`
	FundingConfirmations int64  `json:"funding_confirmations" validate:"gte=1"`
	EscrowCSVDelay       uint32 `json:"escrow_csv_delay" validate:"gt=0,lt=65536"`
	DeltaDelayBlocks     uint32 `json:"delta_delay_blocks" validate:"gt=0,lt=65536"`
	FeeTargetBlocks      int    `json:"fee_target_blocks" validate:"gte=1"`
	MaxSigningAttempts   int    `json:"max_signing_attempts" validate:"gte=1"`
}

// Competition is the single-writer record the state machine owns. State holds
// the JSON encoding of the variant named by Status.
type Competition struct {
	ID            string            `json:"id" gorm:"primaryKey"`
	Name          string            `json:"name" gorm:"not null"`
	Status        Status            `json:"status" gorm:"type:varchar(32);not null;index"`
	State         string            `json:"state" gorm:"type:text"`
	Config        CompetitionConfig `json:"config" gorm:"serializer:json;type:text"`
	ParamsVersion int               `json:"params_version" gorm:"default:0"`
	Seq           int               `json:"seq" gorm:"default:0"`
	RefundPending bool              `json:"refund_pending" gorm:"default:false;index"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CompetitionSnapshot is one entry of a competition's ordered state history.
type CompetitionSnapshot struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	CompetitionID string    `json:"competition_id" gorm:"not null;index"`
	Seq           int       `json:"seq" gorm:"not null"`
	Status        Status    `json:"status" gorm:"type:varchar(32);not null"`
	State         string    `json:"state" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}

// CompetitionError is the append-only error log.
type CompetitionError struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	CompetitionID string    `json:"competition_id" gorm:"not null;index"`
	Status        Status    `json:"status" gorm:"type:varchar(32)"`
	Kind          string    `json:"kind" gorm:"type:varchar(32)"`
	Message       string    `json:"message" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContractParameters is an immutable, versioned set of aggregate contract
// parameters. Data is the JSON encoding produced by the contract package.
type ContractParameters struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	CompetitionID string    `json:"competition_id" gorm:"not null;uniqueIndex:idx_params_version"`
	Version       int       `json:"version" gorm:"not null;uniqueIndex:idx_params_version"`
	Data          string    `json:"data" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}
