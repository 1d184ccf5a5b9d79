package services

import (
	"context"
	"time"

	"competition-coordinator/contract"
	"competition-coordinator/models"
)

// Store persists every record the coordinator owns.
type Store interface {
	CreateCompetition(ctx context.Context, c *models.Competition, snap *models.CompetitionSnapshot) error
	GetCompetition(ctx context.Context, id string) (*models.Competition, error)
	// SaveTransition durably writes the new competition state together with
	// its snapshot.
	SaveTransition(ctx context.Context, c *models.Competition, snap *models.CompetitionSnapshot) error
	SaveCompetition(ctx context.Context, c *models.Competition) error
	// ListWorkable returns competitions that are not terminal or still owe refunds.
	ListWorkable(ctx context.Context) ([]string, error)
	ListSnapshots(ctx context.Context, competitionID string) ([]models.CompetitionSnapshot, error)
	AppendError(ctx context.Context, e *models.CompetitionError) error
	ListErrors(ctx context.Context, competitionID string) ([]models.CompetitionError, error)

	CreateTicket(ctx context.Context, t *models.Ticket, claim *models.EscrowClaim) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	FindTicketByPaymentHash(ctx context.Context, paymentHash string) (*models.Ticket, error)
	ListTickets(ctx context.Context, competitionID string) ([]models.Ticket, error)
	SaveTicket(ctx context.Context, t *models.Ticket) error
	GetClaim(ctx context.Context, ticketID string) (*models.EscrowClaim, error)
	SaveClaim(ctx context.Context, c *models.EscrowClaim) error

	CreateEntry(ctx context.Context, e *models.Entry) error
	GetEntry(ctx context.Context, id string) (*models.Entry, error)
	GetEntryByTicket(ctx context.Context, ticketID string) (*models.Entry, error)
	ListEntries(ctx context.Context, competitionID string) ([]models.Entry, error)
	SaveEntry(ctx context.Context, e *models.Entry) error

	// CreateParameters fails with models.ErrConflict if the version exists.
	CreateParameters(ctx context.Context, p *models.ContractParameters) error
	GetParameters(ctx context.Context, competitionID string, version int) (*models.ContractParameters, error)

	SaveSession(ctx context.Context, s *models.SigningSession) error
	GetSession(ctx context.Context, id string) (*models.SigningSession, error)
}

// LedgerGateway is the on-chain collaborator.
type LedgerGateway interface {
	// Broadcast returns the txid; rebroadcasting a known transaction succeeds.
	Broadcast(ctx context.Context, rawTx string) (string, error)
	// Confirmations is zero for unknown or unconfirmed transactions.
	Confirmations(ctx context.Context, txid string) (int64, error)
	// EstimateFee returns a fee rate in sat/vB.
	EstimateFee(ctx context.Context, targetBlocks int) (int64, error)
}

// FundedTx is a signed, not yet broadcast, transaction paying an escrow output.
type FundedTx struct {
	RawTx string
	TxID  string
	Vout  uint32
}

// Wallet funds escrow outputs from the coordinator's on-chain balance.
type Wallet interface {
	FundOutput(ctx context.Context, pkScript string, amount int64) (*FundedTx, error)
}

type InvoiceState string

const (
	InvoicePending   InvoiceState = "Pending"
	InvoiceAccepted  InvoiceState = "Accepted"
	InvoiceExpired   InvoiceState = "Expired"
	InvoiceSettled   InvoiceState = "Settled"
	InvoiceCancelled InvoiceState = "Cancelled"
)

type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	Amount         int64
	ExpiresAt      time.Time
}

// PaymentGateway issues hold invoices keyed by a participant-chosen hash.
type PaymentGateway interface {
	CreateHoldInvoice(ctx context.Context, amount int64, paymentHash string, expiry time.Duration) (*Invoice, error)
	AcceptedStatus(ctx context.Context, paymentHash string) (InvoiceState, error)
	Settle(ctx context.Context, preimage string) error
	Cancel(ctx context.Context, paymentHash string) error
}

type EventConfig struct {
	ID           string    `json:"id"`
	EntryCount   int       `json:"entry_count"`
	PayoutPlaces int       `json:"payout_places"`
	SigningDate  time.Time `json:"signing_date"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type OracleEntry struct {
	EntryID    string `json:"entry_id"`
	Prediction string `json:"prediction"`
}

// Event is the oracle's view of a competition. Outcomes appear once the
// oracle has the entries; Attestation is empty until it attests.
type Event struct {
	ID          string             `json:"id"`
	EntryIDs    []string           `json:"entry_ids"`
	Outcomes    []contract.Outcome `json:"outcomes"`
	Attestation string             `json:"attestation,omitempty"`
}

// AttestationService is the oracle collaborator.
type AttestationService interface {
	RegisterEvent(ctx context.Context, cfg EventConfig) (*Event, error)
	// GetEvent returns ErrEventNotFound when the event is unknown.
	GetEvent(ctx context.Context, id string) (*Event, error)
	SubmitEntries(ctx context.Context, eventID string, entries []OracleEntry) error
	PublicKey(ctx context.Context) (string, error)
}

type SessionState string

const (
	SessionPending  SessionState = "Pending"
	SessionComplete SessionState = "Complete"
	SessionFailed   SessionState = "Failed"
)

type KeyGenRequest struct {
	SessionID      string   `json:"session_id"`
	CompetitionID  string   `json:"competition_id"`
	ParticipantIDs []string `json:"participant_ids"`
	KeyIDs         []string `json:"key_ids"`
	// Escrows are the funding inputs the session will co-sign with the
	// participants' escrow keys instead of an aggregate key.
	Escrows []contract.EscrowSpend `json:"escrows"`
}

// SessionHandle is returned by key generation. RejoinSecrets are keyed by
// participant and must never be persisted in the clear.
type SessionHandle struct {
	SessionID     string            `json:"session_id"`
	RejoinSecrets map[string][]byte `json:"rejoin_secrets"`
}

type KeyGenResult struct {
	State         SessionState      `json:"state"`
	AggregateKeys map[string]string `json:"aggregate_keys,omitempty"`
	Missing       []string          `json:"missing,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

type SigningRequest struct {
	SessionID string                 `json:"session_id"`
	SigningID string                 `json:"signing_id"`
	Items     []contract.SigningItem `json:"items"`
}

type SigningHandle struct {
	SigningID string `json:"signing_id"`
}

type SigningResult struct {
	State      SessionState      `json:"state"`
	Signatures map[string]string `json:"signatures,omitempty"`
	Missing    []string          `json:"missing,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// SigningService runs multi-party key generation and batch signing.
// Begin calls are idempotent on the ids the coordinator supplies.
type SigningService interface {
	BeginKeyGeneration(ctx context.Context, req KeyGenRequest) (*SessionHandle, error)
	PollKeyGeneration(ctx context.Context, sessionID string) (*KeyGenResult, error)
	BeginSigning(ctx context.Context, req SigningRequest) (*SigningHandle, error)
	PollSigning(ctx context.Context, sessionID, signingID string) (*SigningResult, error)
}

// ContractBuilder is the contract-construction subsystem.
type ContractBuilder interface {
	EscrowScript(participantPubkey, paymentHash string, csvDelay uint32) (*contract.EscrowScript, error)
	BuildBatch(p *contract.Parameters, keys map[string]string, feeRate int64) (*contract.Batch, error)
	Verify(batch *contract.Batch, sigs map[string]string) error
	Finalize(batch *contract.Batch, name string, sigs map[string]string) (string, string, error)
}

// Archiver stores records of finished competitions and sessions.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}
