package services

import (
	"encoding/json"
	"fmt"
	"time"

	"competition-coordinator/models"
)

// State is one variant of a competition's lifecycle. Each variant carries
// only the data that is valid while the competition is in it.
type State interface {
	Status() models.Status
}

type Created struct{}

type CollectingEntries struct {
	Round    int       `json:"round"`
	OpenedAt time.Time `json:"opened_at"`
}

type AwaitingEscrowConfirmation struct {
	Round    int       `json:"round"`
	ClosedAt time.Time `json:"closed_at"`
	Deadline time.Time `json:"deadline"`
}

type EventRegistered struct {
	EventID string `json:"event_id"`
}

type EntriesSubmittedToOracle struct {
	EventID  string    `json:"event_id"`
	Deadline time.Time `json:"deadline"`
}

type ContractParametersFixed struct {
	EventID       string `json:"event_id"`
	ParamsVersion int    `json:"params_version"`
}

type AwaitingKeyGeneration struct {
	EventID       string    `json:"event_id"`
	ParamsVersion int       `json:"params_version"`
	SessionID     string    `json:"session_id"`
	Attempt       int       `json:"attempt"`
	Deadline      time.Time `json:"deadline"`
}

type AwaitingSignatures struct {
	EventID        string    `json:"event_id"`
	ParamsVersion  int       `json:"params_version"`
	SessionID      string    `json:"session_id"`
	Attempt        int       `json:"attempt"`
	SigningAttempt int       `json:"signing_attempt"`
	Deadline       time.Time `json:"deadline"`
}

type SigningComplete struct {
	EventID       string `json:"event_id"`
	ParamsVersion int    `json:"params_version"`
	SessionID     string `json:"session_id"`
}

type FundingBroadcasted struct {
	EventID       string    `json:"event_id"`
	ParamsVersion int       `json:"params_version"`
	SessionID     string    `json:"session_id"`
	FundingTxID   string    `json:"funding_txid"`
	Deadline      time.Time `json:"deadline"`
}

type FundingConfirmed struct {
	EventID       string `json:"event_id"`
	ParamsVersion int    `json:"params_version"`
	SessionID     string `json:"session_id"`
	FundingTxID   string `json:"funding_txid"`
}

type AwaitingAttestation struct {
	EventID       string    `json:"event_id"`
	ParamsVersion int       `json:"params_version"`
	SessionID     string    `json:"session_id"`
	FundingTxID   string    `json:"funding_txid"`
	Expiry        time.Time `json:"expiry"`
}

type OutcomeBroadcasted struct {
	ParamsVersion int    `json:"params_version"`
	SessionID     string `json:"session_id"`
	Outcome       int    `json:"outcome"`
	OutcomeTxID   string `json:"outcome_txid"`
	HasDelta      bool   `json:"has_delta"`
}

type ExpiryBroadcasted struct {
	ParamsVersion int    `json:"params_version"`
	ExpiryTxID    string `json:"expiry_txid"`
}

type DeltaBroadcasted struct {
	ParamsVersion int    `json:"params_version"`
	SessionID     string `json:"session_id"`
	Outcome       int    `json:"outcome"`
	DeltaTxID     string `json:"delta_txid"`
}

type Completed struct {
	FinalTxIDs  []string  `json:"final_txids"`
	CompletedAt time.Time `json:"completed_at"`
}

type Failed struct {
	From     models.Status `json:"from"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failed_at"`
}

type Cancelled struct {
	From        models.Status `json:"from"`
	Reason      string        `json:"reason"`
	CancelledAt time.Time     `json:"cancelled_at"`
}

func (Created) Status() models.Status                    { return models.StatusCreated }
func (CollectingEntries) Status() models.Status          { return models.StatusCollectingEntries }
func (AwaitingEscrowConfirmation) Status() models.Status { return models.StatusAwaitingEscrowConfirmation }
func (EventRegistered) Status() models.Status            { return models.StatusEventRegistered }
func (EntriesSubmittedToOracle) Status() models.Status   { return models.StatusEntriesSubmittedToOracle }
func (ContractParametersFixed) Status() models.Status    { return models.StatusContractParametersFixed }
func (AwaitingKeyGeneration) Status() models.Status      { return models.StatusAwaitingKeyGeneration }
func (AwaitingSignatures) Status() models.Status         { return models.StatusAwaitingSignatures }
func (SigningComplete) Status() models.Status            { return models.StatusSigningComplete }
func (FundingBroadcasted) Status() models.Status         { return models.StatusFundingBroadcasted }
func (FundingConfirmed) Status() models.Status           { return models.StatusFundingConfirmed }
func (AwaitingAttestation) Status() models.Status        { return models.StatusAwaitingAttestation }
func (OutcomeBroadcasted) Status() models.Status         { return models.StatusOutcomeBroadcasted }
func (ExpiryBroadcasted) Status() models.Status          { return models.StatusExpiryBroadcasted }
func (DeltaBroadcasted) Status() models.Status           { return models.StatusDeltaBroadcasted }
func (Completed) Status() models.Status                  { return models.StatusCompleted }
func (Failed) Status() models.Status                     { return models.StatusFailed }
func (Cancelled) Status() models.Status                  { return models.StatusCancelled }

// EncodeState serializes a variant for persistence.
func EncodeState(s State) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", s.Status(), err)
	}
	return string(raw), nil
}

// DecodeState restores the variant named by status.
func DecodeState(status models.Status, raw string) (State, error) {
	var s State
	switch status {
	case models.StatusCreated:
		s = &Created{}
	case models.StatusCollectingEntries:
		s = &CollectingEntries{}
	case models.StatusAwaitingEscrowConfirmation:
		s = &AwaitingEscrowConfirmation{}
	case models.StatusEventRegistered:
		s = &EventRegistered{}
	case models.StatusEntriesSubmittedToOracle:
		s = &EntriesSubmittedToOracle{}
	case models.StatusContractParametersFixed:
		s = &ContractParametersFixed{}
	case models.StatusAwaitingKeyGeneration:
		s = &AwaitingKeyGeneration{}
	case models.StatusAwaitingSignatures:
		s = &AwaitingSignatures{}
	case models.StatusSigningComplete:
		s = &SigningComplete{}
	case models.StatusFundingBroadcasted:
		s = &FundingBroadcasted{}
	case models.StatusFundingConfirmed:
		s = &FundingConfirmed{}
	case models.StatusAwaitingAttestation:
		s = &AwaitingAttestation{}
	case models.StatusOutcomeBroadcasted:
		s = &OutcomeBroadcasted{}
	case models.StatusExpiryBroadcasted:
		s = &ExpiryBroadcasted{}
	case models.StatusDeltaBroadcasted:
		s = &DeltaBroadcasted{}
	case models.StatusCompleted:
		s = &Completed{}
	case models.StatusFailed:
		s = &Failed{}
	case models.StatusCancelled:
		s = &Cancelled{}
	default:
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", status, err)
		}
	}
	return s, nil
}

// order is the forward sequence of the lifecycle.
var order = map[models.Status]int{
	models.StatusCreated:                    0,
	models.StatusCollectingEntries:          1,
	models.StatusAwaitingEscrowConfirmation: 2,
	models.StatusEventRegistered:            3,
	models.StatusEntriesSubmittedToOracle:   4,
	models.StatusContractParametersFixed:    5,
	models.StatusAwaitingKeyGeneration:      6,
	models.StatusAwaitingSignatures:         7,
	models.StatusSigningComplete:            8,
	models.StatusFundingBroadcasted:         9,
	models.StatusFundingConfirmed:           10,
	models.StatusAwaitingAttestation:        11,
	models.StatusOutcomeBroadcasted:         12,
	models.StatusExpiryBroadcasted:          12,
	models.StatusDeltaBroadcasted:           13,
	models.StatusCompleted:                  14,
}

var edges = map[models.Status][]models.Status{
	models.StatusCreated:                    {models.StatusCollectingEntries},
	models.StatusCollectingEntries:          {models.StatusAwaitingEscrowConfirmation},
	models.StatusAwaitingEscrowConfirmation: {models.StatusEventRegistered, models.StatusCollectingEntries},
	models.StatusEventRegistered:            {models.StatusEntriesSubmittedToOracle},
	models.StatusEntriesSubmittedToOracle:   {models.StatusContractParametersFixed},
	models.StatusContractParametersFixed:    {models.StatusAwaitingKeyGeneration},
	models.StatusAwaitingKeyGeneration:      {models.StatusAwaitingSignatures, models.StatusAwaitingKeyGeneration},
	models.StatusAwaitingSignatures:         {models.StatusSigningComplete, models.StatusAwaitingSignatures, models.StatusAwaitingKeyGeneration},
	models.StatusSigningComplete:            {models.StatusFundingBroadcasted},
	models.StatusFundingBroadcasted:         {models.StatusFundingConfirmed},
	models.StatusFundingConfirmed:           {models.StatusAwaitingAttestation},
	models.StatusAwaitingAttestation:        {models.StatusOutcomeBroadcasted, models.StatusExpiryBroadcasted},
	models.StatusOutcomeBroadcasted:         {models.StatusDeltaBroadcasted, models.StatusCompleted},
	models.StatusExpiryBroadcasted:          {models.StatusCompleted},
	models.StatusDeltaBroadcasted:           {models.StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
// Any non-terminal state may fail or be cancelled.
func CanTransition(from, to models.Status) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StatusFailed || to == models.StatusCancelled {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank is the position of s in the forward ordering, or -1 for Failed and
// Cancelled.
func Rank(s models.Status) int {
	r, ok := order[s]
	if !ok {
		return -1
	}
	return r
}

// PostFunding reports whether funds have left the escrow outputs.
func PostFunding(s models.Status) bool {
	return Rank(s) >= Rank(models.StatusFundingBroadcasted)
}
