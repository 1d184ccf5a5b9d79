package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoEntries         = errors.New("contract has no entries")
	ErrNoOutcomes        = errors.New("contract has no outcomes")
	ErrUnknownSlot       = errors.New("outcome references unknown entry slot")
	ErrNoMatchingOutcome = errors.New("attestation matches no locking condition")
)

// Key identifiers shared with the signing service.
const (
	KeyFunding = "funding"
)

func OutcomeKey(outcome int) string {
	return fmt.Sprintf("outcome:%d", outcome)
}

func WinKey(outcome int, entryID string) string {
	return fmt.Sprintf("win:%d:%s", outcome, entryID)
}

func EscrowKey(entryID string) string {
	return "escrow:" + entryID
}

// EntryParams describes one funded entry. Slot is the position the oracle
// uses when naming winners and survives entries being dropped.
type EntryParams struct {
	EntryID        string `json:"entry_id"`
	Slot           int    `json:"slot"`
	PayoutScript   string `json:"payout_script"`
	EscrowTxID     string `json:"escrow_txid"`
	EscrowVout     uint32 `json:"escrow_vout"`
	EscrowAmount   int64  `json:"escrow_amount"`
	EscrowPkScript string `json:"escrow_pk_script"`
	EscrowKey      string `json:"escrow_key"`
	// EscrowSigners are the compressed keys behind the escrow key path,
	// coordinator first.
	EscrowSigners       []string `json:"escrow_signers"`
	EscrowTapscriptRoot string   `json:"escrow_tapscript_root"`
}

// EscrowSpend tells the signing service how an escrow output is spent into
// the funding transaction: a MuSig2 signature by Signers, tweaked with
// TapscriptRoot, valid under OutputKey.
type EscrowSpend struct {
	KeyID         string   `json:"key_id"`
	EntryID       string   `json:"entry_id"`
	OutputKey     string   `json:"output_key"`
	Signers       []string `json:"signers"`
	TapscriptRoot string   `json:"tapscript_root"`
}

// Outcome is one attestable result. LockingHash is sha256 of the value the
// oracle reveals when it attests to this outcome.
type Outcome struct {
	Index       int    `json:"index"`
	LockingHash string `json:"locking_hash"`
	Winners     []int  `json:"winners"`
}

// Parameters is the immutable contract definition for one version.
type Parameters struct {
	CompetitionID    string          `json:"competition_id"`
	Version          int             `json:"version"`
	EventID          string          `json:"event_id"`
	EntryFee         int64           `json:"entry_fee"`
	FeePercent       decimal.Decimal `json:"fee_percent"`
	Entries          []EntryParams   `json:"entries"`
	Outcomes         []Outcome       `json:"outcomes"`
	ExpiryLocktime   uint32          `json:"expiry_locktime"`
	DeltaDelayBlocks uint32          `json:"delta_delay_blocks"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate checks internal consistency.
func (p *Parameters) Validate() error {
	if len(p.Entries) == 0 {
		return ErrNoEntries
	}
	if len(p.Outcomes) == 0 {
		return ErrNoOutcomes
	}
	seen := make(map[int]bool, len(p.Entries))
	for _, e := range p.Entries {
		if e.EntryID == "" || e.PayoutScript == "" || e.EscrowTxID == "" || e.EscrowKey == "" {
			return fmt.Errorf("entry %q is incomplete", e.EntryID)
		}
		if len(e.EscrowSigners) < 2 || len(e.EscrowTapscriptRoot) != 64 {
			return fmt.Errorf("entry %q has no escrow spend path", e.EntryID)
		}
		if seen[e.Slot] {
			return fmt.Errorf("duplicate slot %d", e.Slot)
		}
		seen[e.Slot] = true
	}
	for i, o := range p.Outcomes {
		if o.Index != i {
			return fmt.Errorf("outcome %d has index %d", i, o.Index)
		}
		if len(o.LockingHash) != 64 {
			return fmt.Errorf("outcome %d has malformed locking hash", i)
		}
	}
	return nil
}

// SortEntries orders entries by slot, the order every transaction uses.
func (p *Parameters) SortEntries() {
	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].Slot < p.Entries[j].Slot })
}

func (p *Parameters) entryBySlot(slot int) (EntryParams, bool) {
	for _, e := range p.Entries {
		if e.Slot == slot {
			return e, true
		}
	}
	return EntryParams{}, false
}

// Winners resolves an outcome's winners to the entries still in the
// contract, preserving place order.
func (p *Parameters) Winners(o Outcome) []EntryParams {
	winners := make([]EntryParams, 0, len(o.Winners))
	for _, slot := range o.Winners {
		if e, ok := p.entryBySlot(slot); ok {
			winners = append(winners, e)
		}
	}
	return winners
}

// HasDelta reports whether outcome i pays winners through a delta transaction.
func (p *Parameters) HasDelta(i int) bool {
	return i >= 0 && i < len(p.Outcomes) && len(p.Winners(p.Outcomes[i])) > 0
}

// RequiredKeys lists the aggregate keys key generation must produce.
func (p *Parameters) RequiredKeys() []string {
	keys := []string{KeyFunding}
	for _, o := range p.Outcomes {
		winners := p.Winners(o)
		if len(winners) == 0 {
			continue
		}
		keys = append(keys, OutcomeKey(o.Index))
		for _, w := range winners {
			keys = append(keys, WinKey(o.Index, w.EntryID))
		}
	}
	return keys
}

// EscrowSpends lists the escrow inputs of the funding transaction in slot
// order.
func (p *Parameters) EscrowSpends() []EscrowSpend {
	entries := append([]EntryParams(nil), p.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slot < entries[j].Slot })
	spends := make([]EscrowSpend, 0, len(entries))
	for _, e := range entries {
		spends = append(spends, EscrowSpend{
			KeyID:         EscrowKey(e.EntryID),
			EntryID:       e.EntryID,
			OutputKey:     e.EscrowKey,
			Signers:       append([]string(nil), e.EscrowSigners...),
			TapscriptRoot: e.EscrowTapscriptRoot,
		})
	}
	return spends
}

// MatchAttestation returns the index of the outcome whose locking hash
// commits to the attested value.
func (p *Parameters) MatchAttestation(attestation string) (int, error) {
	value, err := hex.DecodeString(attestation)
	if err != nil {
		return -1, fmt.Errorf("decode attestation: %w", err)
	}
	sum := sha256.Sum256(value)
	digest := hex.EncodeToString(sum[:])
	for i, o := range p.Outcomes {
		if o.LockingHash == digest {
			return i, nil
		}
	}
	return -1, ErrNoMatchingOutcome
}

// EntryIDs returns entry ids in slot order.
func (p *Parameters) EntryIDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		ids = append(ids, e.EntryID)
	}
	return ids
}

// Without returns the next version of p with the given entries removed.
func (p *Parameters) Without(entryIDs []string, now time.Time) *Parameters {
	drop := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		drop[id] = true
	}
	next := *p
	next.Version = p.Version + 1
	next.CreatedAt = now
	next.Entries = nil
	for _, e := range p.Entries {
		if !drop[e.EntryID] {
			next.Entries = append(next.Entries, e)
		}
	}
	next.Outcomes = append([]Outcome(nil), p.Outcomes...)
	return &next
}
