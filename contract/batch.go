package contract

import (
	"fmt"
	"strings"
)

type ItemKind string

const (
	KindFunding  ItemKind = "funding"
	KindOutcome  ItemKind = "outcome"
	KindDelta    ItemKind = "delta"
	KindWinClaim ItemKind = "win"
	KindExpiry   ItemKind = "expiry"
)

// Transaction names inside a batch.
const (
	TxFunding = "funding"
	TxExpiry  = "expiry"
)

func OutcomeTx(outcome int) string {
	return fmt.Sprintf("outcome/%d", outcome)
}

func DeltaTx(outcome int) string {
	return fmt.Sprintf("delta/%d", outcome)
}

func WinTx(outcome int, entryID string) string {
	return fmt.Sprintf("win/%d/%s", outcome, entryID)
}

// ItemID names the signature for one input of one transaction.
func ItemID(tx string, input int) string {
	return fmt.Sprintf("%s#%d", tx, input)
}

type Prevout struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Amount   int64  `json:"amount"`
	PkScript string `json:"pk_script"`
}

// Transaction is one unsigned contract transaction.
type Transaction struct {
	Name     string    `json:"name"`
	Kind     ItemKind  `json:"kind"`
	Outcome  int       `json:"outcome"`
	Unsigned string    `json:"unsigned"`
	TxID     string    `json:"txid"`
	Prevouts []Prevout `json:"prevouts"`
}

// SigningItem is a single taproot key-path signature the signing service
// must produce: a BIP-340 signature over Digest by PubKey. Escrow inputs
// carry Signers and TapscriptRoot; they are signed with MuSig2 by those
// keys instead of by a session aggregate key.
type SigningItem struct {
	ID            string   `json:"id"`
	Kind          ItemKind `json:"kind"`
	Tx            string   `json:"tx"`
	Input         int      `json:"input"`
	KeyID         string   `json:"key_id"`
	PubKey        string   `json:"pubkey"`
	Digest        string   `json:"digest"`
	Signers       []string `json:"signers,omitempty"`
	TapscriptRoot string   `json:"tapscript_root,omitempty"`
}

// Batch is everything that must be signed before funding is broadcast.
type Batch struct {
	CompetitionID string        `json:"competition_id"`
	ParamsVersion int           `json:"params_version"`
	FeeRate       int64         `json:"fee_rate"`
	Transactions  []Transaction `json:"transactions"`
	Items         []SigningItem `json:"items"`
}

func (b *Batch) Tx(name string) (*Transaction, bool) {
	for i := range b.Transactions {
		if b.Transactions[i].Name == name {
			return &b.Transactions[i], true
		}
	}
	return nil, false
}

// WinTxs returns the names of the win claim transactions for an outcome.
func (b *Batch) WinTxs(outcome int) []string {
	var names []string
	for _, tx := range b.Transactions {
		if tx.Kind == KindWinClaim && tx.Outcome == outcome {
			names = append(names, tx.Name)
		}
	}
	return names
}

// IncompleteError lists items that are unsigned or carry an invalid signature.
type IncompleteError struct {
	Missing []string
	Invalid []string
}

func (e *IncompleteError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d unsigned (%s)", len(e.Missing), strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("%d invalid (%s)", len(e.Invalid), strings.Join(e.Invalid, ", ")))
	}
	return "incomplete signature set: " + strings.Join(parts, "; ")
}
