package contract

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
)

var ErrBadPaymentHash = errors.New("payment hash must be 32 bytes")

// EscrowScript is the output a ticket is backed by. The key path is the
// coordinator and participant together; the single script leaf lets the
// participant alone spend after CSVDelay blocks given the payment preimage.
// Spending the key path takes a MuSig2 signature by CoordinatorKey and the
// participant, tweaked with TapscriptRoot.
type EscrowScript struct {
	PkScript       string `json:"pk_script"`
	OutputKey      string `json:"output_key"`
	InternalKey    string `json:"internal_key"`
	CoordinatorKey string `json:"coordinator_key"`
	TapscriptRoot  string `json:"tapscript_root"`
	ReclaimScript  string `json:"reclaim_script"`
	CSVDelay       uint32 `json:"csv_delay"`
}

// ReclaimScript is <csv> OP_CSV OP_DROP OP_SHA256 <hash> OP_EQUALVERIFY <participant> OP_CHECKSIG.
func ReclaimScript(participant *btcec.PublicKey, paymentHash []byte, csvDelay uint32) ([]byte, error) {
	if len(paymentHash) != 32 {
		return nil, ErrBadPaymentHash
	}
	return txscript.NewScriptBuilder().
		AddInt64(int64(csvDelay)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_SHA256).
		AddData(paymentHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(participant)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// BuildEscrowScript derives the escrow output for a participant.
func BuildEscrowScript(coordinator, participant *btcec.PublicKey, paymentHash []byte, csvDelay uint32) (*EscrowScript, error) {
	reclaim, err := ReclaimScript(participant, paymentHash, csvDelay)
	if err != nil {
		return nil, err
	}

	agg, _, _, err := musig2.AggregateKeys([]*btcec.PublicKey{coordinator, participant}, true)
	if err != nil {
		return nil, fmt.Errorf("aggregate escrow keys: %w", err)
	}
	internal := agg.FinalKey

	leaf := txscript.NewBaseTapLeaf(reclaim)
	root := leaf.TapHash()
	output := txscript.ComputeTaprootOutputKey(internal, root[:])

	pkScript, err := PayToKey(output)
	if err != nil {
		return nil, err
	}

	return &EscrowScript{
		PkScript:       hex.EncodeToString(pkScript),
		OutputKey:      XOnlyHex(output),
		InternalKey:    XOnlyHex(internal),
		CoordinatorKey: hex.EncodeToString(coordinator.SerializeCompressed()),
		TapscriptRoot:  hex.EncodeToString(root[:]),
		ReclaimScript:  hex.EncodeToString(reclaim),
		CSVDelay:       csvDelay,
	}, nil
}
