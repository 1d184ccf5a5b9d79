package contract

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrMissingKey       = errors.New("aggregate key missing")
	ErrMissingSignature = errors.New("signature missing")
	ErrUnknownTx        = errors.New("transaction not in batch")
	ErrMissingFeeRate   = errors.New("fee rate must be positive")
)

type BuilderConfig struct {
	CoordinatorPubkey string
	PayoutAddress     string
	Net               *chaincfg.Params
}

// Builder constructs escrow scripts and the contract transaction batch.
type Builder struct {
	coordinator  *btcec.PublicKey
	payoutScript []byte
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	coordinator, err := ParsePubKey(cfg.CoordinatorPubkey)
	if err != nil {
		return nil, fmt.Errorf("coordinator key: %w", err)
	}
	net := cfg.Net
	if net == nil {
		net = &chaincfg.MainNetParams
	}
	addr, err := btcutil.DecodeAddress(cfg.PayoutAddress, net)
	if err != nil {
		return nil, fmt.Errorf("payout address: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("payout script: %w", err)
	}
	return &Builder{coordinator: coordinator, payoutScript: script}, nil
}

func (b *Builder) CoordinatorPubkey() string {
	return hex.EncodeToString(b.coordinator.SerializeCompressed())
}

// EscrowScript builds the escrow output for a ticket.
func (b *Builder) EscrowScript(participantPubkey, paymentHash string, csvDelay uint32) (*EscrowScript, error) {
	participant, err := ParsePubKey(participantPubkey)
	if err != nil {
		return nil, err
	}
	hash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("decode payment hash: %w", err)
	}
	return BuildEscrowScript(b.coordinator, participant, hash, csvDelay)
}

type signer struct {
	keyID   string
	pubkey  string
	signers []string
	root    string
}

type batchWriter struct {
	batch *Batch
}

func (w *batchWriter) add(tx *wire.MsgTx, name string, kind ItemKind, outcome int, prevouts []Prevout, signers []signer) (Prevout, error) {
	fetch := make(map[wire.OutPoint]*wire.TxOut, len(prevouts))
	for i, po := range prevouts {
		script, err := hex.DecodeString(po.PkScript)
		if err != nil {
			return Prevout{}, fmt.Errorf("%s prevout script: %w", name, err)
		}
		fetch[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(po.Amount, script)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(fetch)
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		digest, err := txscript.CalcTaprootSignatureHash(hashes, txscript.SigHashDefault, tx, i, fetcher)
		if err != nil {
			return Prevout{}, fmt.Errorf("%s sighash %d: %w", name, i, err)
		}
		w.batch.Items = append(w.batch.Items, SigningItem{
			ID:            ItemID(name, i),
			Kind:          kind,
			Tx:            name,
			Input:         i,
			KeyID:         signers[i].keyID,
			PubKey:        signers[i].pubkey,
			Digest:        hex.EncodeToString(digest),
			Signers:       signers[i].signers,
			TapscriptRoot: signers[i].root,
		})
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return Prevout{}, fmt.Errorf("serialize %s: %w", name, err)
	}
	txid := tx.TxHash().String()
	w.batch.Transactions = append(w.batch.Transactions, Transaction{
		Name:     name,
		Kind:     kind,
		Outcome:  outcome,
		Unsigned: hex.EncodeToString(buf.Bytes()),
		TxID:     txid,
		Prevouts: prevouts,
	})

	if len(tx.TxOut) == 0 {
		return Prevout{}, nil
	}
	return Prevout{
		TxID:     txid,
		Vout:     0,
		Amount:   tx.TxOut[0].Value,
		PkScript: hex.EncodeToString(tx.TxOut[0].PkScript),
	}, nil
}

func spend(po Prevout) (*wire.TxIn, error) {
	hash, err := chainhash.NewHashFromStr(po.TxID)
	if err != nil {
		return nil, fmt.Errorf("prevout txid: %w", err)
	}
	return wire.NewTxIn(wire.NewOutPoint(hash, po.Vout), nil, nil), nil
}

func addOutput(tx *wire.MsgTx, value int64, script []byte) error {
	if value < DustLimit {
		return fmt.Errorf("%w: %d sats", ErrDustOutput, value)
	}
	tx.AddTxOut(wire.NewTxOut(value, script))
	return nil
}

// BuildBatch constructs every transaction the contract needs and the
// signing items covering each of their inputs. keys maps key ids to x-only
// aggregate keys produced by key generation; feeRate is in sat/vB.
func (b *Builder) BuildBatch(p *Parameters, keys map[string]string, feeRate int64) (*Batch, error) {
	if feeRate <= 0 {
		return nil, ErrMissingFeeRate
	}
	params := *p
	params.Entries = append([]EntryParams(nil), p.Entries...)
	params.SortEntries()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	keyScript := func(id string) (signer, []byte, error) {
		k, ok := keys[id]
		if !ok {
			return signer{}, nil, fmt.Errorf("%w: %s", ErrMissingKey, id)
		}
		script, err := PayToXOnly(k)
		if err != nil {
			return signer{}, nil, fmt.Errorf("key %s: %w", id, err)
		}
		return signer{keyID: id, pubkey: k}, script, nil
	}

	w := &batchWriter{batch: &Batch{
		CompetitionID: params.CompetitionID,
		ParamsVersion: params.Version,
		FeeRate:       feeRate,
	}}
	n := len(params.Entries)

	fundingSigner, fundingScript, err := keyScript(KeyFunding)
	if err != nil {
		return nil, err
	}

	funding := wire.NewMsgTx(2)
	prevouts := make([]Prevout, 0, n)
	signers := make([]signer, 0, n)
	var total int64
	for _, e := range params.Entries {
		po := Prevout{TxID: e.EscrowTxID, Vout: e.EscrowVout, Amount: e.EscrowAmount, PkScript: e.EscrowPkScript}
		in, err := spend(po)
		if err != nil {
			return nil, err
		}
		funding.AddTxIn(in)
		prevouts = append(prevouts, po)
		signers = append(signers, signer{
			keyID:   EscrowKey(e.EntryID),
			pubkey:  e.EscrowKey,
			signers: e.EscrowSigners,
			root:    e.EscrowTapscriptRoot,
		})
		total += e.EscrowAmount
	}
	if err := addOutput(funding, total-Fee(feeRate, n, 1), fundingScript); err != nil {
		return nil, fmt.Errorf("funding: %w", err)
	}
	fundingOut, err := w.add(funding, TxFunding, KindFunding, -1, prevouts, signers)
	if err != nil {
		return nil, err
	}

	refund := func(tx *wire.MsgTx, amount int64) error {
		for i, share := range EqualSplit(amount, n) {
			script, err := hex.DecodeString(params.Entries[i].PayoutScript)
			if err != nil {
				return fmt.Errorf("payout script for %s: %w", params.Entries[i].EntryID, err)
			}
			if err := addOutput(tx, share, script); err != nil {
				return err
			}
		}
		return nil
	}

	expiry := wire.NewMsgTx(2)
	in, err := spend(fundingOut)
	if err != nil {
		return nil, err
	}
	in.Sequence = wire.MaxTxInSequenceNum - 1
	expiry.AddTxIn(in)
	expiry.LockTime = params.ExpiryLocktime
	if err := refund(expiry, fundingOut.Amount-Fee(feeRate, 1, n)); err != nil {
		return nil, fmt.Errorf("expiry: %w", err)
	}
	if _, err := w.add(expiry, TxExpiry, KindExpiry, -1, []Prevout{fundingOut}, []signer{fundingSigner}); err != nil {
		return nil, err
	}

	for _, o := range params.Outcomes {
		if err := b.buildOutcome(w, &params, o, fundingOut, fundingSigner, feeRate, keyScript, refund); err != nil {
			return nil, fmt.Errorf("outcome %d: %w", o.Index, err)
		}
	}
	return w.batch, nil
}

func (b *Builder) buildOutcome(
	w *batchWriter,
	params *Parameters,
	o Outcome,
	fundingOut Prevout,
	fundingSigner signer,
	feeRate int64,
	keyScript func(string) (signer, []byte, error),
	refund func(*wire.MsgTx, int64) error,
) error {
	winners := params.Winners(o)
	outcomeTx := wire.NewMsgTx(2)
	in, err := spend(fundingOut)
	if err != nil {
		return err
	}
	outcomeTx.AddTxIn(in)

	if len(winners) == 0 {
		if err := refund(outcomeTx, fundingOut.Amount-Fee(feeRate, 1, len(params.Entries))); err != nil {
			return err
		}
		_, err := w.add(outcomeTx, OutcomeTx(o.Index), KindOutcome, o.Index, []Prevout{fundingOut}, []signer{fundingSigner})
		return err
	}

	outcomeSigner, outcomeScript, err := keyScript(OutcomeKey(o.Index))
	if err != nil {
		return err
	}
	if err := addOutput(outcomeTx, fundingOut.Amount-Fee(feeRate, 1, 1), outcomeScript); err != nil {
		return err
	}
	outcomeOut, err := w.add(outcomeTx, OutcomeTx(o.Index), KindOutcome, o.Index, []Prevout{fundingOut}, []signer{fundingSigner})
	if err != nil {
		return err
	}

	delta := wire.NewMsgTx(2)
	din, err := spend(outcomeOut)
	if err != nil {
		return err
	}
	din.Sequence = params.DeltaDelayBlocks
	delta.AddTxIn(din)

	shares, coordinatorFee := Payouts(outcomeOut.Amount-Fee(feeRate, 1, len(winners)+1), params.FeePercent, len(winners))
	winSigners := make([]signer, len(winners))
	for k, winner := range winners {
		winSigner, winScript, err := keyScript(WinKey(o.Index, winner.EntryID))
		if err != nil {
			return err
		}
		winSigners[k] = winSigner
		if err := addOutput(delta, shares[k], winScript); err != nil {
			return err
		}
	}
	if coordinatorFee >= DustLimit {
		delta.AddTxOut(wire.NewTxOut(coordinatorFee, b.payoutScript))
	}
	deltaName := DeltaTx(o.Index)
	if _, err := w.add(delta, deltaName, KindDelta, o.Index, []Prevout{outcomeOut}, []signer{outcomeSigner}); err != nil {
		return err
	}
	deltaID := delta.TxHash().String()

	for k, winner := range winners {
		po := Prevout{
			TxID:     deltaID,
			Vout:     uint32(k),
			Amount:   delta.TxOut[k].Value,
			PkScript: hex.EncodeToString(delta.TxOut[k].PkScript),
		}
		claim := wire.NewMsgTx(2)
		cin, err := spend(po)
		if err != nil {
			return err
		}
		claim.AddTxIn(cin)
		script, err := hex.DecodeString(winner.PayoutScript)
		if err != nil {
			return fmt.Errorf("payout script for %s: %w", winner.EntryID, err)
		}
		if err := addOutput(claim, po.Amount-Fee(feeRate, 1, 1), script); err != nil {
			return err
		}
		if _, err := w.add(claim, WinTx(o.Index, winner.EntryID), KindWinClaim, o.Index, []Prevout{po}, []signer{winSigners[k]}); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks that every item in the batch carries a valid signature.
func (b *Builder) Verify(batch *Batch, sigs map[string]string) error {
	incomplete := &IncompleteError{}
	for _, item := range batch.Items {
		raw, ok := sigs[item.ID]
		if !ok || raw == "" {
			incomplete.Missing = append(incomplete.Missing, item.ID)
			continue
		}
		if !verifyItem(item, raw) {
			incomplete.Invalid = append(incomplete.Invalid, item.ID)
		}
	}
	if len(incomplete.Missing) > 0 || len(incomplete.Invalid) > 0 {
		return incomplete
	}
	return nil
}

func verifyItem(item SigningItem, sigHex string) bool {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	key, err := ParseXOnly(item.PubKey)
	if err != nil {
		return false
	}
	digest, err := hex.DecodeString(item.Digest)
	if err != nil {
		return false
	}
	return sig.Verify(digest, key)
}

// Finalize attaches key-path witnesses to the named transaction and returns
// its serialization and txid.
func (b *Builder) Finalize(batch *Batch, name string, sigs map[string]string) (string, string, error) {
	tx, ok := batch.Tx(name)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTx, name)
	}
	raw, err := hex.DecodeString(tx.Unsigned)
	if err != nil {
		return "", "", fmt.Errorf("decode %s: %w", name, err)
	}
	msg := &wire.MsgTx{}
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", "", fmt.Errorf("deserialize %s: %w", name, err)
	}
	for i := range msg.TxIn {
		id := ItemID(name, i)
		sig, err := hex.DecodeString(sigs[id])
		if err != nil || len(sig) == 0 {
			return "", "", fmt.Errorf("%w: %s", ErrMissingSignature, id)
		}
		msg.TxIn[i].Witness = wire.TxWitness{sig}
	}
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("serialize %s: %w", name, err)
	}
	return hex.EncodeToString(buf.Bytes()), msg.TxHash().String(), nil
}
