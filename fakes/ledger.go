package fakes

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"competition-coordinator/services"
)

type ledgerTx struct {
	raw   string
	confs int64
}

// Ledger is an in-memory chain. Broadcast transactions start with
// AutoConfirm confirmations and gain more through Mine.
type Ledger struct {
	mu          sync.Mutex
	txs         map[string]*ledgerTx
	broadcasts  map[string]int
	order       []string
	reject      error
	unreachable bool

	AutoConfirm int64
	FeeRate     int64
}

func NewLedger() *Ledger {
	return &Ledger{
		txs:        make(map[string]*ledgerTx),
		broadcasts: make(map[string]int),
		FeeRate:    2,
	}
}

func decodeTx(raw string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *Ledger) Broadcast(_ context.Context, raw string) (string, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return "", services.Permanent("broadcast", fmt.Errorf("malformed transaction: %w", err))
	}
	txid := tx.TxHash().String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return "", services.Transient("broadcast", fmt.Errorf("ledger unreachable"))
	}
	if l.reject != nil {
		return "", services.Permanent("broadcast", l.reject)
	}
	l.broadcasts[txid]++
	if _, ok := l.txs[txid]; !ok {
		l.txs[txid] = &ledgerTx{raw: raw, confs: l.AutoConfirm}
		l.order = append(l.order, txid)
	}
	return txid, nil
}

func (l *Ledger) Confirmations(_ context.Context, txid string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return 0, services.Transient("confirmations", fmt.Errorf("ledger unreachable"))
	}
	if tx, ok := l.txs[txid]; ok {
		return tx.confs, nil
	}
	return 0, nil
}

func (l *Ledger) EstimateFee(context.Context, int) (int64, error) {
	return l.FeeRate, nil
}

// Mine adds n confirmations to every known transaction.
func (l *Ledger) Mine(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.txs {
		tx.confs += n
	}
}

// Confirm adds n confirmations to one known transaction.
func (l *Ledger) Confirm(txid string, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.txs[txid]; ok {
		tx.confs += n
	}
}

// Reject makes every following broadcast fail permanently; nil clears it.
func (l *Ledger) Reject(err error) {
	l.mu.Lock()
	l.reject = err
	l.mu.Unlock()
}

func (l *Ledger) SetUnreachable(v bool) {
	l.mu.Lock()
	l.unreachable = v
	l.mu.Unlock()
}

func (l *Ledger) Known(txid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.txs[txid]
	return ok
}

// Broadcasts counts broadcast calls for txid, rebroadcasts included.
func (l *Ledger) Broadcasts(txid string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broadcasts[txid]
}

func (l *Ledger) TotalBroadcasts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.broadcasts {
		n += c
	}
	return n
}

// Transactions returns known transactions in first-broadcast order.
func (l *Ledger) Transactions() []*wire.MsgTx {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*wire.MsgTx, 0, len(l.order))
	for _, txid := range l.order {
		tx, err := decodeTx(l.txs[txid].raw)
		if err == nil {
			out = append(out, tx)
		}
	}
	return out
}

// Wallet funds outputs from made-up coins.
type Wallet struct {
	mu   sync.Mutex
	n    uint64
	fail error
}

func NewWallet() *Wallet { return &Wallet{} }

func (w *Wallet) FundOutput(_ context.Context, pkScript string, amount int64) (*services.FundedTx, error) {
	script, err := hex.DecodeString(pkScript)
	if err != nil {
		return nil, services.Validation("fund output", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return nil, services.Permanent("fund output", w.fail)
	}
	w.n++

	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], w.n)
	prev := chainhash.Hash(sha256.Sum256(seed[:]))

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(amount, script))
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &services.FundedTx{RawTx: hex.EncodeToString(buf.Bytes()), TxID: tx.TxHash().String(), Vout: 0}, nil
}

// Fail makes funding fail permanently; nil clears it.
func (w *Wallet) Fail(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}
