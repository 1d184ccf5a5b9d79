package clients

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"competition-coordinator/services"
)

// bitcoind JSON-RPC error codes the client treats specially.
const (
	rpcInWarmup        btcjson.RPCErrorCode = -28
	rpcNoTxInfo        btcjson.RPCErrorCode = -5
	rpcAlreadyInChain  btcjson.RPCErrorCode = -27
	rpcWalletNotFunded btcjson.RPCErrorCode = -6
)

type BitcoindConfig struct {
	Host string
	User string
	Pass string
	// FallbackFee is used when bitcoind has no estimate, in sat/vB.
	FallbackFee int64
}

// Bitcoind is the LedgerGateway and Wallet backed by a bitcoind node.
type Bitcoind struct {
	rpc      *rpcclient.Client
	fallback int64
}

func NewBitcoind(cfg BitcoindConfig) (*Bitcoind, error) {
	c, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create bitcoind rpc client (host=%s): %w", cfg.Host, err)
	}
	fallback := cfg.FallbackFee
	if fallback <= 0 {
		fallback = 2
	}
	return &Bitcoind{rpc: c, fallback: fallback}, nil
}

func (b *Bitcoind) Close() {
	b.rpc.Shutdown()
}

func classifyRPC(op string, err error) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == rpcInWarmup {
			return services.Transient(op, err)
		}
		return services.Permanent(op, err)
	}
	if errors.Is(err, rpcclient.ErrClientShutdown) {
		return services.Permanent(op, err)
	}
	return services.Transient(op, err)
}

func rpcCode(err error) btcjson.RPCErrorCode {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
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

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func (b *Bitcoind) Broadcast(ctx context.Context, rawTx string) (string, error) {
	const op = "broadcast"
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx, err := decodeTx(rawTx)
	if err != nil {
		return "", services.Permanent(op, fmt.Errorf("malformed transaction: %w", err))
	}
	hash, err := b.rpc.SendRawTransaction(tx, false)
	switch {
	case err == nil:
		return hash.String(), nil
	case rpcCode(err) == rpcAlreadyInChain:
		return tx.TxHash().String(), nil
	default:
		return "", classifyRPC(op, err)
	}
}

func (b *Bitcoind) Confirmations(ctx context.Context, txid string) (int64, error) {
	const op = "confirmations"
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, services.Validation(op, err)
	}
	res, err := b.rpc.GetRawTransactionVerbose(hash)
	switch {
	case err == nil:
		return int64(res.Confirmations), nil
	case rpcCode(err) == rpcNoTxInfo:
		return 0, nil
	default:
		return 0, classifyRPC(op, err)
	}
}

func (b *Bitcoind) EstimateFee(ctx context.Context, targetBlocks int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mode := btcjson.EstimateModeConservative
	res, err := b.rpc.EstimateSmartFee(int64(targetBlocks), &mode)
	if err != nil {
		return 0, classifyRPC("estimate fee", err)
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return b.fallback, nil
	}
	// BTC/kvB to sat/vB.
	rate := int64(math.Ceil(math.Round(*res.FeeRate*1e8) / 1000))
	return max(rate, 1), nil
}

// FundOutput asks the node wallet to fund and sign a transaction paying
// amount to pkScript. The transaction is not broadcast.
func (b *Bitcoind) FundOutput(ctx context.Context, pkScript string, amount int64) (*services.FundedTx, error) {
	const op = "fund output"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script, err := hex.DecodeString(pkScript)
	if err != nil {
		return nil, services.Validation(op, err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(amount, script))
	funded, err := b.rpc.FundRawTransaction(tx, btcjson.FundRawTransactionOpts{}, nil)
	if err != nil {
		if rpcCode(err) == rpcWalletNotFunded {
			return nil, services.Permanent(op, fmt.Errorf("wallet has insufficient funds: %w", err))
		}
		return nil, classifyRPC(op, err)
	}
	signed, complete, err := b.rpc.SignRawTransactionWithWallet(funded.Transaction)
	if err != nil {
		return nil, classifyRPC(op, err)
	}
	if !complete {
		return nil, services.Permanent(op, errors.New("wallet could not sign every input"))
	}

	vout := -1
	for i, out := range signed.TxOut {
		if out.Value == amount && bytes.Equal(out.PkScript, script) {
			vout = i
			break
		}
	}
	if vout < 0 {
		return nil, services.IntegrityViolation(op, errors.New("funded transaction lost the escrow output"))
	}
	raw, err := encodeTx(signed)
	if err != nil {
		return nil, services.Permanent(op, err)
	}
	return &services.FundedTx{RawTx: raw, TxID: signed.TxHash().String(), Vout: uint32(vout)}, nil
}
