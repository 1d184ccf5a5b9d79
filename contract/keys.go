package contract

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
)

// ParsePubKey decodes a hex compressed secp256k1 public key.
func ParsePubKey(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}
	return key, nil
}

// ParseXOnly decodes a hex BIP-340 x-only public key.
func ParseXOnly(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode x-only key: %w", err)
	}
	key, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse x-only key: %w", err)
	}
	return key, nil
}

func XOnlyHex(key *btcec.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(key))
}

// PayToKey is the P2TR script whose output key is key.
func PayToKey(key *btcec.PublicKey) ([]byte, error) {
	script, err := txscript.PayToTaprootScript(key)
	if err != nil {
		return nil, fmt.Errorf("taproot script: %w", err)
	}
	return script, nil
}

// PayToXOnly is PayToKey for a hex x-only key.
func PayToXOnly(s string) ([]byte, error) {
	key, err := ParseXOnly(s)
	if err != nil {
		return nil, err
	}
	return PayToKey(key)
}
