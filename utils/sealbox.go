package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "competition-coordinator/rejoin-secret/v1"

var ErrSealedTooShort = errors.New("sealed secret too short")

func sealKey(shared []byte, ephemeral []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, ephemeral, []byte(sealInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// SealRejoinSecret encrypts secret to the holder of recipientPubkey (hex,
// compressed secp256k1). The output is ephemeral pubkey || nonce ||
// ciphertext, hex encoded. The ephemeral private key is discarded, so only
// the recipient can open it.
func SealRejoinSecret(recipientPubkey string, secret []byte) (string, error) {
	raw, err := hex.DecodeString(recipientPubkey)
	if err != nil {
		return "", fmt.Errorf("decode recipient key: %w", err)
	}
	recipient, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return "", fmt.Errorf("parse recipient key: %w", err)
	}

	eph, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub := eph.PubKey().SerializeCompressed()
	key, err := sealKey(secp256k1.GenerateSharedSecret(eph, recipient), ephPub)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(secret)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, secret, ephPub)
	return hex.EncodeToString(out), nil
}

// OpenRejoinSecret reverses SealRejoinSecret with the recipient's key.
func OpenRejoinSecret(recipient *secp256k1.PrivateKey, sealed string) ([]byte, error) {
	raw, err := hex.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed secret: %w", err)
	}
	const pubLen = secp256k1.PubKeyBytesLenCompressed
	if len(raw) < pubLen+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	ephPub := raw[:pubLen]
	eph, err := secp256k1.ParsePubKey(ephPub)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral key: %w", err)
	}
	key, err := sealKey(secp256k1.GenerateSharedSecret(recipient, eph), ephPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := raw[pubLen : pubLen+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, raw[pubLen+aead.NonceSize():], ephPub)
	if err != nil {
		return nil, fmt.Errorf("open sealed secret: %w", err)
	}
	return plain, nil
}
