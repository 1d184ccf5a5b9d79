// Package fakes holds deterministic in-memory doubles for the
// coordinator's external collaborators.
package fakes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"competition-coordinator/contract"
)

// Keyring derives keys from labels and signs for any key it derived.
type Keyring struct {
	mu   sync.Mutex
	keys map[string]*btcec.PrivateKey
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*btcec.PrivateKey)}
}

// Key returns the key for label, the same one every time.
func (k *Keyring) Key(label string) *btcec.PrivateKey {
	sum := sha256.Sum256([]byte(label))
	priv, pub := btcec.PrivKeyFromBytes(sum[:])
	k.mu.Lock()
	k.keys[contract.XOnlyHex(pub)] = priv
	k.mu.Unlock()
	return priv
}

// PubKey is the compressed hex public key for label.
func (k *Keyring) PubKey(label string) string {
	return hex.EncodeToString(k.Key(label).PubKey().SerializeCompressed())
}

// XOnly is the BIP-340 hex public key for label.
func (k *Keyring) XOnly(label string) string {
	return contract.XOnlyHex(k.Key(label).PubKey())
}

// Sign produces a BIP-340 signature by the key behind xonly.
func (k *Keyring) Sign(xonly string, digest []byte) (string, error) {
	k.mu.Lock()
	priv, ok := k.keys[xonly]
	k.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no key for %s", xonly)
	}
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// MuSig2Sign runs a full MuSig2 round among signers, given as compressed
// hex keys this keyring derived, and returns the combined signature for
// the key tweaked with tapscriptRoot.
func (k *Keyring) MuSig2Sign(signers []string, tapscriptRoot string, digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", fmt.Errorf("digest is %d bytes", len(digest))
	}
	root, err := hex.DecodeString(tapscriptRoot)
	if err != nil {
		return "", fmt.Errorf("tapscript root: %w", err)
	}
	pubs := make([]*btcec.PublicKey, 0, len(signers))
	privs := make([]*btcec.PrivateKey, 0, len(signers))
	for _, s := range signers {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("signer %s: %w", s, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return "", fmt.Errorf("signer %s: %w", s, err)
		}
		k.mu.Lock()
		priv, ok := k.keys[contract.XOnlyHex(pub)]
		k.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("no key for %s", s)
		}
		pubs = append(pubs, pub)
		privs = append(privs, priv)
	}

	sessions := make([]*musig2.Session, len(privs))
	for i, priv := range privs {
		ctx, err := musig2.NewContext(priv, true, musig2.WithKnownSigners(pubs), musig2.WithTaprootTweakCtx(root))
		if err != nil {
			return "", err
		}
		if sessions[i], err = ctx.NewSession(); err != nil {
			return "", err
		}
	}
	for i, s := range sessions {
		for j, other := range sessions {
			if i == j {
				continue
			}
			if _, err := s.RegisterPubNonce(other.PublicNonce()); err != nil {
				return "", err
			}
		}
	}

	var msg [32]byte
	copy(msg[:], digest)
	partials := make([]*musig2.PartialSignature, len(sessions))
	for i, s := range sessions {
		if partials[i], err = s.Sign(msg); err != nil {
			return "", err
		}
	}
	for _, p := range partials[1:] {
		if _, err := sessions[0].CombineSig(p); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(sessions[0].FinalSig().Serialize()), nil
}
