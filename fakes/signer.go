package fakes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"competition-coordinator/contract"
	"competition-coordinator/services"
)

type signerSession struct {
	req      services.KeyGenRequest
	keys     map[string]string
	escrows  map[string]contract.EscrowSpend
	signings map[string]*services.SigningResult
}

// Signer runs key generation and signing with keyring keys. Participants
// marked unresponsive never finish either round.
type Signer struct {
	mu           sync.Mutex
	keys         *Keyring
	sessions     map[string]*signerSession
	unresponsive map[string]bool
	failSigning  int
	partial      int
	keygens      int
	signings     int
}

func NewSigner(keys *Keyring) *Signer {
	return &Signer{
		keys:         keys,
		sessions:     make(map[string]*signerSession),
		unresponsive: make(map[string]bool),
	}
}

func (s *Signer) BeginKeyGeneration(_ context.Context, req services.KeyGenRequest) (*services.SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		sess = &signerSession{
			req:      req,
			keys:     make(map[string]string, len(req.KeyIDs)),
			escrows:  make(map[string]contract.EscrowSpend, len(req.Escrows)),
			signings: make(map[string]*services.SigningResult),
		}
		for _, id := range req.KeyIDs {
			sess.keys[id] = s.keys.XOnly(req.SessionID + "/" + id)
		}
		for _, e := range req.Escrows {
			sess.escrows[e.KeyID] = e
		}
		s.sessions[req.SessionID] = sess
		s.keygens++
	}
	handle := &services.SessionHandle{SessionID: req.SessionID, RejoinSecrets: make(map[string][]byte)}
	for _, pid := range req.ParticipantIDs {
		secret := sha256.Sum256([]byte(req.SessionID + "/rejoin/" + pid))
		handle.RejoinSecrets[pid] = secret[:]
	}
	return handle, nil
}

func (s *Signer) missing(sess *signerSession) []string {
	var out []string
	for _, pid := range sess.req.ParticipantIDs {
		if s.unresponsive[pid] {
			out = append(out, pid)
		}
	}
	return out
}

func (s *Signer) PollKeyGeneration(_ context.Context, sessionID string) (*services.KeyGenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, services.Permanent("poll keygen", fmt.Errorf("unknown session %s", sessionID))
	}
	if missing := s.missing(sess); len(missing) > 0 {
		return &services.KeyGenResult{State: services.SessionPending, Missing: missing}, nil
	}
	keys := make(map[string]string, len(sess.keys))
	for k, v := range sess.keys {
		keys[k] = v
	}
	return &services.KeyGenResult{State: services.SessionComplete, AggregateKeys: keys}, nil
}

func (s *Signer) BeginSigning(_ context.Context, req services.SigningRequest) (*services.SigningHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		return nil, services.Permanent("begin signing", fmt.Errorf("unknown session %s", req.SessionID))
	}
	if _, ok := sess.signings[req.SigningID]; ok {
		return &services.SigningHandle{SigningID: req.SigningID}, nil
	}
	s.signings++

	switch missing := s.missing(sess); {
	case len(missing) > 0:
		sess.signings[req.SigningID] = &services.SigningResult{State: services.SessionPending, Missing: missing}
		return &services.SigningHandle{SigningID: req.SigningID}, nil
	case s.failSigning > 0:
		s.failSigning--
		sess.signings[req.SigningID] = &services.SigningResult{State: services.SessionFailed, Reason: "nonce exchange aborted"}
		return &services.SigningHandle{SigningID: req.SigningID}, nil
	}

	sigs := make(map[string]string, len(req.Items))
	for _, item := range req.Items {
		digest, err := hex.DecodeString(item.Digest)
		if err != nil {
			return nil, services.Permanent("begin signing", err)
		}
		sig, err := s.signItem(sess, item, digest)
		if err != nil {
			return nil, services.Permanent("begin signing", fmt.Errorf("item %s: %w", item.ID, err))
		}
		sigs[item.ID] = sig
	}
	if s.partial > 0 && len(req.Items) > 0 {
		s.partial--
		delete(sigs, req.Items[len(req.Items)-1].ID)
	}
	sess.signings[req.SigningID] = &services.SigningResult{State: services.SessionComplete, Signatures: sigs}
	return &services.SigningHandle{SigningID: req.SigningID}, nil
}

// signItem signs escrow inputs with MuSig2 by the keys announced at key
// generation and everything else with the session key.
func (s *Signer) signItem(sess *signerSession, item contract.SigningItem, digest []byte) (string, error) {
	if len(item.Signers) == 0 {
		return s.keys.Sign(item.PubKey, digest)
	}
	spend, ok := sess.escrows[item.KeyID]
	if !ok || spend.OutputKey != item.PubKey || spend.TapscriptRoot != item.TapscriptRoot {
		return "", fmt.Errorf("escrow %s was not announced at key generation", item.KeyID)
	}
	return s.keys.MuSig2Sign(spend.Signers, spend.TapscriptRoot, digest)
}

func (s *Signer) PollSigning(_ context.Context, sessionID, signingID string) (*services.SigningResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, services.Permanent("poll signing", fmt.Errorf("unknown session %s", sessionID))
	}
	res, ok := sess.signings[signingID]
	if !ok {
		return nil, services.Permanent("poll signing", fmt.Errorf("unknown signing %s", signingID))
	}
	out := *res
	return &out, nil
}

// SetUnresponsive makes a participant stall every round it is part of.
func (s *Signer) SetUnresponsive(participantID string) {
	s.mu.Lock()
	s.unresponsive[participantID] = true
	s.mu.Unlock()
}

// FailSigning makes the next n signing rounds fail.
func (s *Signer) FailSigning(n int) {
	s.mu.Lock()
	s.failSigning = n
	s.mu.Unlock()
}

// Partial makes the next n signing rounds omit one signature.
func (s *Signer) Partial(n int) {
	s.mu.Lock()
	s.partial = n
	s.mu.Unlock()
}

func (s *Signer) KeyGenerations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keygens
}

func (s *Signer) Signings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signings
}
