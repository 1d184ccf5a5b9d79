package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"competition-coordinator/contract"
	"competition-coordinator/models"
	"competition-coordinator/utils"
)

// SigningCoordinator drives a competition's entries and the signing
// service through key generation and batch signing.
type SigningCoordinator struct {
	deps *Deps
	log  zerolog.Logger
}

func NewSigningCoordinator(deps *Deps) *SigningCoordinator {
	deps.defaults()
	return &SigningCoordinator{
		deps: deps,
		log:  deps.Logger.With().Str("component", "signing").Logger(),
	}
}

func sessionID(competitionID string, attempt int) string {
	return fmt.Sprintf("%s-k%d", competitionID, attempt)
}

// BeginKeyGeneration registers a session for the entries in params and
// seals each participant's rejoin secret to that participant's ephemeral
// key. Calling it again for the same attempt returns the stored session.
func (s *SigningCoordinator) BeginKeyGeneration(ctx context.Context, comp *models.Competition, params *contract.Parameters, attempt int) (*models.SigningSession, error) {
	id := sessionID(comp.ID, attempt)
	existing, err := s.deps.Store.GetSession(ctx, id)
	switch {
	case err == nil && existing.RemoteID != "":
		return existing, nil
	case err != nil && !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("get session: %w", err)
	}

	participants := params.EntryIDs()
	handle, err := RetryValue(ctx, s.deps.Retry, "begin keygen", func(ctx context.Context) (*SessionHandle, error) {
		return s.deps.Signer.BeginKeyGeneration(ctx, KeyGenRequest{
			SessionID:      id,
			CompetitionID:  comp.ID,
			ParticipantIDs: participants,
			KeyIDs:         params.RequiredKeys(),
			Escrows:        params.EscrowSpends(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.deps.Metrics.External("signer", "begin_keygen")

	now := s.deps.Clock.Now()
	for _, pid := range participants {
		secret, ok := handle.RejoinSecrets[pid]
		if !ok || len(secret) == 0 {
			return nil, Permanent("begin keygen", fmt.Errorf("no rejoin secret for entry %s", pid))
		}
		entry, err := s.deps.Store.GetEntry(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("get entry: %w", err)
		}
		sealed, err := utils.SealRejoinSecret(entry.EphemeralPubkey, secret)
		if err != nil {
			return nil, Validation("seal rejoin secret", err)
		}
		entry.SealedRejoinSecret = sealed
		entry.SigningSessionID = id
		entry.UpdatedAt = now
		if err := s.deps.Store.SaveEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("save entry: %w", err)
		}
	}

	session := &models.SigningSession{
		ID:             id,
		CompetitionID:  comp.ID,
		ParamsVersion:  params.Version,
		Attempt:        attempt,
		RemoteID:       handle.SessionID,
		Status:         models.SessionKeyGenPending,
		ParticipantIDs: participants,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.log.Info().Str("competition", comp.ID).Str("session", id).Int("participants", len(participants)).Msg("key generation started")
	return session, nil
}

// PollKeyGeneration asks the signing service once.
func (s *SigningCoordinator) PollKeyGeneration(ctx context.Context, session *models.SigningSession) (*KeyGenResult, error) {
	s.deps.Metrics.External("signer", "poll_keygen")
	return s.deps.Signer.PollKeyGeneration(ctx, session.RemoteID)
}

// AwaitKeyGeneration polls with bounded backoff until key generation
// settles. Exhausting the bound or passing deadline yields
// ErrSigningTimedOut together with the last observed result.
func (s *SigningCoordinator) AwaitKeyGeneration(ctx context.Context, session *models.SigningSession, deadline time.Time) (*KeyGenResult, error) {
	var last *KeyGenResult
	err := Poll(ctx, s.deps.Clock, s.deps.Poll, deadline, func(ctx context.Context) (bool, error) {
		res, err := s.PollKeyGeneration(ctx, session)
		if err != nil {
			return false, err
		}
		last = res
		return res.State != SessionPending, nil
	})
	if err != nil {
		if IsDeadline(err) {
			return last, Deadline("keygen", fmt.Errorf("%w: %v", ErrSigningTimedOut, err))
		}
		return last, err
	}

	switch last.State {
	case SessionComplete:
		session.Status = models.SessionKeyGenComplete
		session.AggregateKeys = last.AggregateKeys
	case SessionFailed:
		session.Status = models.SessionFailed
		session.FailureReason = last.Reason
	}
	session.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Store.SaveSession(ctx, session); err != nil {
		return last, fmt.Errorf("save session: %w", err)
	}
	return last, nil
}

// BeginSigning submits the batch for the given signing attempt. It is a
// no-op if that attempt was already submitted.
func (s *SigningCoordinator) BeginSigning(ctx context.Context, session *models.SigningSession, batch *contract.Batch, attempt int) error {
	signingID := fmt.Sprintf("%s-s%d", session.ID, attempt)
	if session.SigningID == signingID {
		return nil
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	_, err = RetryValue(ctx, s.deps.Retry, "begin signing", func(ctx context.Context) (*SigningHandle, error) {
		return s.deps.Signer.BeginSigning(ctx, SigningRequest{
			SessionID: session.RemoteID,
			SigningID: signingID,
			Items:     batch.Items,
		})
	})
	if err != nil {
		return err
	}
	s.deps.Metrics.External("signer", "begin_signing")

	session.SigningID = signingID
	session.SigningAttempt = attempt
	session.Batch = string(raw)
	session.Signatures = nil
	session.Status = models.SessionSigningPending
	session.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.log.Info().Str("competition", session.CompetitionID).Str("signing", signingID).Int("items", len(batch.Items)).Msg("signing started")
	return nil
}

// PollSigning asks the signing service once.
func (s *SigningCoordinator) PollSigning(ctx context.Context, session *models.SigningSession) (*SigningResult, error) {
	s.deps.Metrics.External("signer", "poll_signing")
	return s.deps.Signer.PollSigning(ctx, session.RemoteID, session.SigningID)
}

// AwaitSigning is AwaitKeyGeneration for the signing round. Signatures of a
// completed round are stored on the session but not yet trusted.
func (s *SigningCoordinator) AwaitSigning(ctx context.Context, session *models.SigningSession, deadline time.Time) (*SigningResult, error) {
	var last *SigningResult
	err := Poll(ctx, s.deps.Clock, s.deps.Poll, deadline, func(ctx context.Context) (bool, error) {
		res, err := s.PollSigning(ctx, session)
		if err != nil {
			return false, err
		}
		last = res
		return res.State != SessionPending, nil
	})
	if err != nil {
		if IsDeadline(err) {
			return last, Deadline("signing", fmt.Errorf("%w: %v", ErrSigningTimedOut, err))
		}
		return last, err
	}

	switch last.State {
	case SessionComplete:
		session.Signatures = last.Signatures
	case SessionFailed:
		session.FailureReason = last.Reason
	}
	session.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Store.SaveSession(ctx, session); err != nil {
		return last, fmt.Errorf("save session: %w", err)
	}
	return last, nil
}

// LoadBatch decodes the batch submitted for the current signing attempt.
func LoadBatch(session *models.SigningSession) (*contract.Batch, error) {
	if session.Batch == "" {
		return nil, fmt.Errorf("session %s has no batch", session.ID)
	}
	var batch contract.Batch
	if err := json.Unmarshal([]byte(session.Batch), &batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &batch, nil
}

// VerifyComplete checks that the stored signatures cover every item of the
// batch, across every outcome branch and win condition, and that each one
// verifies. Only then is the session marked complete.
func (s *SigningCoordinator) VerifyComplete(ctx context.Context, session *models.SigningSession) (*contract.Batch, error) {
	batch, err := LoadBatch(session)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Builder.Verify(batch, session.Signatures); err != nil {
		return batch, err
	}
	if session.Status != models.SessionSigningComplete {
		session.Status = models.SessionSigningComplete
		session.UpdatedAt = s.deps.Clock.Now()
		if err := s.deps.Store.SaveSession(ctx, session); err != nil {
			return batch, fmt.Errorf("save session: %w", err)
		}
	}
	return batch, nil
}

// Fail marks a session as abandoned.
func (s *SigningCoordinator) Fail(ctx context.Context, session *models.SigningSession, reason string) error {
	session.Status = models.SessionFailed
	session.FailureReason = reason
	session.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Archive uploads the session record and marks it archived.
func (s *SigningCoordinator) Archive(ctx context.Context, comp *models.Competition, session *models.SigningSession) error {
	if session.ArchivedAt != nil {
		return nil
	}
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := archiveKey(comp, "session-"+session.ID+".json")
	if err := s.deps.Archiver.Archive(ctx, key, body); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	now := s.deps.Clock.Now()
	session.ArchivedAt = &now
	session.UpdatedAt = now
	if err := s.deps.Store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.log.Info().Str("competition", comp.ID).Str("session", session.ID).Str("key", key).Msg("session archived")
	return nil
}

func archiveKey(comp *models.Competition, name string) string {
	return fmt.Sprintf("competitions/%s-%s/%s", slug.Make(comp.Name), comp.ID, name)
}
