package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"competition-coordinator/contract"
	"competition-coordinator/models"
)

// step runs the transition function for st. A nil state means no progress
// is possible in this tick.
func (sm *StateMachine) step(ctx context.Context, comp *models.Competition, st State) (State, error) {
	switch s := st.(type) {
	case *Created:
		return &CollectingEntries{Round: 1, OpenedAt: sm.deps.Clock.Now()}, nil
	case *CollectingEntries:
		return sm.collect(ctx, comp, s)
	case *AwaitingEscrowConfirmation:
		return sm.confirmEscrow(ctx, comp, s)
	case *EventRegistered:
		return sm.submitEntries(ctx, comp, s)
	case *EntriesSubmittedToOracle:
		return sm.fixParameters(ctx, comp, s)
	case *ContractParametersFixed:
		return sm.beginKeyGeneration(ctx, comp, s)
	case *AwaitingKeyGeneration:
		return sm.awaitKeyGeneration(ctx, comp, s)
	case *AwaitingSignatures:
		return sm.awaitSignatures(ctx, comp, s)
	case *SigningComplete:
		return sm.broadcastFunding(ctx, comp, s)
	case *FundingBroadcasted:
		return sm.confirmFunding(ctx, comp, s)
	case *FundingConfirmed:
		return &AwaitingAttestation{
			EventID:       s.EventID,
			ParamsVersion: s.ParamsVersion,
			SessionID:     s.SessionID,
			FundingTxID:   s.FundingTxID,
			Expiry:        comp.Config.ContractExpiry,
		}, nil
	case *AwaitingAttestation:
		return sm.awaitAttestation(ctx, comp, s)
	case *OutcomeBroadcasted:
		return sm.settleOutcome(ctx, comp, s)
	case *DeltaBroadcasted:
		return sm.settleDelta(ctx, comp, s)
	case *ExpiryBroadcasted:
		return sm.settleExpiry(ctx, comp, s)
	default:
		return nil, fmt.Errorf("no transition from %s", st.Status())
	}
}

func (sm *StateMachine) collect(ctx context.Context, comp *models.Competition, s *CollectingEntries) (State, error) {
	now := sm.deps.Clock.Now()
	if now.After(comp.Config.EntryDeadline) {
		return &Cancelled{From: comp.Status, Reason: "entry deadline passed", CancelledAt: now}, nil
	}
	tally, err := sm.escrow.Reconcile(ctx, comp, true)
	if err != nil {
		return nil, err
	}
	if tally.Counted() < comp.Config.EntryCount {
		return nil, nil
	}
	return &AwaitingEscrowConfirmation{
		Round:    s.Round,
		ClosedAt: now,
		Deadline: now.Add(comp.Config.EscrowConfirmationWindow),
	}, nil
}

func (sm *StateMachine) confirmEscrow(ctx context.Context, comp *models.Competition, s *AwaitingEscrowConfirmation) (State, error) {
	tally, err := sm.escrow.Reconcile(ctx, comp, false)
	if err != nil {
		return nil, err
	}
	now := sm.deps.Clock.Now()

	if tally.Paid > 0 {
		if now.Before(s.Deadline) {
			return nil, nil
		}
		tickets, err := sm.deps.Store.ListTickets(ctx, comp.ID)
		if err != nil {
			return nil, fmt.Errorf("list tickets: %w", err)
		}
		for i := range tickets {
			if tickets[i].Status != models.TicketPaid {
				continue
			}
			if err := sm.escrow.Drop(ctx, comp, &tickets[i], "escrow not confirmed in window"); err != nil {
				return nil, err
			}
			sm.log.Warn().Str("competition", comp.ID).Str("ticket", tickets[i].ID).Msg("ticket dropped")
		}
		tally.Paid = 0
	}

	if tally.Used < comp.Config.EntryCount {
		switch {
		case tally.Used < comp.Config.MinViableEntries:
			return &Cancelled{From: comp.Status, Reason: "too few confirmed entries", CancelledAt: now}, nil
		case now.After(comp.Config.EntryDeadline):
			return &Cancelled{From: comp.Status, Reason: "entry deadline passed", CancelledAt: now}, nil
		}
		return &CollectingEntries{Round: s.Round + 1, OpenedAt: now}, nil
	}

	event, err := sm.ensureEvent(ctx, comp, tally.Used)
	if err != nil {
		return nil, err
	}
	return &EventRegistered{EventID: event.ID}, nil
}

// ensureEvent registers the competition's oracle event unless an earlier
// run already did.
func (sm *StateMachine) ensureEvent(ctx context.Context, comp *models.Competition, entries int) (*Event, error) {
	event, err := RetryValue(ctx, sm.deps.Retry, "get event", func(ctx context.Context) (*Event, error) {
		return sm.deps.Oracle.GetEvent(ctx, comp.ID)
	})
	if err == nil {
		return event, nil
	}
	if !errors.Is(err, ErrEventNotFound) {
		return nil, err
	}
	cfg := EventConfig{
		ID:           comp.ID,
		EntryCount:   entries,
		PayoutPlaces: comp.Config.PayoutPlaces,
		SigningDate:  sm.deps.Clock.Now(),
		ExpiresAt:    comp.Config.ContractExpiry,
	}
	event, err = RetryValue(ctx, sm.deps.Retry, "register event", func(ctx context.Context) (*Event, error) {
		return sm.deps.Oracle.RegisterEvent(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	sm.deps.Metrics.External("oracle", "register_event")
	sm.log.Info().Str("competition", comp.ID).Str("event", event.ID).Msg("oracle event registered")
	return event, nil
}

func (sm *StateMachine) activeEntries(ctx context.Context, comp *models.Competition) ([]models.Entry, error) {
	all, err := sm.deps.Store.ListEntries(ctx, comp.ID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	active := all[:0]
	for _, e := range all {
		if e.Active() {
			active = append(active, e)
		}
	}
	return active, nil
}

func (sm *StateMachine) submitEntries(ctx context.Context, comp *models.Competition, s *EventRegistered) (State, error) {
	entries, err := sm.activeEntries(ctx, comp)
	if err != nil {
		return nil, err
	}
	submission := make([]OracleEntry, 0, len(entries))
	for _, e := range entries {
		submission = append(submission, OracleEntry{EntryID: e.ID, Prediction: e.Prediction})
	}
	err = Retry(ctx, sm.deps.Retry, "submit entries", func(ctx context.Context) error {
		return sm.deps.Oracle.SubmitEntries(ctx, s.EventID, submission)
	})
	if err != nil {
		return nil, err
	}
	sm.deps.Metrics.External("oracle", "submit_entries")
	return &EntriesSubmittedToOracle{
		EventID:  s.EventID,
		Deadline: sm.deps.Clock.Now().Add(comp.Config.OracleTimeout),
	}, nil
}

// fixParameters turns the oracle's locking conditions and the confirmed
// escrow outputs into the first contract parameter version. Slots follow
// the order the oracle lists entries in.
func (sm *StateMachine) fixParameters(ctx context.Context, comp *models.Competition, s *EntriesSubmittedToOracle) (State, error) {
	const op = "fix parameters"
	event, err := RetryValue(ctx, sm.deps.Retry, "get event", func(ctx context.Context) (*Event, error) {
		return sm.deps.Oracle.GetEvent(ctx, s.EventID)
	})
	if err != nil {
		return nil, err
	}
	now := sm.deps.Clock.Now()
	if len(event.Outcomes) == 0 {
		if now.Before(s.Deadline) {
			return nil, nil
		}
		return nil, Deadline(op, fmt.Errorf("oracle published no outcomes for event %s", s.EventID))
	}

	entries, err := sm.activeEntries(ctx, comp)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	if len(event.EntryIDs) != len(entries) {
		return nil, IntegrityViolation(op, fmt.Errorf("oracle lists %d entries, competition has %d", len(event.EntryIDs), len(entries)))
	}

	params := &contract.Parameters{
		CompetitionID:    comp.ID,
		Version:          comp.ParamsVersion + 1,
		EventID:          s.EventID,
		EntryFee:         comp.Config.EntryFee,
		FeePercent:       decimal.NewFromFloat(comp.Config.FeePercent),
		Outcomes:         event.Outcomes,
		ExpiryLocktime:   uint32(comp.Config.ContractExpiry.Unix()),
		DeltaDelayBlocks: comp.Config.DeltaDelayBlocks,
		CreatedAt:        now,
	}
	for slot, id := range event.EntryIDs {
		entry, ok := byID[id]
		if !ok {
			return nil, IntegrityViolation(op, fmt.Errorf("oracle lists unknown entry %s", id))
		}
		claim, err := sm.deps.Store.GetClaim(ctx, entry.TicketID)
		if err != nil {
			return nil, fmt.Errorf("get claim: %w", err)
		}
		payout, err := contract.PayToXOnly(entry.PayoutPubkey)
		if err != nil {
			return nil, Validation(op, err)
		}
		params.Entries = append(params.Entries, contract.EntryParams{
			EntryID:             entry.ID,
			Slot:                slot,
			PayoutScript:        hex.EncodeToString(payout),
			EscrowTxID:          claim.TxID,
			EscrowVout:          claim.Vout,
			EscrowAmount:        claim.Amount,
			EscrowPkScript:      claim.PkScript,
			EscrowKey:           claim.OutputKey,
			EscrowSigners:       []string{claim.CoordinatorPubkey, claim.ParticipantPubkey},
			EscrowTapscriptRoot: claim.TapscriptRoot,
		})
	}
	if err := params.Validate(); err != nil {
		return nil, IntegrityViolation(op, err)
	}
	if err := sm.saveParams(ctx, comp, params); err != nil {
		return nil, err
	}
	sm.log.Info().Str("competition", comp.ID).Int("version", params.Version).Int("outcomes", len(params.Outcomes)).Msg("contract parameters fixed")
	return &ContractParametersFixed{EventID: s.EventID, ParamsVersion: params.Version}, nil
}

func (sm *StateMachine) beginKeyGeneration(ctx context.Context, comp *models.Competition, s *ContractParametersFixed) (State, error) {
	params, err := sm.loadParams(ctx, comp, s.ParamsVersion)
	if err != nil {
		return nil, err
	}
	session, err := sm.signing.BeginKeyGeneration(ctx, comp, params, 1)
	if err != nil {
		return nil, err
	}
	return &AwaitingKeyGeneration{
		EventID:       s.EventID,
		ParamsVersion: params.Version,
		SessionID:     session.ID,
		Attempt:       1,
		Deadline:      sm.deps.Clock.Now().Add(comp.Config.KeyGenTimeout),
	}, nil
}

func (sm *StateMachine) awaitKeyGeneration(ctx context.Context, comp *models.Competition, s *AwaitingKeyGeneration) (State, error) {
	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	res, err := sm.signing.AwaitKeyGeneration(ctx, session, s.Deadline)
	switch {
	case err == nil:
	case errors.Is(err, ErrSigningTimedOut):
		if sm.deps.Clock.Now().Before(s.Deadline) {
			return nil, nil
		}
		var missing []string
		if res != nil {
			missing = res.Missing
		}
		return sm.restartKeyGeneration(ctx, comp, s.EventID, s.ParamsVersion, session, s.Attempt, missing, "key generation timed out")
	default:
		return nil, err
	}

	if res.State == SessionFailed {
		return sm.restartKeyGeneration(ctx, comp, s.EventID, s.ParamsVersion, session, s.Attempt, res.Missing, "key generation failed: "+res.Reason)
	}

	params, err := sm.loadParams(ctx, comp, s.ParamsVersion)
	if err != nil {
		return nil, err
	}
	batch, err := sm.buildBatch(ctx, comp, params, session)
	if err != nil {
		return nil, err
	}
	if err := sm.signing.BeginSigning(ctx, session, batch, 1); err != nil {
		return nil, err
	}
	return &AwaitingSignatures{
		EventID:        s.EventID,
		ParamsVersion:  s.ParamsVersion,
		SessionID:      s.SessionID,
		Attempt:        s.Attempt,
		SigningAttempt: 1,
		Deadline:       sm.deps.Clock.Now().Add(comp.Config.SigningTimeout),
	}, nil
}

func (sm *StateMachine) buildBatch(ctx context.Context, comp *models.Competition, params *contract.Parameters, session *models.SigningSession) (*contract.Batch, error) {
	feeRate, err := RetryValue(ctx, sm.deps.Retry, "estimate fee", func(ctx context.Context) (int64, error) {
		return sm.deps.Ledger.EstimateFee(ctx, comp.Config.FeeTargetBlocks)
	})
	if err != nil {
		return nil, err
	}
	if feeRate < 1 {
		feeRate = 1
	}
	batch, err := sm.deps.Builder.BuildBatch(params, session.AggregateKeys, feeRate)
	if err != nil {
		return nil, Permanent("build batch", err)
	}
	return batch, nil
}

// restartKeyGeneration drops the participants that did not finish and
// starts a fresh session over the next parameter version. Dropped
// participants keep their escrow outputs.
func (sm *StateMachine) restartKeyGeneration(ctx context.Context, comp *models.Competition, eventID string, version int, session *models.SigningSession, attempt int, missing []string, reason string) (State, error) {
	const op = "restart key generation"
	if attempt >= comp.Config.MaxSigningAttempts {
		return nil, Deadline(op, fmt.Errorf("%w: %s after %d attempts", ErrSigningTimedOut, reason, attempt))
	}
	params, err := sm.loadParams(ctx, comp, version)
	if err != nil {
		return nil, err
	}
	remaining := len(params.Entries) - len(missing)
	if remaining < comp.Config.MinViableEntries {
		return nil, Deadline(op, fmt.Errorf("%s: %d entries left, %d required", reason, remaining, comp.Config.MinViableEntries))
	}

	if err := sm.signing.Fail(ctx, session, reason); err != nil {
		return nil, err
	}
	if err := sm.escrow.DropEntries(ctx, comp, missing, reason); err != nil {
		return nil, err
	}
	next := params
	if len(missing) > 0 {
		next = params.Without(missing, sm.deps.Clock.Now())
		if err := sm.saveParams(ctx, comp, next); err != nil {
			return nil, err
		}
	}
	restarted, err := sm.signing.BeginKeyGeneration(ctx, comp, next, attempt+1)
	if err != nil {
		return nil, err
	}
	sm.log.Warn().Str("competition", comp.ID).Int("attempt", attempt+1).Strs("dropped", missing).Str("reason", reason).Msg("key generation restarted")
	return &AwaitingKeyGeneration{
		EventID:       eventID,
		ParamsVersion: next.Version,
		SessionID:     restarted.ID,
		Attempt:       attempt + 1,
		Deadline:      sm.deps.Clock.Now().Add(comp.Config.KeyGenTimeout),
	}, nil
}

func (sm *StateMachine) awaitSignatures(ctx context.Context, comp *models.Competition, s *AwaitingSignatures) (State, error) {
	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	res, err := sm.signing.AwaitSigning(ctx, session, s.Deadline)
	reason := ""
	switch {
	case err == nil && res.State == SessionComplete:
		_, verr := sm.signing.VerifyComplete(ctx, session)
		var incomplete *contract.IncompleteError
		switch {
		case verr == nil:
			return &SigningComplete{EventID: s.EventID, ParamsVersion: s.ParamsVersion, SessionID: s.SessionID}, nil
		case errors.As(verr, &incomplete):
			reason = verr.Error()
			sm.recordError(ctx, comp, Permanent("verify signatures", verr))
		default:
			return nil, verr
		}
	case err == nil:
		reason = "signing failed: " + res.Reason
	case errors.Is(err, ErrSigningTimedOut):
		if sm.deps.Clock.Now().Before(s.Deadline) {
			return nil, nil
		}
		reason = "signing timed out"
	default:
		return nil, err
	}

	var missing []string
	if res != nil {
		missing = res.Missing
	}
	if len(missing) > 0 {
		return sm.restartKeyGeneration(ctx, comp, s.EventID, s.ParamsVersion, session, s.Attempt, missing, reason)
	}
	if s.SigningAttempt >= comp.Config.MaxSigningAttempts {
		return nil, Deadline("restart signing", fmt.Errorf("%w: %s after %d attempts", ErrSigningTimedOut, reason, s.SigningAttempt))
	}

	batch, err := LoadBatch(session)
	if err != nil {
		return nil, err
	}
	if err := sm.signing.BeginSigning(ctx, session, batch, s.SigningAttempt+1); err != nil {
		return nil, err
	}
	sm.log.Warn().Str("competition", comp.ID).Int("signing_attempt", s.SigningAttempt+1).Str("reason", reason).Msg("signing restarted")
	next := *s
	next.SigningAttempt = s.SigningAttempt + 1
	next.Deadline = sm.deps.Clock.Now().Add(comp.Config.SigningTimeout)
	return &next, nil
}

// broadcast finalizes the named batch transaction and hands it to the
// ledger. The ledger accepts rebroadcasts, so re-running it is harmless.
func (sm *StateMachine) broadcast(ctx context.Context, session *models.SigningSession, name string) (string, error) {
	batch, err := LoadBatch(session)
	if err != nil {
		return "", err
	}
	raw, txid, err := sm.deps.Builder.Finalize(batch, name, session.Signatures)
	if err != nil {
		return "", IntegrityViolation("finalize "+name, err)
	}
	_, err = RetryValue(ctx, sm.deps.Retry, "broadcast "+name, func(ctx context.Context) (string, error) {
		return sm.deps.Ledger.Broadcast(ctx, raw)
	})
	sm.deps.Metrics.External("ledger", "broadcast_"+string(contractKind(batch, name)))
	if err != nil {
		return "", err
	}
	sm.log.Info().Str("competition", session.CompetitionID).Str("tx", name).Str("txid", txid).Msg("contract transaction broadcast")
	return txid, nil
}

func contractKind(batch *contract.Batch, name string) contract.ItemKind {
	if tx, ok := batch.Tx(name); ok {
		return tx.Kind
	}
	return "unknown"
}

func (sm *StateMachine) broadcastFunding(ctx context.Context, comp *models.Competition, s *SigningComplete) (State, error) {
	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	txid, err := sm.broadcast(ctx, session, contract.TxFunding)
	if err != nil {
		return nil, err
	}
	if err := sm.signing.Archive(ctx, comp, session); err != nil {
		sm.log.Error().Err(err).Str("competition", comp.ID).Msg("archive session")
	}
	return &FundingBroadcasted{
		EventID:       s.EventID,
		ParamsVersion: s.ParamsVersion,
		SessionID:     s.SessionID,
		FundingTxID:   txid,
		Deadline:      sm.deps.Clock.Now().Add(comp.Config.FundingTimeout),
	}, nil
}

func (sm *StateMachine) confirmFunding(ctx context.Context, comp *models.Competition, s *FundingBroadcasted) (State, error) {
	_, ok, err := AwaitConfirmations(ctx, sm.deps, s.FundingTxID, comp.Config.FundingConfirmations)
	if err != nil {
		return nil, err
	}
	if !ok {
		if sm.deps.Clock.Now().Before(s.Deadline) {
			return nil, nil
		}
		return nil, Deadline("confirm funding", fmt.Errorf("funding %s unconfirmed", s.FundingTxID))
	}

	params, err := sm.loadParams(ctx, comp, s.ParamsVersion)
	if err != nil {
		return nil, err
	}
	ticketIDs := make([]string, 0, len(params.Entries))
	for _, e := range params.Entries {
		entry, err := sm.deps.Store.GetEntry(ctx, e.EntryID)
		if err != nil {
			return nil, fmt.Errorf("get entry: %w", err)
		}
		ticketIDs = append(ticketIDs, entry.TicketID)
	}
	if err := sm.escrow.MarkSpent(ctx, comp, ticketIDs); err != nil {
		return nil, err
	}
	return &FundingConfirmed{
		EventID:       s.EventID,
		ParamsVersion: s.ParamsVersion,
		SessionID:     s.SessionID,
		FundingTxID:   s.FundingTxID,
	}, nil
}

func (sm *StateMachine) awaitAttestation(ctx context.Context, comp *models.Competition, s *AwaitingAttestation) (State, error) {
	now := sm.deps.Clock.Now()
	expired := !now.Before(s.Expiry)

	event, err := RetryValue(ctx, sm.deps.Retry, "get event", func(ctx context.Context) (*Event, error) {
		return sm.deps.Oracle.GetEvent(ctx, s.EventID)
	})
	if err != nil {
		if !expired {
			sm.recordError(ctx, comp, err)
			return nil, nil
		}
		// The oracle is gone for good; fall back to the refund path and
		// leave the rest to an operator.
		txid, berr := sm.broadcastExpiry(ctx, comp, s)
		if berr != nil {
			return nil, nil
		}
		return &Failed{
			From:     comp.Status,
			Reason:   fmt.Sprintf("oracle unreachable past expiry, expiry %s broadcast: %v", txid, err),
			FailedAt: now,
		}, nil
	}

	if event.Attestation == "" {
		if !expired {
			return nil, nil
		}
		txid, err := sm.broadcastExpiry(ctx, comp, s)
		if err != nil {
			return nil, nil
		}
		return &ExpiryBroadcasted{ParamsVersion: s.ParamsVersion, ExpiryTxID: txid}, nil
	}

	params, err := sm.loadParams(ctx, comp, s.ParamsVersion)
	if err != nil {
		return nil, err
	}
	outcome, err := params.MatchAttestation(event.Attestation)
	if err != nil {
		return nil, IntegrityViolation("match attestation", err)
	}
	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	txid, err := sm.broadcast(ctx, session, contract.OutcomeTx(outcome))
	if err != nil {
		return nil, err
	}
	sm.log.Info().Str("competition", comp.ID).Int("outcome", outcome).Msg("attested outcome broadcast")
	return &OutcomeBroadcasted{
		ParamsVersion: s.ParamsVersion,
		SessionID:     s.SessionID,
		Outcome:       outcome,
		OutcomeTxID:   txid,
		HasDelta:      params.HasDelta(outcome),
	}, nil
}

// broadcastExpiry sends the timelocked refund. The ledger rejects it until
// the locktime is final, so failures are recorded and retried next tick.
func (sm *StateMachine) broadcastExpiry(ctx context.Context, comp *models.Competition, s *AwaitingAttestation) (string, error) {
	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	txid, err := sm.broadcast(ctx, session, contract.TxExpiry)
	if err != nil {
		sm.recordError(ctx, comp, err)
		return "", err
	}
	return txid, nil
}

func (sm *StateMachine) settleOutcome(ctx context.Context, comp *models.Competition, s *OutcomeBroadcasted) (State, error) {
	need := int64(1)
	if s.HasDelta {
		need = int64(comp.Config.DeltaDelayBlocks)
	}
	_, ok, err := AwaitConfirmations(ctx, sm.deps, s.OutcomeTxID, need)
	if err != nil || !ok {
		return nil, err
	}
	now := sm.deps.Clock.Now()
	if !s.HasDelta {
		return &Completed{FinalTxIDs: []string{s.OutcomeTxID}, CompletedAt: now}, nil
	}

	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	txid, err := sm.broadcast(ctx, session, contract.DeltaTx(s.Outcome))
	if err != nil {
		return nil, err
	}
	return &DeltaBroadcasted{
		ParamsVersion: s.ParamsVersion,
		SessionID:     s.SessionID,
		Outcome:       s.Outcome,
		DeltaTxID:     txid,
	}, nil
}

// settleDelta waits for the payout split, then releases each winner's
// claim transaction.
func (sm *StateMachine) settleDelta(ctx context.Context, comp *models.Competition, s *DeltaBroadcasted) (State, error) {
	_, ok, err := AwaitConfirmations(ctx, sm.deps, s.DeltaTxID, 1)
	if err != nil || !ok {
		return nil, err
	}
	session, err := sm.deps.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	batch, err := LoadBatch(session)
	if err != nil {
		return nil, err
	}
	final := []string{s.DeltaTxID}
	for _, name := range batch.WinTxs(s.Outcome) {
		txid, err := sm.broadcast(ctx, session, name)
		if err != nil {
			return nil, err
		}
		final = append(final, txid)
	}
	return &Completed{FinalTxIDs: final, CompletedAt: sm.deps.Clock.Now()}, nil
}

func (sm *StateMachine) settleExpiry(ctx context.Context, comp *models.Competition, s *ExpiryBroadcasted) (State, error) {
	_, ok, err := AwaitConfirmations(ctx, sm.deps, s.ExpiryTxID, 1)
	if err != nil || !ok {
		return nil, err
	}
	return &Completed{FinalTxIDs: []string{s.ExpiryTxID}, CompletedAt: sm.deps.Clock.Now()}, nil
}
