package services_test

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"competition-coordinator/models"
	"competition-coordinator/services"
	"competition-coordinator/utils"
)

func TestCreateCompetitionValidates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	cfg := defaultConfig()
	cfg.EntryDeadline = epoch.Add(-time.Minute)
	_, err := h.machine.CreateCompetition(ctx, cfg)
	assert.True(t, services.IsValidation(err))

	cfg = defaultConfig()
	cfg.MinViableEntries = 5
	_, err = h.machine.CreateCompetition(ctx, cfg)
	assert.True(t, services.IsValidation(err))

	comp, err := h.machine.CreateCompetition(ctx, defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, comp.Status)

	status, err := h.machine.Status(ctx, comp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, status)
}

func TestCreateCompetitionDefaultsSigningAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cfg := defaultConfig()
	cfg.MaxSigningAttempts = 0
	comp, err := h.machine.CreateCompetition(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, comp.Config.MaxSigningAttempts)
	assert.Equal(t, 3, h.competition(t, comp.ID).Config.MaxSigningAttempts)
}

func TestSigningRoundsArePolledThroughTheCoordinator(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.funded(t)

	assert.GreaterOrEqual(t, h.externalCalls(t, "signer", "poll_keygen"), 1.0)
	assert.GreaterOrEqual(t, h.externalCalls(t, "signer", "poll_signing"), 1.0)
}

func TestTicketsOnlyWhileCollecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	comp, err := h.machine.CreateCompetition(ctx, defaultConfig())
	require.NoError(t, err)
	_, err = h.machine.RequestTicket(ctx, comp.ID, services.TicketRequest{
		ParticipantPubkey: h.keys.PubKey("early"),
		PaymentHash:       hex.EncodeToString(digest("early")),
	})
	assert.True(t, services.IsValidation(err))
	assert.ErrorIs(t, err, services.ErrCompetitionClosed)

	h.advance(t, comp.ID, models.StatusCollectingEntries)
	p := h.reserve(t, comp.ID, "alice")
	assert.Equal(t, models.TicketReserved, p.ticket.Status)
	assert.Equal(t, 1, h.payments.Created())

	// a payment hash can back only one ticket
	_, err = h.machine.RequestTicket(ctx, comp.ID, services.TicketRequest{
		ParticipantPubkey: h.keys.PubKey("mallory"),
		PaymentHash:       p.hash,
	})
	assert.True(t, services.IsValidation(err))

	claim := h.claim(t, p.ticket.ID)
	assert.Equal(t, models.ClaimPending, claim.Status)
	assert.Equal(t, int64(100_000), claim.Amount)
	assert.Equal(t, "5120"+claim.OutputKey, claim.PkScript)
	assert.Equal(t, h.keys.PubKey("coordinator"), claim.CoordinatorPubkey)
	assert.Len(t, claim.TapscriptRoot, 64)
}

func TestSubmitEntryChecksPreimageAndPayment(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, defaultConfig())
	p := h.reserve(t, id, "alice")

	sub := h.submission(p)
	_, err := h.machine.SubmitEntry(ctx, p.ticket.ID, sub)
	assert.True(t, services.IsValidation(err), "unpaid ticket")

	h.payments.Pay(p.hash)
	bad := sub
	bad.PaymentPreimage = hex.EncodeToString(digest("wrong"))
	_, err = h.machine.SubmitEntry(ctx, p.ticket.ID, bad)
	assert.True(t, services.IsValidation(err), "wrong preimage")

	entry, err := h.machine.SubmitEntry(ctx, p.ticket.ID, sub)
	require.NoError(t, err)
	again, err := h.machine.SubmitEntry(ctx, p.ticket.ID, sub)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)

	changed := sub
	changed.EphemeralPubkey = h.keys.PubKey("other")
	_, err = h.machine.SubmitEntry(ctx, p.ticket.ID, changed)
	assert.True(t, services.IsValidation(err), "resubmission with new keys")

	ticket := h.ticket(t, p.ticket.ID)
	assert.Equal(t, models.TicketPaid, ticket.Status)
	assert.Equal(t, p.preimage, ticket.Preimage)
	assert.NotNil(t, ticket.EntrySubmittedAt)
}

func TestHappyPathToCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.payments.OnSettle = func(paymentHash string) {
		ticket, err := h.store.FindTicketByPaymentHash(ctx, paymentHash)
		if assert.NoError(t, err) {
			claim, err := h.store.GetClaim(ctx, ticket.ID)
			if assert.NoError(t, err) {
				assert.True(t, h.ledger.Known(claim.TxID), "settled before escrow broadcast")
			}
		}
	}

	id, ps := h.funded(t)
	assert.Len(t, h.payments.Settled(), 3)
	assert.Equal(t, 1, h.oracle.Registers())
	assert.Equal(t, 1, h.oracle.Submits())
	assert.Equal(t, 1, h.signer.KeyGenerations())
	assert.Equal(t, 1, h.signer.Signings())

	for _, p := range ps {
		assert.Equal(t, models.TicketUsed, h.ticket(t, p.ticket.ID).Status)
		assert.Equal(t, models.ClaimSpent, h.claim(t, p.ticket.ID).Status)
	}

	h.oracle.Attest(id, 1)
	h.advance(t, id, models.StatusOutcomeBroadcasted)

	h.ledger.Mine(6)
	h.advance(t, id, models.StatusCompleted)

	comp := h.competition(t, id)
	st, err := services.DecodeState(comp.Status, comp.State)
	require.NoError(t, err)
	done := st.(*services.Completed)
	assert.Len(t, done.FinalTxIDs, 3, "delta and one claim per winner")
	for _, txid := range done.FinalTxIDs {
		assert.True(t, h.ledger.Known(txid))
	}

	assert.Equal(t, []models.Status{
		models.StatusCreated,
		models.StatusCollectingEntries,
		models.StatusAwaitingEscrowConfirmation,
		models.StatusEventRegistered,
		models.StatusEntriesSubmittedToOracle,
		models.StatusContractParametersFixed,
		models.StatusAwaitingKeyGeneration,
		models.StatusAwaitingSignatures,
		models.StatusSigningComplete,
		models.StatusFundingBroadcasted,
		models.StatusFundingConfirmed,
		models.StatusAwaitingAttestation,
		models.StatusOutcomeBroadcasted,
		models.StatusDeltaBroadcasted,
		models.StatusCompleted,
	}, h.history(t, id))
	assert.Empty(t, h.errorKinds(t, id))

	keys := h.archiver.Keys()
	require.Len(t, keys, 2)
	assert.True(t, strings.HasPrefix(keys[0], "competitions/weekend-cup-"+id+"/"))
	assert.True(t, strings.HasSuffix(keys[0], "/competition.json"))
	assert.True(t, strings.HasSuffix(keys[1], "/session-"+id+"-k1.json"))

	families, err := h.registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "coordinator_state_transitions_total")
	assert.Contains(t, names, "coordinator_ticket_transitions_total")
}

func TestRejoinSecretsAreSealedToEphemeralKeys(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id, ps := h.funded(t)

	for _, p := range ps {
		entry, err := h.machine.GetEntry(ctx, p.entry.ID)
		require.NoError(t, err)
		assert.Equal(t, id+"-k1", entry.SigningSessionID)

		plain, err := utils.OpenRejoinSecret(h.keys.Key(p.label+"/ephemeral"), entry.SealedRejoinSecret)
		require.NoError(t, err)
		assert.Equal(t, digest(id+"-k1/rejoin/"+entry.ID), plain)

		_, err = utils.OpenRejoinSecret(h.keys.Key(p.label), entry.SealedRejoinSecret)
		assert.Error(t, err)
	}
}

func TestAdvanceIsIdempotentWhileWaiting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.funded(t)

	before := len(h.history(t, id))
	broadcasts := h.ledger.TotalBroadcasts()
	settled := len(h.payments.Settled())

	for i := 0; i < 3; i++ {
		h.advance(t, id, models.StatusAwaitingAttestation)
	}
	assert.Len(t, h.history(t, id), before)
	assert.Equal(t, broadcasts, h.ledger.TotalBroadcasts())
	assert.Len(t, h.payments.Settled(), settled)
}

func TestConcurrentAdvanceIsSerialized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.fill(t, defaultConfig(), 3)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.machine.Advance(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, models.StatusAwaitingAttestation, h.competition(t, id).Status)
	h.history(t, id)
	assert.Len(t, h.payments.Settled(), 3)
	assert.Equal(t, 1, h.signer.KeyGenerations())
}

func TestEntryDeadlineCancelsAndRefunds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.open(t, defaultConfig())

	entered := h.reserve(t, id, "entered")
	h.enter(t, entered)
	paid := h.reserve(t, id, "paid")
	h.payments.Pay(paid.hash)
	reserved := h.reserve(t, id, "reserved")

	h.advance(t, id, models.StatusCollectingEntries)
	assert.Equal(t, models.TicketPaid, h.ticket(t, entered.ticket.ID).Status)
	assert.Equal(t, models.TicketPaid, h.ticket(t, paid.ticket.ID).Status)
	assert.Zero(t, h.ledger.TotalBroadcasts())

	h.clock.Advance(2 * time.Hour)
	h.advance(t, id, models.StatusCancelled)

	for _, p := range []*participant{entered, paid} {
		assert.Equal(t, services.InvoiceCancelled, h.payments.State(p.hash), p.label)
		assert.Equal(t, models.TicketCancelled, h.ticket(t, p.ticket.ID).Status, p.label)
		assert.Equal(t, models.ClaimAbandoned, h.claim(t, p.ticket.ID).Status, p.label)
	}
	assert.Equal(t, models.TicketCancelled, h.ticket(t, reserved.ticket.ID).Status)
	assert.Empty(t, h.payments.Settled())

	entry, err := h.machine.GetEntry(context.Background(), entered.entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry.DroppedAt)

	h.assertRefunded(t, id)
	ids, err := h.store.ListWorkable(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, ids, id)
}

func TestTwoOfThreeEnteredAtDeadlineCancelsBothInvoices(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.open(t, defaultConfig())
	a := h.reserve(t, id, "a")
	h.enter(t, a)
	b := h.reserve(t, id, "b")
	h.enter(t, b)

	h.clock.Advance(61 * time.Minute)
	h.advance(t, id, models.StatusCancelled)

	assert.Equal(t, services.InvoiceCancelled, h.payments.State(a.hash))
	assert.Equal(t, services.InvoiceCancelled, h.payments.State(b.hash))
	assert.Equal(t, models.ClaimAbandoned, h.claim(t, a.ticket.ID).Status)
	assert.Equal(t, models.ClaimAbandoned, h.claim(t, b.ticket.ID).Status)
	assert.Empty(t, h.payments.Settled())
	assert.Zero(t, h.ledger.TotalBroadcasts())
	assert.Equal(t, []models.Status{
		models.StatusCreated, models.StatusCollectingEntries, models.StatusCancelled,
	}, h.history(t, id))
}

// unconfirmed fills a competition with escrows that never confirm on their
// own, then confirms the first n of them.
func (h *harness) unconfirmed(t *testing.T, n int) (string, []*participant) {
	t.Helper()
	h.ledger.AutoConfirm = 0
	id, ps := h.fill(t, defaultConfig(), 3)
	h.advance(t, id, models.StatusAwaitingEscrowConfirmation)
	for _, p := range ps {
		claim := h.claim(t, p.ticket.ID)
		require.Equal(t, models.ClaimBroadcast, claim.Status)
		require.Zero(t, claim.Confirmations)
	}
	assert.Empty(t, h.payments.Settled())

	for _, p := range ps[:n] {
		h.ledger.Confirm(h.claim(t, p.ticket.ID).TxID, 1)
	}
	h.advance(t, id, models.StatusAwaitingEscrowConfirmation)
	return id, ps
}

func TestEscrowWindowReopensCollectionWhenStillViable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, ps := h.unconfirmed(t, 2)
	for _, p := range ps[:2] {
		assert.Equal(t, models.TicketUsed, h.ticket(t, p.ticket.ID).Status)
	}

	h.clock.Advance(31 * time.Minute)
	h.advance(t, id, models.StatusCollectingEntries)

	late := ps[2]
	assert.Equal(t, services.InvoiceCancelled, h.payments.State(late.hash))
	assert.Equal(t, models.TicketCancelled, h.ticket(t, late.ticket.ID).Status)
	assert.Equal(t, models.ClaimAbandoned, h.claim(t, late.ticket.ID).Status)
	assert.NotContains(t, h.payments.Settled(), late.hash)
	for _, p := range ps[:2] {
		assert.Equal(t, services.InvoiceSettled, h.payments.State(p.hash))
		assert.Equal(t, models.TicketUsed, h.ticket(t, p.ticket.ID).Status)
	}

	reopened, ok := h.state(t, id).(*services.CollectingEntries)
	require.True(t, ok)
	assert.Equal(t, 2, reopened.Round)

	h.ledger.AutoConfirm = 1
	replacement := h.reserve(t, id, "replacement")
	h.enter(t, replacement)
	h.advance(t, id, models.StatusAwaitingAttestation)
	assert.Len(t, h.payments.Settled(), 3)
}

func TestEscrowWindowCancelsBelowViability(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, ps := h.unconfirmed(t, 1)

	h.clock.Advance(31 * time.Minute)
	h.advance(t, id, models.StatusCancelled)

	assert.Equal(t, "too few confirmed entries", h.state(t, id).(*services.Cancelled).Reason)
	for _, p := range ps[1:] {
		assert.Equal(t, services.InvoiceCancelled, h.payments.State(p.hash), p.label)
		assert.Equal(t, models.ClaimAbandoned, h.claim(t, p.ticket.ID).Status, p.label)
	}
	assert.Equal(t, []string{ps[0].hash}, h.payments.Settled())
	assert.Equal(t, models.ClaimReclaimable, h.claim(t, ps[0].ticket.ID).Status)
	h.assertRefunded(t, id)
}

func TestEscrowWindowAfterEntryDeadlineCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, ps := h.unconfirmed(t, 2)

	h.clock.Advance(2 * time.Hour)
	h.advance(t, id, models.StatusCancelled)

	assert.Equal(t, "entry deadline passed", h.state(t, id).(*services.Cancelled).Reason)
	assert.Equal(t, services.InvoiceCancelled, h.payments.State(ps[2].hash))
	h.assertRefunded(t, id)
}

func TestRejectedEscrowIsNeverSettled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, ps := h.fill(t, defaultConfig(), 3)

	h.ledger.Reject(errors.New("bad-txns-inputs-missingorspent"))
	h.advance(t, id, models.StatusCancelled)

	assert.Empty(t, h.payments.Settled())
	for _, p := range ps {
		assert.Equal(t, services.InvoiceCancelled, h.payments.State(p.hash), p.label)
		assert.Equal(t, models.TicketCancelled, h.ticket(t, p.ticket.ID).Status, p.label)
		assert.Equal(t, models.ClaimAbandoned, h.claim(t, p.ticket.ID).Status, p.label)

		entry, err := h.machine.GetEntry(context.Background(), p.entry.ID)
		require.NoError(t, err)
		assert.False(t, entry.Active())
	}
}

func TestReservationTimesOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id := h.open(t, defaultConfig())
	p := h.reserve(t, id, "slow")

	h.clock.Advance(11 * time.Minute)
	h.advance(t, id, models.StatusCollectingEntries)
	assert.Equal(t, models.TicketExpired, h.ticket(t, p.ticket.ID).Status)

	h.payments.Pay(p.hash)
	_, err := h.machine.SubmitEntry(context.Background(), p.ticket.ID, h.submission(p))
	assert.True(t, services.IsValidation(err))
}

func TestOperatorCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, defaultConfig())
	p := h.reserve(t, id, "alice")
	h.enter(t, p)

	comp, err := h.machine.Cancel(ctx, id, "venue closed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, comp.Status)
	assert.Equal(t, services.InvoiceCancelled, h.payments.State(p.hash))
	h.assertRefunded(t, id)

	_, err = h.machine.Cancel(ctx, id, "again")
	assert.ErrorIs(t, err, services.ErrTerminal)

	// terminal competitions never move again
	h.advance(t, id, models.StatusCancelled)
	assert.Len(t, h.history(t, id), 3)
}

func TestCancelRefusedAfterFunding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.funded(t)

	_, err := h.machine.Cancel(context.Background(), id, "too late")
	assert.ErrorIs(t, err, services.ErrCompetitionClosed)
	assert.Equal(t, models.StatusAwaitingAttestation, h.competition(t, id).Status)
}

func TestKeyGenerationRestartDropsUnresponsiveEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id, ps := h.fill(t, defaultConfig(), 3)
	gone := ps[2]
	h.signer.SetUnresponsive(gone.entry.ID)

	h.advance(t, id, models.StatusAwaitingKeyGeneration)
	assert.Equal(t, 1, h.signer.KeyGenerations())

	h.clock.Advance(11 * time.Minute)
	h.advance(t, id, models.StatusAwaitingAttestation)

	comp := h.competition(t, id)
	assert.Equal(t, 2, comp.ParamsVersion)
	assert.Equal(t, 2, h.signer.KeyGenerations())

	entry, err := h.machine.GetEntry(ctx, gone.entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry.DroppedAt)
	assert.Equal(t, models.ClaimReclaimable, h.claim(t, gone.ticket.ID).Status)
	for _, p := range ps[:2] {
		assert.Equal(t, models.ClaimSpent, h.claim(t, p.ticket.ID).Status)
		e, err := h.machine.GetEntry(ctx, p.entry.ID)
		require.NoError(t, err)
		assert.Equal(t, id+"-k2", e.SigningSessionID)
	}

	first, err := h.store.GetSession(ctx, id+"-k1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, first.Status)

	history := h.history(t, id)
	assert.Contains(t, strings.Join(statusStrings(history), ","), "AwaitingKeyGeneration,AwaitingKeyGeneration")
}

func TestTooFewResponsiveEntriesCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, ps := h.fill(t, defaultConfig(), 3)
	h.signer.SetUnresponsive(ps[0].entry.ID)
	h.signer.SetUnresponsive(ps[1].entry.ID)

	h.advance(t, id, models.StatusAwaitingKeyGeneration)
	h.clock.Advance(11 * time.Minute)
	h.advance(t, id, models.StatusCancelled)

	assert.Contains(t, h.errorKinds(t, id), string(services.KindDeadlineExceeded))
	for _, p := range ps {
		assert.Equal(t, models.ClaimReclaimable, h.claim(t, p.ticket.ID).Status)
	}
	h.assertRefunded(t, id)
	assert.Empty(t, h.ledger.Transactions()[3:], "no funding transaction after the escrows")
}

func TestSigningFailureRestartsSigning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.fill(t, defaultConfig(), 3)
	h.signer.FailSigning(1)

	h.advance(t, id, models.StatusAwaitingAttestation)
	assert.Equal(t, 2, h.signer.Signings())
	assert.Equal(t, 1, h.signer.KeyGenerations())

	history := strings.Join(statusStrings(h.history(t, id)), ",")
	assert.Contains(t, history, "AwaitingSignatures,AwaitingSignatures,SigningComplete")
}

func TestIncompleteSignaturesAreNeverTrusted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.fill(t, defaultConfig(), 3)
	h.signer.Partial(1)

	h.advance(t, id, models.StatusAwaitingAttestation)
	assert.Equal(t, 2, h.signer.Signings())
	assert.Equal(t, []string{string(services.KindPermanentExternal)}, h.errorKinds(t, id))

	session, err := h.store.GetSession(context.Background(), id+"-k1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionSigningComplete, session.Status)
	assert.Equal(t, id+"-k1-s2", session.SigningID)
}

func TestSigningGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cfg := defaultConfig()
	cfg.MaxSigningAttempts = 2
	id, _ := h.fill(t, cfg, 3)
	h.signer.FailSigning(2)

	h.advance(t, id, models.StatusCancelled)
	assert.Equal(t, 2, h.signer.Signings())
	assert.Contains(t, h.errorKinds(t, id), string(services.KindDeadlineExceeded))
	h.assertRefunded(t, id)
}

func TestExpiryPathRefundsEveryone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.funded(t)

	h.clock.Advance(49 * time.Hour)
	h.advance(t, id, models.StatusCompleted)

	comp := h.competition(t, id)
	st, err := services.DecodeState(comp.Status, comp.State)
	require.NoError(t, err)
	done := st.(*services.Completed)
	require.Len(t, done.FinalTxIDs, 1)

	expiry := h.ledger.Transactions()
	last := expiry[len(expiry)-1]
	assert.Equal(t, done.FinalTxIDs[0], last.TxHash().String())
	assert.Len(t, last.TxOut, 3)
	assert.Contains(t, h.history(t, id), models.StatusExpiryBroadcasted)
}

func TestUnmatchedAttestationFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.funded(t)
	broadcasts := h.ledger.TotalBroadcasts()

	h.oracle.AttestRaw(id, hex.EncodeToString([]byte("forged outcome")))
	h.advance(t, id, models.StatusFailed)

	assert.Equal(t, broadcasts, h.ledger.TotalBroadcasts())
	assert.Equal(t, []string{string(services.KindIntegrityViolation)}, h.errorKinds(t, id))
	assert.False(t, h.competition(t, id).RefundPending)
}

func TestOracleOutageIsRecordedNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.funded(t)

	h.oracle.SetUnreachable(true)
	h.advance(t, id, models.StatusAwaitingAttestation)
	assert.Equal(t, []string{string(services.KindDeadlineExceeded)}, h.errorKinds(t, id))

	h.oracle.SetUnreachable(false)
	h.oracle.Attest(id, 3)
	h.advance(t, id, models.StatusCompleted)

	// the last outcome has no winners, so everyone is refunded directly
	history := h.history(t, id)
	assert.NotContains(t, history, models.StatusDeltaBroadcasted)
}

func statusStrings(in []models.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
