package services_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"competition-coordinator/fakes"
	"competition-coordinator/models"
	"competition-coordinator/services"
	"competition-coordinator/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var fast = services.RetryPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond, Attempts: 2}

type harness struct {
	clock    *clockwork.FakeClock
	keys     *fakes.Keyring
	store    *store.BoltStore
	ledger   *fakes.Ledger
	wallet   *fakes.Wallet
	payments *fakes.Payments
	oracle   *fakes.Oracle
	signer   *fakes.Signer
	archiver *fakes.Archiver
	registry *prometheus.Registry
	machine  *services.StateMachine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(epoch)
	keys := fakes.NewKeyring()
	h := &harness{
		clock:    clock,
		keys:     keys,
		store:    st,
		ledger:   fakes.NewLedger(),
		wallet:   fakes.NewWallet(),
		payments: fakes.NewPayments(clock),
		oracle:   fakes.NewOracle(keys),
		signer:   fakes.NewSigner(keys),
		archiver: fakes.NewArchiver(),
		registry: prometheus.NewRegistry(),
	}
	h.ledger.AutoConfirm = 1
	h.machine = services.NewStateMachine(&services.Deps{
		Store:    st,
		Ledger:   h.ledger,
		Wallet:   h.wallet,
		Payments: h.payments,
		Oracle:   h.oracle,
		Signer:   h.signer,
		Builder:  fakes.NewBuilder(keys),
		Archiver: h.archiver,
		Clock:    clock,
		Metrics:  services.NewMetrics(h.registry),
		Logger:   zerolog.Nop(),
		Retry:    fast,
		Poll:     fast,
	})
	return h
}

func defaultConfig() models.CompetitionConfig {
	return models.CompetitionConfig{
		Name:                     "Weekend Cup",
		EntryFee:                 100_000,
		EntryCount:               3,
		MinViableEntries:         2,
		PayoutPlaces:             2,
		FeePercent:               5,
		EntryDeadline:            epoch.Add(time.Hour),
		ContractExpiry:           epoch.Add(48 * time.Hour),
		TicketReservation:        10 * time.Minute,
		EscrowConfirmationWindow: 30 * time.Minute,
		OracleTimeout:            10 * time.Minute,
		KeyGenTimeout:            10 * time.Minute,
		SigningTimeout:           10 * time.Minute,
		FundingTimeout:           time.Hour,
		EscrowConfirmations:      1,
		FundingConfirmations:     1,
		EscrowCSVDelay:           144,
		DeltaDelayBlocks:         6,
		FeeTargetBlocks:          6,
		MaxSigningAttempts:       3,
	}
}

// open creates a competition and advances it into CollectingEntries.
func (h *harness) open(t *testing.T, cfg models.CompetitionConfig) string {
	t.Helper()
	comp, err := h.machine.CreateCompetition(context.Background(), cfg)
	require.NoError(t, err)
	h.advance(t, comp.ID, models.StatusCollectingEntries)
	return comp.ID
}

func (h *harness) advance(t *testing.T, id string, want models.Status) {
	t.Helper()
	status, err := h.machine.Advance(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, status)
}

func (h *harness) competition(t *testing.T, id string) *models.Competition {
	t.Helper()
	comp, err := h.machine.GetCompetition(context.Background(), id)
	require.NoError(t, err)
	return comp
}

func (h *harness) state(t *testing.T, id string) services.State {
	t.Helper()
	comp := h.competition(t, id)
	st, err := services.DecodeState(comp.Status, comp.State)
	require.NoError(t, err)
	return st
}

// externalCalls reads the external call counter for service and op.
func (h *harness) externalCalls(t *testing.T, service, op string) float64 {
	t.Helper()
	families, err := h.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "coordinator_external_calls_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := make(map[string]string)
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["service"] == service && labels["op"] == op {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

type participant struct {
	label    string
	preimage string
	hash     string
	ticket   *models.Ticket
	entry    *models.Entry
}

func digest(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// reserve requests a ticket for label without paying it.
func (h *harness) reserve(t *testing.T, competitionID, label string) *participant {
	t.Helper()
	pre := digest(label + "/preimage")
	hash := sha256.Sum256(pre)
	p := &participant{label: label, preimage: hex.EncodeToString(pre), hash: hex.EncodeToString(hash[:])}

	ticket, err := h.machine.RequestTicket(context.Background(), competitionID, services.TicketRequest{
		ParticipantPubkey: h.keys.PubKey(label),
		PaymentHash:       p.hash,
	})
	require.NoError(t, err)
	p.ticket = ticket
	return p
}

func (h *harness) submission(p *participant) services.EntrySubmission {
	return services.EntrySubmission{
		EphemeralPubkey:       h.keys.PubKey(p.label + "/ephemeral"),
		PayoutPubkey:          h.keys.XOnly(p.label + "/payout"),
		EncryptedPayoutSecret: "c2VhbGVkIHBheW91dCBzZWNyZXQ=",
		PayoutHash:            hex.EncodeToString(digest(p.label + "/payout-secret")),
		Prediction:            `{"winner":"` + p.label + `"}`,
		PaymentPreimage:       p.preimage,
	}
}

// enter pays the ticket and submits the entry.
func (h *harness) enter(t *testing.T, p *participant) {
	t.Helper()
	h.payments.Pay(p.hash)
	entry, err := h.machine.SubmitEntry(context.Background(), p.ticket.ID, h.submission(p))
	require.NoError(t, err)
	p.entry = entry
}

// fill opens a competition and enters n participants.
func (h *harness) fill(t *testing.T, cfg models.CompetitionConfig, n int) (string, []*participant) {
	t.Helper()
	id := h.open(t, cfg)
	ps := make([]*participant, 0, n)
	for i := 0; i < n; i++ {
		p := h.reserve(t, id, "player-"+string(rune('a'+i)))
		h.enter(t, p)
		ps = append(ps, p)
	}
	return id, ps
}

// funded runs a full competition up to the point where it waits for the
// oracle to attest.
func (h *harness) funded(t *testing.T) (string, []*participant) {
	t.Helper()
	id, ps := h.fill(t, defaultConfig(), 3)
	h.advance(t, id, models.StatusAwaitingAttestation)
	return id, ps
}

func (h *harness) ticket(t *testing.T, id string) *models.Ticket {
	t.Helper()
	ticket, err := h.store.GetTicket(context.Background(), id)
	require.NoError(t, err)
	return ticket
}

func (h *harness) claim(t *testing.T, ticketID string) *models.EscrowClaim {
	t.Helper()
	claim, err := h.store.GetClaim(context.Background(), ticketID)
	require.NoError(t, err)
	return claim
}

// history checks that the snapshots form a gapless chain of legal
// transitions and returns their statuses.
func (h *harness) history(t *testing.T, id string) []models.Status {
	t.Helper()
	snaps, err := h.machine.History(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.Status, 0, len(snaps))
	for i, s := range snaps {
		assert.Equal(t, i, s.Seq)
		if i > 0 {
			assert.True(t, services.CanTransition(snaps[i-1].Status, s.Status), "%s -> %s", snaps[i-1].Status, s.Status)
		}
		out = append(out, s.Status)
	}
	return out
}

func (h *harness) errorKinds(t *testing.T, id string) []string {
	t.Helper()
	errs, err := h.machine.Errors(context.Background(), id)
	require.NoError(t, err)
	kinds := make([]string, 0, len(errs))
	for _, e := range errs {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// assertRefunded checks that no participant is left with a held payment
// and that every claim is either spent or returned.
func (h *harness) assertRefunded(t *testing.T, id string) {
	t.Helper()
	comp := h.competition(t, id)
	assert.False(t, comp.RefundPending)

	tickets, err := h.store.ListTickets(context.Background(), id)
	require.NoError(t, err)
	for _, ticket := range tickets {
		state := h.payments.State(ticket.PaymentHash)
		assert.NotEqual(t, services.InvoiceAccepted, state, "ticket %s", ticket.ID)
		assert.NotEqual(t, services.InvoicePending, state, "ticket %s", ticket.ID)

		claim := h.claim(t, ticket.ID)
		switch ticket.Status {
		case models.TicketUsed:
			assert.Contains(t, []models.ClaimStatus{models.ClaimSpent, models.ClaimReclaimable}, claim.Status)
		case models.TicketCancelled, models.TicketExpired:
			assert.NotEqual(t, models.ClaimBroadcast, claim.Status)
			assert.NotEqual(t, models.ClaimConfirmed, claim.Status)
		default:
			t.Errorf("ticket %s left in %s", ticket.ID, ticket.Status)
		}
	}
}
