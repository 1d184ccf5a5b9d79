package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"competition-coordinator/models"
	"competition-coordinator/store"
)

func openBolt(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.OpenBolt(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newCompetition(id string, status models.Status, created time.Time) (*models.Competition, *models.CompetitionSnapshot) {
	c := &models.Competition{ID: id, Name: id, Status: status, State: "{}", CreatedAt: created}
	return c, &models.CompetitionSnapshot{ID: id + "-0", CompetitionID: id, Seq: 0, Status: status, State: "{}", CreatedAt: created}
}

func TestBoltCompetitionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	c, snap := newCompetition("c-1", models.StatusCreated, epoch)
	require.NoError(t, s.CreateCompetition(ctx, c, snap))
	assert.ErrorIs(t, s.CreateCompetition(ctx, c, snap), models.ErrConflict)

	got, err := s.GetCompetition(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)

	_, err = s.GetCompetition(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	next := *got
	next.Seq = 1
	next.Status = models.StatusCollectingEntries
	require.NoError(t, s.SaveTransition(ctx, &next, &models.CompetitionSnapshot{
		ID: "c-1-1", CompetitionID: "c-1", Seq: 1, Status: models.StatusCollectingEntries,
	}))

	// a second writer holding the old sequence loses
	stale := *got
	stale.Seq = 1
	stale.Status = models.StatusCancelled
	assert.ErrorIs(t, s.SaveTransition(ctx, &stale, &models.CompetitionSnapshot{ID: "x", CompetitionID: "c-1", Seq: 1}), models.ErrConflict)

	snaps, err := s.ListSnapshots(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 0, snaps[0].Seq)
	assert.Equal(t, models.StatusCollectingEntries, snaps[1].Status)

	missing, _ := newCompetition("nope", models.StatusCreated, epoch)
	assert.ErrorIs(t, s.SaveCompetition(ctx, missing), models.ErrNotFound)
}

func TestBoltSnapshotsSortNumerically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	c, snap := newCompetition("c-1", models.StatusCreated, epoch)
	require.NoError(t, s.CreateCompetition(ctx, c, snap))
	for seq := 1; seq <= 11; seq++ {
		c.Seq = seq
		require.NoError(t, s.SaveTransition(ctx, c, &models.CompetitionSnapshot{CompetitionID: "c-1", Seq: seq}))
	}

	snaps, err := s.ListSnapshots(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, snaps, 12)
	for i, sn := range snaps {
		assert.Equal(t, i, sn.Seq)
	}
}

func TestBoltListWorkable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	active, snap := newCompetition("active", models.StatusCollectingEntries, epoch.Add(2*time.Minute))
	require.NoError(t, s.CreateCompetition(ctx, active, snap))
	done, snap := newCompetition("done", models.StatusCompleted, epoch)
	require.NoError(t, s.CreateCompetition(ctx, done, snap))
	refunding, snap := newCompetition("refunding", models.StatusCancelled, epoch.Add(time.Minute))
	refunding.RefundPending = true
	require.NoError(t, s.CreateCompetition(ctx, refunding, snap))

	ids, err := s.ListWorkable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"refunding", "active"}, ids)
}

func TestBoltErrorsAppendInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendError(ctx, &models.CompetitionError{CompetitionID: "c-1", Message: msg}))
	}
	require.NoError(t, s.AppendError(ctx, &models.CompetitionError{CompetitionID: "c-2", Message: "other"}))

	errs, err := s.ListErrors(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, errs, 3)
	assert.Equal(t, "first", errs[0].Message)
	assert.Equal(t, "third", errs[2].Message)
}

func TestBoltTicketKeepsPreimage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	ticket := &models.Ticket{
		ID:            "t-1",
		CompetitionID: "c-1",
		PaymentHash:   "aa",
		Status:        models.TicketReserved,
		CreatedAt:     epoch,
	}
	claim := &models.EscrowClaim{TicketID: "t-1", CompetitionID: "c-1", PaymentHash: "aa", Status: models.ClaimPending}
	require.NoError(t, s.CreateTicket(ctx, ticket, claim))

	dup := *ticket
	dup.ID = "t-2"
	assert.ErrorIs(t, s.CreateTicket(ctx, &dup, claim), models.ErrConflict)

	ticket.Preimage = "secret"
	ticket.Status = models.TicketPaid
	require.NoError(t, s.SaveTicket(ctx, ticket))

	got, err := s.FindTicketByPaymentHash(ctx, "aa")
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Preimage)
	assert.Equal(t, models.TicketPaid, got.Status)

	_, err = s.FindTicketByPaymentHash(ctx, "bb")
	assert.ErrorIs(t, err, models.ErrNotFound)

	gotClaim, err := s.GetClaim(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimPending, gotClaim.Status)

	gotClaim.Status = models.ClaimBroadcast
	gotClaim.TxID = "tx"
	require.NoError(t, s.SaveClaim(ctx, gotClaim))
	gotClaim, err = s.GetClaim(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "tx", gotClaim.TxID)

	missing := &models.Ticket{ID: "t-9"}
	assert.ErrorIs(t, s.SaveTicket(ctx, missing), models.ErrNotFound)
}

func TestBoltListTicketsByCompetition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	for i, id := range []string{"t-b", "t-a", "t-c"} {
		comp := "c-1"
		if id == "t-c" {
			comp = "c-2"
		}
		ticket := &models.Ticket{ID: id, CompetitionID: comp, PaymentHash: id, CreatedAt: epoch.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.CreateTicket(ctx, ticket, &models.EscrowClaim{TicketID: id, CompetitionID: comp}))
	}

	tickets, err := s.ListTickets(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "t-b", tickets[0].ID)
	assert.Equal(t, "t-a", tickets[1].ID)
}

func TestBoltEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	entry := &models.Entry{ID: "e-1", CompetitionID: "c-1", TicketID: "t-1", CreatedAt: epoch}
	require.NoError(t, s.CreateEntry(ctx, entry))

	again := &models.Entry{ID: "e-2", CompetitionID: "c-1", TicketID: "t-1"}
	assert.ErrorIs(t, s.CreateEntry(ctx, again), models.ErrConflict)

	got, err := s.GetEntryByTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "e-1", got.ID)

	now := epoch.Add(time.Hour)
	got.ConfirmedAt = &now
	require.NoError(t, s.SaveEntry(ctx, got))

	entries, err := s.ListEntries(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Active())

	_, err = s.GetEntry(ctx, "e-2")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.SaveEntry(ctx, again), models.ErrNotFound)
}

func TestBoltParametersAreImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	p := &models.ContractParameters{ID: "p-1", CompetitionID: "c-1", Version: 1, Data: `{"v":1}`}
	require.NoError(t, s.CreateParameters(ctx, p))
	assert.ErrorIs(t, s.CreateParameters(ctx, &models.ContractParameters{CompetitionID: "c-1", Version: 1}), models.ErrConflict)

	got, err := s.GetParameters(ctx, "c-1", 1)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, got.Data)

	_, err = s.GetParameters(ctx, "c-1", 2)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBoltSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openBolt(t)

	session := &models.SigningSession{
		ID:             "s-1",
		CompetitionID:  "c-1",
		Status:         models.SessionKeyGenPending,
		ParticipantIDs: []string{"e-1", "e-2"},
	}
	require.NoError(t, s.SaveSession(ctx, session))

	session.Status = models.SessionKeyGenComplete
	session.AggregateKeys = map[string]string{"funding": "ab"}
	require.NoError(t, s.SaveSession(ctx, session))

	got, err := s.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionKeyGenComplete, got.Status)
	assert.Equal(t, "ab", got.AggregateKeys["funding"])

	_, err = s.GetSession(ctx, "s-2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
