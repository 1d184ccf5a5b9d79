package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"competition-coordinator/contract"
	"competition-coordinator/models"
)

type TicketRequest struct {
	ParticipantPubkey string `json:"participant_pubkey" validate:"required,hexadecimal,len=66"`
	PaymentHash       string `json:"payment_hash" validate:"required,hexadecimal,len=64"`
}

type EntrySubmission struct {
	EphemeralPubkey       string `json:"ephemeral_pubkey" validate:"required,hexadecimal,len=66"`
	PayoutPubkey          string `json:"payout_pubkey" validate:"required,hexadecimal,len=64"`
	EncryptedPayoutSecret string `json:"encrypted_payout_secret" validate:"required"`
	PayoutHash            string `json:"payout_hash" validate:"required,hexadecimal,len=64"`
	Prediction            string `json:"prediction" validate:"required,json"`
	PaymentPreimage       string `json:"payment_preimage" validate:"required,hexadecimal,len=64"`
}

// Tally counts tickets by the role they play in entry collection.
type Tally struct {
	Reserved int
	Paid     int
	Used     int
}

func (t Tally) Counted() int { return t.Paid + t.Used }

func tally(tickets []models.Ticket) Tally {
	var out Tally
	for _, t := range tickets {
		switch t.Status {
		case models.TicketReserved:
			out.Reserved++
		case models.TicketPaid:
			out.Paid++
		case models.TicketUsed:
			out.Used++
		}
	}
	return out
}

// EscrowCoordinator runs the ticket protocol: a hold invoice is accepted,
// the escrow output is broadcast, and only then is the invoice settled.
type EscrowCoordinator struct {
	deps *Deps
	log  zerolog.Logger
}

func NewEscrowCoordinator(deps *Deps) *EscrowCoordinator {
	deps.defaults()
	return &EscrowCoordinator{
		deps: deps,
		log:  deps.Logger.With().Str("component", "escrow").Logger(),
	}
}

// RequestTicket reserves a slot: it derives the escrow claim and requests a
// hold invoice for the participant's payment hash.
func (e *EscrowCoordinator) RequestTicket(ctx context.Context, comp *models.Competition, req TicketRequest) (*models.Ticket, error) {
	const op = "request ticket"
	if err := Validate(op, req); err != nil {
		return nil, err
	}
	if _, err := contract.ParsePubKey(req.ParticipantPubkey); err != nil {
		return nil, Validation(op, err)
	}

	_, err := e.deps.Store.FindTicketByPaymentHash(ctx, req.PaymentHash)
	switch {
	case err == nil:
		return nil, Validationf(op, "payment hash already used")
	case !errors.Is(err, models.ErrNotFound):
		return nil, fmt.Errorf("lookup payment hash: %w", err)
	}

	tickets, err := e.deps.Store.ListTickets(ctx, comp.ID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	if tally(tickets).Counted() >= comp.Config.EntryCount {
		return nil, Validation(op, ErrCompetitionClosed)
	}

	script, err := e.deps.Builder.EscrowScript(req.ParticipantPubkey, req.PaymentHash, comp.Config.EscrowCSVDelay)
	if err != nil {
		return nil, Validation(op, err)
	}

	invoice, err := RetryValue(ctx, e.deps.Retry, "create invoice", func(ctx context.Context) (*Invoice, error) {
		return e.deps.Payments.CreateHoldInvoice(ctx, comp.Config.EntryFee, req.PaymentHash, comp.Config.TicketReservation)
	})
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.External("payments", "create_invoice")

	now := e.deps.Clock.Now()
	expires := now.Add(comp.Config.TicketReservation)
	if !invoice.ExpiresAt.IsZero() && invoice.ExpiresAt.Before(expires) {
		expires = invoice.ExpiresAt
	}
	ticket := &models.Ticket{
		ID:                uuid.NewString(),
		CompetitionID:     comp.ID,
		ParticipantPubkey: req.ParticipantPubkey,
		PaymentHash:       req.PaymentHash,
		PaymentRequest:    invoice.PaymentRequest,
		Amount:            comp.Config.EntryFee,
		Status:            models.TicketReserved,
		ExpiresAt:         expires,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	claim := &models.EscrowClaim{
		TicketID:          ticket.ID,
		CompetitionID:     comp.ID,
		ParticipantPubkey: req.ParticipantPubkey,
		PaymentHash:       req.PaymentHash,
		CSVDelay:          script.CSVDelay,
		PkScript:          script.PkScript,
		OutputKey:         script.OutputKey,
		InternalKey:       script.InternalKey,
		CoordinatorPubkey: script.CoordinatorKey,
		TapscriptRoot:     script.TapscriptRoot,
		ReclaimScript:     script.ReclaimScript,
		Amount:            comp.Config.EntryFee,
		Status:            models.ClaimPending,
		UpdatedAt:         now,
	}
	if err := e.deps.Store.CreateTicket(ctx, ticket, claim); err != nil {
		if cerr := e.cancelInvoice(ctx, req.PaymentHash); cerr != nil {
			e.log.Error().Err(cerr).Str("payment_hash", req.PaymentHash).Msg("cancel orphaned invoice")
		}
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	e.deps.Metrics.Ticket(models.TicketReserved)
	e.log.Info().Str("competition", comp.ID).Str("ticket", ticket.ID).Msg("ticket reserved")
	return ticket, nil
}

// SubmitEntry records a paid ticket's entry material. The payment preimage
// must open the ticket's payment hash; it is what the coordinator settles
// with once the escrow output is on chain.
func (e *EscrowCoordinator) SubmitEntry(ctx context.Context, comp *models.Competition, ticket *models.Ticket, sub EntrySubmission) (*models.Entry, error) {
	const op = "submit entry"
	if err := Validate(op, sub); err != nil {
		return nil, err
	}
	if _, err := contract.ParsePubKey(sub.EphemeralPubkey); err != nil {
		return nil, Validation(op, err)
	}
	if _, err := contract.ParseXOnly(sub.PayoutPubkey); err != nil {
		return nil, Validation(op, err)
	}
	preimage, err := hex.DecodeString(sub.PaymentPreimage)
	if err != nil {
		return nil, Validation(op, err)
	}
	sum := sha256.Sum256(preimage)
	if hex.EncodeToString(sum[:]) != ticket.PaymentHash {
		return nil, Validationf(op, "preimage does not match payment hash")
	}

	if ticket.Status == models.TicketReserved {
		tickets, err := e.deps.Store.ListTickets(ctx, comp.ID)
		if err != nil {
			return nil, fmt.Errorf("list tickets: %w", err)
		}
		counted := tally(tickets).Counted()
		if err := e.reconcileReserved(ctx, comp, ticket, &counted, true); err != nil {
			return nil, err
		}
	}
	if ticket.Status != models.TicketPaid {
		return nil, Validationf(op, "ticket is %s", ticket.Status)
	}

	entry, err := e.deps.Store.GetEntryByTicket(ctx, ticket.ID)
	switch {
	case err == nil:
		if entry.EphemeralPubkey != sub.EphemeralPubkey || entry.PayoutHash != sub.PayoutHash {
			return nil, Validationf(op, "entry already submitted")
		}
	case errors.Is(err, models.ErrNotFound):
		now := e.deps.Clock.Now()
		entry = &models.Entry{
			ID:                    uuid.NewString(),
			CompetitionID:         comp.ID,
			TicketID:              ticket.ID,
			ParticipantPubkey:     ticket.ParticipantPubkey,
			EphemeralPubkey:       sub.EphemeralPubkey,
			PayoutPubkey:          sub.PayoutPubkey,
			EncryptedPayoutSecret: sub.EncryptedPayoutSecret,
			PayoutHash:            sub.PayoutHash,
			Prediction:            sub.Prediction,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := e.deps.Store.CreateEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("create entry: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup entry: %w", err)
	}

	if ticket.EntrySubmittedAt == nil {
		now := e.deps.Clock.Now()
		ticket.Preimage = sub.PaymentPreimage
		ticket.EntrySubmittedAt = &now
		ticket.UpdatedAt = now
		if err := e.deps.Store.SaveTicket(ctx, ticket); err != nil {
			return nil, fmt.Errorf("save ticket: %w", err)
		}
	}
	e.log.Info().Str("competition", comp.ID).Str("ticket", ticket.ID).Str("entry", entry.ID).Msg("entry submitted")
	return entry, nil
}

// Reconcile drives every ticket of the competition one step forward. With
// collecting false, reservations are no longer honoured.
func (e *EscrowCoordinator) Reconcile(ctx context.Context, comp *models.Competition, collecting bool) (Tally, error) {
	tickets, err := e.deps.Store.ListTickets(ctx, comp.ID)
	if err != nil {
		return Tally{}, fmt.Errorf("list tickets: %w", err)
	}
	counted := tally(tickets).Counted()

	for i := range tickets {
		t := &tickets[i]
		if t.Status != models.TicketReserved {
			continue
		}
		if err := e.reconcileReserved(ctx, comp, t, &counted, collecting); err != nil {
			return Tally{}, err
		}
	}

	// Escrows are only funded once the entry count is reached; until then a
	// paid ticket stays refundable by cancelling its invoice.
	if collecting {
		return tally(tickets), nil
	}
	if err := e.broadcastPaid(ctx, comp, tickets); err != nil {
		return Tally{}, err
	}
	if err := e.settleConfirmed(ctx, comp, tickets); err != nil {
		return Tally{}, err
	}
	return tally(tickets), nil
}

func (e *EscrowCoordinator) reconcileReserved(ctx context.Context, comp *models.Competition, t *models.Ticket, counted *int, collecting bool) error {
	if !collecting || *counted >= comp.Config.EntryCount {
		if err := e.cancelInvoice(ctx, t.PaymentHash); err != nil {
			return err
		}
		return e.setTicket(ctx, t, models.TicketCancelled, "entries closed")
	}

	state, err := RetryValue(ctx, e.deps.Retry, "invoice status", func(ctx context.Context) (InvoiceState, error) {
		return e.deps.Payments.AcceptedStatus(ctx, t.PaymentHash)
	})
	if err != nil {
		return err
	}

	switch state {
	case InvoiceAccepted:
		*counted++
		return e.setTicket(ctx, t, models.TicketPaid, "")
	case InvoiceExpired:
		return e.setTicket(ctx, t, models.TicketExpired, "invoice expired")
	case InvoiceCancelled:
		return e.setTicket(ctx, t, models.TicketCancelled, "invoice cancelled")
	case InvoiceSettled:
		return IntegrityViolation("reconcile ticket", fmt.Errorf("invoice for reserved ticket %s is settled", t.ID))
	default:
		if e.deps.Clock.Now().After(t.ExpiresAt) {
			if err := e.cancelInvoice(ctx, t.PaymentHash); err != nil {
				return err
			}
			return e.setTicket(ctx, t, models.TicketExpired, "reservation timed out")
		}
		return nil
	}
}

// broadcastPaid funds and broadcasts the escrow output of every paid ticket
// whose entry is in. The funded transaction is stored before it is
// broadcast so a restart rebroadcasts the same transaction.
func (e *EscrowCoordinator) broadcastPaid(ctx context.Context, comp *models.Competition, tickets []models.Ticket) error {
	for i := range tickets {
		t := &tickets[i]
		if t.Status != models.TicketPaid || t.EntrySubmittedAt == nil {
			continue
		}
		claim, err := e.deps.Store.GetClaim(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("get claim: %w", err)
		}
		if claim.Broadcasted() {
			continue
		}

		if claim.TxID == "" {
			funded, err := RetryValue(ctx, e.deps.Retry, "fund escrow", func(ctx context.Context) (*FundedTx, error) {
				return e.deps.Wallet.FundOutput(ctx, claim.PkScript, claim.Amount)
			})
			if err != nil {
				return err
			}
			claim.RawTx = funded.RawTx
			claim.TxID = funded.TxID
			claim.Vout = funded.Vout
			claim.Status = models.ClaimFunded
			claim.UpdatedAt = e.deps.Clock.Now()
			if err := e.deps.Store.SaveClaim(ctx, claim); err != nil {
				return fmt.Errorf("save claim: %w", err)
			}
		}

		_, err = RetryValue(ctx, e.deps.Retry, "broadcast escrow", func(ctx context.Context) (string, error) {
			return e.deps.Ledger.Broadcast(ctx, claim.RawTx)
		})
		e.deps.Metrics.External("ledger", "broadcast_escrow")
		switch {
		case err == nil:
		case IsIntegrity(err):
			return err
		case KindOf(err) == KindPermanentExternal:
			e.log.Warn().Err(err).Str("competition", comp.ID).Str("ticket", t.ID).Msg("escrow broadcast rejected")
			if err := e.cancelInvoice(ctx, t.PaymentHash); err != nil {
				return err
			}
			claim.Status = models.ClaimAbandoned
			if err := e.deps.Store.SaveClaim(ctx, claim); err != nil {
				return fmt.Errorf("save claim: %w", err)
			}
			if err := e.setTicket(ctx, t, models.TicketCancelled, "escrow broadcast rejected"); err != nil {
				return err
			}
			if err := e.dropEntry(ctx, t.ID, "escrow broadcast rejected"); err != nil {
				return err
			}
			continue
		default:
			return err
		}

		now := e.deps.Clock.Now()
		claim.BroadcastAt = &now
		claim.Status = models.ClaimBroadcast
		claim.UpdatedAt = now
		if err := e.deps.Store.SaveClaim(ctx, claim); err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
		e.log.Info().Str("competition", comp.ID).Str("ticket", t.ID).Str("txid", claim.TxID).Msg("escrow broadcast")
	}
	return nil
}

// settleConfirmed settles the invoice of every ticket whose escrow output
// reached the confirmation threshold.
func (e *EscrowCoordinator) settleConfirmed(ctx context.Context, comp *models.Competition, tickets []models.Ticket) error {
	type pending struct {
		ticket *models.Ticket
		claim  *models.EscrowClaim
		confs  int64
		ok     bool
	}
	var work []*pending
	for i := range tickets {
		t := &tickets[i]
		if t.Status != models.TicketPaid || t.EntrySubmittedAt == nil {
			continue
		}
		claim, err := e.deps.Store.GetClaim(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("get claim: %w", err)
		}
		if !claim.Broadcasted() {
			continue
		}
		work = append(work, &pending{ticket: t, claim: claim})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range work {
		g.Go(func() error {
			confs, ok, err := AwaitConfirmations(gctx, e.deps, p.claim.TxID, comp.Config.EscrowConfirmations)
			p.confs, p.ok = confs, ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range work {
		if p.claim.Confirmations != p.confs {
			p.claim.Confirmations = p.confs
			p.claim.UpdatedAt = e.deps.Clock.Now()
			if err := e.deps.Store.SaveClaim(ctx, p.claim); err != nil {
				return fmt.Errorf("save claim: %w", err)
			}
		}
		if !p.ok {
			continue
		}
		if err := e.settle(ctx, comp, p.ticket, p.claim); err != nil {
			return err
		}
	}
	return nil
}

func (e *EscrowCoordinator) settle(ctx context.Context, comp *models.Competition, t *models.Ticket, claim *models.EscrowClaim) error {
	if !claim.Broadcasted() {
		return IntegrityViolation("settle", fmt.Errorf("escrow for ticket %s was never broadcast", t.ID))
	}
	now := e.deps.Clock.Now()

	if t.SettledAt == nil {
		err := Retry(ctx, e.deps.Retry, "settle invoice", func(ctx context.Context) error {
			return e.deps.Payments.Settle(ctx, t.Preimage)
		})
		e.deps.Metrics.External("payments", "settle")
		if err != nil && !errors.Is(err, ErrInvoiceSettled) {
			return err
		}
		t.SettledAt = &now
		t.UpdatedAt = now
		if err := e.deps.Store.SaveTicket(ctx, t); err != nil {
			return fmt.Errorf("save ticket: %w", err)
		}
	}

	if claim.Status == models.ClaimBroadcast {
		claim.Status = models.ClaimConfirmed
		claim.ConfirmedAt = &now
		claim.UpdatedAt = now
		if err := e.deps.Store.SaveClaim(ctx, claim); err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
	}

	entry, err := e.deps.Store.GetEntryByTicket(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("get entry: %w", err)
	}
	if entry.ConfirmedAt == nil {
		entry.ConfirmedAt = &now
		entry.EscrowTxID = claim.TxID
		entry.EscrowVout = claim.Vout
		entry.UpdatedAt = now
		if err := e.deps.Store.SaveEntry(ctx, entry); err != nil {
			return fmt.Errorf("save entry: %w", err)
		}
	}

	if err := e.setTicket(ctx, t, models.TicketUsed, ""); err != nil {
		return err
	}
	e.log.Info().Str("competition", comp.ID).Str("ticket", t.ID).Str("entry", entry.ID).Msg("ticket used")
	return nil
}

// Drop removes one ticket from the competition, returning the
// participant's funds. Only a ticket whose escrow reached the required
// confirmations is settled; its claim becomes reclaimable. Any other
// invoice is cancelled.
func (e *EscrowCoordinator) Drop(ctx context.Context, comp *models.Competition, t *models.Ticket, reason string) error {
	claim, err := e.deps.Store.GetClaim(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("get claim: %w", err)
	}
	onChain := claim.Broadcasted() && claim.Confirmations >= comp.Config.EscrowConfirmations

	switch {
	case t.Status == models.TicketReserved || (t.Status == models.TicketPaid && !onChain):
		if err := e.cancelInvoice(ctx, t.PaymentHash); err != nil {
			return err
		}
		claim.Status = models.ClaimAbandoned
		if err := e.setTicket(ctx, t, models.TicketCancelled, reason); err != nil {
			return err
		}

	case t.Status == models.TicketPaid:
		if t.SettledAt == nil {
			err := Retry(ctx, e.deps.Retry, "settle invoice", func(ctx context.Context) error {
				return e.deps.Payments.Settle(ctx, t.Preimage)
			})
			e.deps.Metrics.External("payments", "settle")
			if err != nil && !errors.Is(err, ErrInvoiceSettled) {
				return err
			}
			now := e.deps.Clock.Now()
			t.SettledAt = &now
		}
		claim.Status = models.ClaimReclaimable
		if err := e.setTicket(ctx, t, models.TicketCancelled, reason); err != nil {
			return err
		}

	case t.Status == models.TicketUsed:
		if claim.Status == models.ClaimSpent {
			return nil
		}
		claim.Status = models.ClaimReclaimable

	default:
		return nil
	}

	claim.UpdatedAt = e.deps.Clock.Now()
	if err := e.deps.Store.SaveClaim(ctx, claim); err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	return e.dropEntry(ctx, t.ID, reason)
}

// DropEntries drops the tickets behind the given entries.
func (e *EscrowCoordinator) DropEntries(ctx context.Context, comp *models.Competition, entryIDs []string, reason string) error {
	for _, id := range entryIDs {
		entry, err := e.deps.Store.GetEntry(ctx, id)
		if err != nil {
			return fmt.Errorf("get entry %s: %w", id, err)
		}
		t, err := e.deps.Store.GetTicket(ctx, entry.TicketID)
		if err != nil {
			return fmt.Errorf("get ticket: %w", err)
		}
		if err := e.Drop(ctx, comp, t, reason); err != nil {
			return err
		}
		e.log.Warn().Str("competition", entry.CompetitionID).Str("entry", id).Str("reason", reason).Msg("entry dropped")
	}
	return nil
}

// RefundAll releases every ticket of a cancelled or failed competition.
// Tickets already in a final state are left alone, so it is safe to repeat.
func (e *EscrowCoordinator) RefundAll(ctx context.Context, comp *models.Competition, reason string) error {
	tickets, err := e.deps.Store.ListTickets(ctx, comp.ID)
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	var result *multierror.Error
	for i := range tickets {
		if err := e.Drop(ctx, comp, &tickets[i], reason); err != nil {
			result = multierror.Append(result, fmt.Errorf("ticket %s: %w", tickets[i].ID, err))
		}
	}
	return result.ErrorOrNil()
}

// MarkSpent records that the escrow outputs were spent into the funding
// transaction.
func (e *EscrowCoordinator) MarkSpent(ctx context.Context, comp *models.Competition, ticketIDs []string) error {
	for _, id := range ticketIDs {
		claim, err := e.deps.Store.GetClaim(ctx, id)
		if err != nil {
			return fmt.Errorf("get claim: %w", err)
		}
		if claim.Status == models.ClaimSpent {
			continue
		}
		claim.Status = models.ClaimSpent
		claim.UpdatedAt = e.deps.Clock.Now()
		if err := e.deps.Store.SaveClaim(ctx, claim); err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
	}
	return nil
}

func (e *EscrowCoordinator) cancelInvoice(ctx context.Context, paymentHash string) error {
	err := Retry(ctx, e.deps.Retry, "cancel invoice", func(ctx context.Context) error {
		return e.deps.Payments.Cancel(ctx, paymentHash)
	})
	e.deps.Metrics.External("payments", "cancel")
	switch {
	case err == nil, errors.Is(err, ErrInvoiceCancelled):
		return nil
	case errors.Is(err, ErrInvoiceSettled):
		return IntegrityViolation("cancel invoice", err)
	default:
		return err
	}
}

func (e *EscrowCoordinator) setTicket(ctx context.Context, t *models.Ticket, status models.TicketStatus, reason string) error {
	if t.Status == status {
		return nil
	}
	now := e.deps.Clock.Now()
	t.Status = status
	t.Reason = reason
	t.UpdatedAt = now
	switch status {
	case models.TicketPaid:
		t.PaidAt = &now
	case models.TicketUsed:
		t.UsedAt = &now
	case models.TicketCancelled, models.TicketExpired:
		t.CancelledAt = &now
	}
	if err := e.deps.Store.SaveTicket(ctx, t); err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	e.deps.Metrics.Ticket(status)
	return nil
}

func (e *EscrowCoordinator) dropEntry(ctx context.Context, ticketID, reason string) error {
	entry, err := e.deps.Store.GetEntryByTicket(ctx, ticketID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get entry: %w", err)
	}
	if entry.DroppedAt != nil {
		return nil
	}
	now := e.deps.Clock.Now()
	entry.DroppedAt = &now
	entry.DropReason = reason
	entry.UpdatedAt = now
	if err := e.deps.Store.SaveEntry(ctx, entry); err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}
