package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"competition-coordinator/contract"
	"competition-coordinator/models"
)

// maxSteps bounds the transitions one Advance call may take.
const maxSteps = 32

// StateMachine owns every competition record. All writes to a competition
// pass through it while it holds that competition's lock.
type StateMachine struct {
	deps    *Deps
	escrow  *EscrowCoordinator
	signing *SigningCoordinator
	locks   KeyedMutex
	log     zerolog.Logger
}

func NewStateMachine(deps *Deps) *StateMachine {
	deps.defaults()
	return &StateMachine{
		deps:    deps,
		escrow:  NewEscrowCoordinator(deps),
		signing: NewSigningCoordinator(deps),
		log:     deps.Logger.With().Str("component", "competition").Logger(),
	}
}

// CreateCompetition validates cfg and persists a competition in Created.
func (sm *StateMachine) CreateCompetition(ctx context.Context, cfg models.CompetitionConfig) (*models.Competition, error) {
	const op = "create competition"
	if cfg.MaxSigningAttempts == 0 {
		cfg.MaxSigningAttempts = 3
	}
	if err := Validate(op, cfg); err != nil {
		return nil, err
	}
	now := sm.deps.Clock.Now()
	if !cfg.EntryDeadline.After(now) {
		return nil, Validationf(op, "entry deadline %s is in the past", cfg.EntryDeadline.Format(time.RFC3339))
	}

	raw, err := EncodeState(&Created{})
	if err != nil {
		return nil, err
	}
	comp := &models.Competition{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Status:    models.StatusCreated,
		State:     raw,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap := &models.CompetitionSnapshot{
		ID:            uuid.NewString(),
		CompetitionID: comp.ID,
		Seq:           0,
		Status:        comp.Status,
		State:         raw,
		CreatedAt:     now,
	}
	if err := sm.deps.Store.CreateCompetition(ctx, comp, snap); err != nil {
		return nil, fmt.Errorf("create competition: %w", err)
	}
	sm.log.Info().Str("competition", comp.ID).Str("name", comp.Name).Msg("competition created")
	return comp, nil
}

func (sm *StateMachine) GetCompetition(ctx context.Context, id string) (*models.Competition, error) {
	return sm.deps.Store.GetCompetition(ctx, id)
}

// Status returns the externally visible state name.
func (sm *StateMachine) Status(ctx context.Context, id string) (models.Status, error) {
	comp, err := sm.deps.Store.GetCompetition(ctx, id)
	if err != nil {
		return "", err
	}
	return comp.Status, nil
}

func (sm *StateMachine) History(ctx context.Context, id string) ([]models.CompetitionSnapshot, error) {
	return sm.deps.Store.ListSnapshots(ctx, id)
}

func (sm *StateMachine) Errors(ctx context.Context, id string) ([]models.CompetitionError, error) {
	return sm.deps.Store.ListErrors(ctx, id)
}

// RequestTicket reserves a ticket while the competition collects entries.
func (sm *StateMachine) RequestTicket(ctx context.Context, competitionID string, req TicketRequest) (*models.Ticket, error) {
	unlock := sm.locks.Lock(competitionID)
	defer unlock()

	comp, err := sm.deps.Store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if comp.Status != models.StatusCollectingEntries {
		return nil, Validation("request ticket", fmt.Errorf("%w: %s", ErrCompetitionClosed, comp.Status))
	}
	return sm.escrow.RequestTicket(ctx, comp, req)
}

// SubmitEntry records the entry for a paid ticket.
func (sm *StateMachine) SubmitEntry(ctx context.Context, ticketID string, sub EntrySubmission) (*models.Entry, error) {
	ticket, err := sm.deps.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	unlock := sm.locks.Lock(ticket.CompetitionID)
	defer unlock()

	comp, err := sm.deps.Store.GetCompetition(ctx, ticket.CompetitionID)
	if err != nil {
		return nil, err
	}
	if comp.Status != models.StatusCollectingEntries && comp.Status != models.StatusAwaitingEscrowConfirmation {
		return nil, Validation("submit entry", fmt.Errorf("%w: %s", ErrCompetitionClosed, comp.Status))
	}
	// Reload under the lock; Advance may have moved the ticket.
	ticket, err = sm.deps.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return sm.escrow.SubmitEntry(ctx, comp, ticket, sub)
}

func (sm *StateMachine) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	return sm.deps.Store.GetTicket(ctx, id)
}

func (sm *StateMachine) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	return sm.deps.Store.GetEntry(ctx, id)
}

// Cancel is the operator's refund path. Once funding is broadcast the
// contract itself decides where funds go, so cancellation is refused.
func (sm *StateMachine) Cancel(ctx context.Context, id, reason string) (*models.Competition, error) {
	const op = "cancel"
	unlock := sm.locks.Lock(id)
	defer unlock()

	comp, err := sm.deps.Store.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	if comp.Status.Terminal() {
		return nil, Validation(op, ErrTerminal)
	}
	if PostFunding(comp.Status) {
		return nil, Validation(op, fmt.Errorf("%w: %s", ErrCompetitionClosed, comp.Status))
	}
	next := &Cancelled{From: comp.Status, Reason: reason, CancelledAt: sm.deps.Clock.Now()}
	if err := sm.transition(ctx, comp, next); err != nil {
		return nil, err
	}
	return comp, nil
}

// Advance moves one competition as far as it can go right now. Faults are
// recorded in the competition's error log and consumed as transitions;
// only storage failures are returned.
func (sm *StateMachine) Advance(ctx context.Context, id string) (models.Status, error) {
	unlock := sm.locks.Lock(id)
	defer unlock()

	start := sm.deps.Clock.Now()
	defer func() { sm.deps.Metrics.ObserveAdvance(sm.deps.Clock.Since(start).Seconds()) }()

	comp, err := sm.deps.Store.GetCompetition(ctx, id)
	if err != nil {
		return "", err
	}
	if comp.Status.Terminal() {
		if comp.RefundPending {
			sm.refund(ctx, comp)
		}
		return comp.Status, nil
	}

	for i := 0; i < maxSteps && !comp.Status.Terminal(); i++ {
		st, err := DecodeState(comp.Status, comp.State)
		if err != nil {
			return comp.Status, err
		}
		next, err := sm.step(ctx, comp, st)
		if err != nil {
			return comp.Status, sm.fault(ctx, comp, err)
		}
		if next == nil {
			break
		}
		if err := sm.transition(ctx, comp, next); err != nil {
			return comp.Status, sm.fault(ctx, comp, err)
		}
	}
	return comp.Status, nil
}

// transition durably moves comp to next. Entering Failed or Cancelled
// starts refunds; entering any terminal state archives the competition.
func (sm *StateMachine) transition(ctx context.Context, comp *models.Competition, next State) error {
	from, to := comp.Status, next.Status()
	if !CanTransition(from, to) {
		return IntegrityViolation("transition", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to))
	}
	raw, err := EncodeState(next)
	if err != nil {
		return err
	}

	prevState := comp.State
	now := sm.deps.Clock.Now()
	updated := *comp
	updated.Status = to
	updated.State = raw
	updated.Seq = comp.Seq + 1
	updated.UpdatedAt = now
	if to == models.StatusFailed || to == models.StatusCancelled {
		updated.RefundPending = true
	}
	snap := &models.CompetitionSnapshot{
		ID:            uuid.NewString(),
		CompetitionID: comp.ID,
		Seq:           updated.Seq,
		Status:        to,
		State:         raw,
		CreatedAt:     now,
	}
	if err := sm.deps.Store.SaveTransition(ctx, &updated, snap); err != nil {
		return fmt.Errorf("save transition: %w", err)
	}
	*comp = updated

	sm.deps.Metrics.Transition(from, to)
	sm.log.Info().Str("competition", comp.ID).Str("from", string(from)).Str("to", string(to)).Int("seq", comp.Seq).Msg("state transition")

	if to.Terminal() {
		prev, _ := DecodeState(from, prevState)
		sm.finish(ctx, comp, prev)
	}
	return nil
}

// fault consumes an error raised by a transition. Classified errors are
// logged against the competition and, depending on their kind, drive it to
// Cancelled or Failed. Storage errors and shutdown are returned unchanged.
func (sm *StateMachine) fault(ctx context.Context, comp *models.Competition, err error) error {
	if ctx.Err() != nil || !Classified(err) {
		return err
	}
	sm.recordError(ctx, comp, err)

	now := sm.deps.Clock.Now()
	var next State
	switch KindOf(err) {
	case KindValidation, KindTransientExternal:
		return nil
	case KindIntegrityViolation:
		next = &Failed{From: comp.Status, Reason: err.Error(), FailedAt: now}
	default:
		if PostFunding(comp.Status) {
			next = &Failed{From: comp.Status, Reason: err.Error(), FailedAt: now}
		} else {
			next = &Cancelled{From: comp.Status, Reason: err.Error(), CancelledAt: now}
		}
	}
	if terr := sm.transition(ctx, comp, next); terr != nil {
		return fmt.Errorf("%v: %w", err, terr)
	}
	return nil
}

func (sm *StateMachine) recordError(ctx context.Context, comp *models.Competition, err error) {
	kind := KindOf(err)
	sm.deps.Metrics.Fault(kind)
	sm.log.Warn().Err(err).Str("competition", comp.ID).Str("status", string(comp.Status)).Str("kind", string(kind)).Msg("competition fault")

	rec := &models.CompetitionError{
		ID:            uuid.NewString(),
		CompetitionID: comp.ID,
		Status:        comp.Status,
		Kind:          string(kind),
		Message:       err.Error(),
		CreatedAt:     sm.deps.Clock.Now(),
	}
	if aerr := sm.deps.Store.AppendError(ctx, rec); aerr != nil {
		sm.log.Error().Err(aerr).Str("competition", comp.ID).Msg("append competition error")
	}
}

// finish runs once a competition turns terminal. prev is the state it left.
func (sm *StateMachine) finish(ctx context.Context, comp *models.Competition, prev State) {
	if comp.RefundPending {
		sm.refund(ctx, comp)
	}
	if id := sessionOf(prev); prev != nil && id != "" {
		session, err := sm.deps.Store.GetSession(ctx, id)
		if err == nil {
			err = sm.signing.Archive(ctx, comp, session)
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			sm.log.Error().Err(err).Str("competition", comp.ID).Msg("archive session")
		}
	}
	if err := sm.archive(ctx, comp); err != nil {
		sm.log.Error().Err(err).Str("competition", comp.ID).Msg("archive competition")
	}
}

// sessionOf returns the signing session a state refers to, if any.
func sessionOf(st State) string {
	switch s := st.(type) {
	case *AwaitingKeyGeneration:
		return s.SessionID
	case *AwaitingSignatures:
		return s.SessionID
	case *SigningComplete:
		return s.SessionID
	case *FundingBroadcasted:
		return s.SessionID
	case *FundingConfirmed:
		return s.SessionID
	case *AwaitingAttestation:
		return s.SessionID
	case *OutcomeBroadcasted:
		return s.SessionID
	case *DeltaBroadcasted:
		return s.SessionID
	}
	return ""
}

// refund releases every ticket and clears RefundPending once all succeed.
func (sm *StateMachine) refund(ctx context.Context, comp *models.Competition) {
	reason := "competition " + string(comp.Status)
	if err := sm.escrow.RefundAll(ctx, comp, reason); err != nil {
		sm.recordError(ctx, comp, err)
		return
	}
	comp.RefundPending = false
	comp.UpdatedAt = sm.deps.Clock.Now()
	if err := sm.deps.Store.SaveCompetition(ctx, comp); err != nil {
		sm.log.Error().Err(err).Str("competition", comp.ID).Msg("clear refund flag")
		return
	}
	sm.log.Info().Str("competition", comp.ID).Msg("refunds complete")
}

type competitionRecord struct {
	Competition *models.Competition          `json:"competition"`
	History     []models.CompetitionSnapshot `json:"history"`
	Errors      []models.CompetitionError    `json:"errors"`
	Tickets     []models.Ticket              `json:"tickets"`
	Entries     []models.Entry               `json:"entries"`
}

func (sm *StateMachine) archive(ctx context.Context, comp *models.Competition) error {
	rec := competitionRecord{Competition: comp}
	var err error
	if rec.History, err = sm.deps.Store.ListSnapshots(ctx, comp.ID); err != nil {
		return err
	}
	if rec.Errors, err = sm.deps.Store.ListErrors(ctx, comp.ID); err != nil {
		return err
	}
	if rec.Tickets, err = sm.deps.Store.ListTickets(ctx, comp.ID); err != nil {
		return err
	}
	if rec.Entries, err = sm.deps.Store.ListEntries(ctx, comp.ID); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode competition: %w", err)
	}
	return sm.deps.Archiver.Archive(ctx, archiveKey(comp, "competition.json"), body)
}

func (sm *StateMachine) loadParams(ctx context.Context, comp *models.Competition, version int) (*contract.Parameters, error) {
	rec, err := sm.deps.Store.GetParameters(ctx, comp.ID, version)
	if err != nil {
		return nil, fmt.Errorf("get parameters v%d: %w", version, err)
	}
	var p contract.Parameters
	if err := json.Unmarshal([]byte(rec.Data), &p); err != nil {
		return nil, fmt.Errorf("decode parameters v%d: %w", version, err)
	}
	return &p, nil
}

// saveParams stores a new parameter version. A version that already exists
// was written by an earlier, interrupted run of the same transition.
func (sm *StateMachine) saveParams(ctx context.Context, comp *models.Competition, p *contract.Parameters) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	rec := &models.ContractParameters{
		ID:            uuid.NewString(),
		CompetitionID: comp.ID,
		Version:       p.Version,
		Data:          string(data),
		CreatedAt:     p.CreatedAt,
	}
	if err := sm.deps.Store.CreateParameters(ctx, rec); err != nil && !errors.Is(err, models.ErrConflict) {
		return fmt.Errorf("create parameters: %w", err)
	}
	if comp.ParamsVersion != p.Version {
		comp.ParamsVersion = p.Version
		comp.UpdatedAt = sm.deps.Clock.Now()
		if err := sm.deps.Store.SaveCompetition(ctx, comp); err != nil {
			return fmt.Errorf("save competition: %w", err)
		}
	}
	return nil
}
