package services

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var validate = validator.New()

// Validate runs struct-tag validation and classifies failures.
func Validate(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		return Validation(op, err)
	}
	return nil
}

// Deps are the collaborators shared by the coordinators.
type Deps struct {
	Store    Store
	Ledger   LedgerGateway
	Wallet   Wallet
	Payments PaymentGateway
	Oracle   AttestationService
	Signer   SigningService
	Builder  ContractBuilder
	Archiver Archiver

	Clock   clockwork.Clock
	Metrics *Metrics
	Logger  zerolog.Logger

	// Retry bounds calls to external collaborators; Poll bounds the
	// confirmation and signing polls.
	Retry RetryPolicy
	Poll  RetryPolicy
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Retry.Attempts == 0 {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Poll.Attempts == 0 {
		d.Poll = DefaultPollPolicy()
	}
}

// DefaultPollPolicy keeps a single poll under half a second. Polls run
// with the competition locked and the scheduler tick supplies the cadence
// between them.
func DefaultPollPolicy() RetryPolicy {
	return RetryPolicy{Base: 100 * time.Millisecond, Cap: 500 * time.Millisecond, Attempts: 2}
}

// AwaitConfirmations polls the ledger until txid has at least min
// confirmations. It reports the last observed depth and whether min was
// reached; running out of attempts is not an error.
func AwaitConfirmations(ctx context.Context, d *Deps, txid string, min int64) (int64, bool, error) {
	var confs int64
	err := Poll(ctx, d.Clock, d.Poll, time.Time{}, func(ctx context.Context) (bool, error) {
		c, err := d.Ledger.Confirmations(ctx, txid)
		if err != nil {
			return false, err
		}
		confs = c
		return c >= min, nil
	})
	switch {
	case err == nil:
		return confs, true, nil
	case IsDeadline(err):
		return confs, false, nil
	default:
		return confs, false, err
	}
}
