package fakes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"competition-coordinator/services"
)

type holdInvoice struct {
	amount  int64
	state   services.InvoiceState
	expires time.Time
}

// Payments is a hold-invoice node. Tests move invoices with Pay and Expire.
type Payments struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	invoices map[string]*holdInvoice
	created  int
	settled  []string
	cancels  int

	// OnSettle runs before an invoice is settled.
	OnSettle func(paymentHash string)
}

func NewPayments(clock clockwork.Clock) *Payments {
	return &Payments{clock: clock, invoices: make(map[string]*holdInvoice)}
}

func (p *Payments) CreateHoldInvoice(_ context.Context, amount int64, paymentHash string, expiry time.Duration) (*services.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[paymentHash]
	if !ok {
		inv = &holdInvoice{amount: amount, state: services.InvoicePending, expires: p.clock.Now().Add(expiry)}
		p.invoices[paymentHash] = inv
		p.created++
	}
	return &services.Invoice{
		PaymentHash:    paymentHash,
		PaymentRequest: "lnbcrt" + paymentHash[:20],
		Amount:         inv.amount,
		ExpiresAt:      inv.expires,
	}, nil
}

func (p *Payments) lookup(paymentHash string) (*holdInvoice, error) {
	inv, ok := p.invoices[paymentHash]
	if !ok {
		return nil, services.Permanent("lookup invoice", fmt.Errorf("unknown invoice %s", paymentHash))
	}
	if inv.state == services.InvoicePending && !p.clock.Now().Before(inv.expires) {
		inv.state = services.InvoiceExpired
	}
	return inv, nil
}

func (p *Payments) AcceptedStatus(_ context.Context, paymentHash string) (services.InvoiceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, err := p.lookup(paymentHash)
	if err != nil {
		return "", err
	}
	return inv.state, nil
}

func (p *Payments) Settle(_ context.Context, preimage string) error {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return services.Validation("settle", err)
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	p.mu.Lock()
	hook := p.OnSettle
	p.mu.Unlock()
	if hook != nil {
		hook(hash)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	inv, err := p.lookup(hash)
	if err != nil {
		return err
	}
	switch inv.state {
	case services.InvoiceAccepted:
	case services.InvoiceSettled:
		return services.Permanent("settle", services.ErrInvoiceSettled)
	case services.InvoiceCancelled:
		return services.Permanent("settle", services.ErrInvoiceCancelled)
	default:
		return services.Permanent("settle", fmt.Errorf("invoice %s is %s", hash, inv.state))
	}
	inv.state = services.InvoiceSettled
	p.settled = append(p.settled, hash)
	return nil
}

func (p *Payments) Cancel(_ context.Context, paymentHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, err := p.lookup(paymentHash)
	if err != nil {
		return err
	}
	switch inv.state {
	case services.InvoiceSettled:
		return services.Permanent("cancel", services.ErrInvoiceSettled)
	case services.InvoiceCancelled:
		return services.Permanent("cancel", services.ErrInvoiceCancelled)
	}
	inv.state = services.InvoiceCancelled
	p.cancels++
	return nil
}

// Pay moves an invoice to accepted, as if the participant paid it.
func (p *Payments) Pay(paymentHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[paymentHash]; ok && inv.state == services.InvoicePending {
		inv.state = services.InvoiceAccepted
	}
}

func (p *Payments) Expire(paymentHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[paymentHash]; ok && inv.state == services.InvoicePending {
		inv.state = services.InvoiceExpired
	}
}

func (p *Payments) State(paymentHash string) services.InvoiceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inv, ok := p.invoices[paymentHash]; ok {
		return inv.state
	}
	return ""
}

// Settled lists settled payment hashes in settlement order.
func (p *Payments) Settled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.settled...)
}

func (p *Payments) Cancels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels
}

func (p *Payments) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
