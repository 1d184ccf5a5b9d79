package clients

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"competition-coordinator/services"
)

type LndConfig struct {
	URL         string
	MacaroonHex string
	// TLSCert is the node's PEM certificate; empty uses the system roots.
	TLSCert []byte
}

// Lnd issues hold invoices through lnd's REST gateway.
type Lnd struct {
	rest  *restClient
	clock clockwork.Clock
}

func NewLnd(cfg LndConfig, client *http.Client, clock clockwork.Clock) (*Lnd, error) {
	if len(cfg.TLSCert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.TLSCert) {
			return nil, errors.New("lnd: invalid tls certificate")
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		c := *client
		c.Transport = transport
		client = &c
	}
	rest := newRESTClient("lnd", cfg.URL, client)
	if cfg.MacaroonHex != "" {
		rest.header.Set("Grpc-Metadata-macaroon", cfg.MacaroonHex)
	}
	return &Lnd{rest: rest, clock: clock}, nil
}

func decodeHash(op, h string) ([]byte, error) {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 32 {
		return nil, services.Validationf(op, "malformed hash %q", h)
	}
	return b, nil
}

func (l *Lnd) CreateHoldInvoice(ctx context.Context, amount int64, paymentHash string, expiry time.Duration) (*services.Invoice, error) {
	const op = "create hold invoice"
	hash, err := decodeHash(op, paymentHash)
	if err != nil {
		return nil, err
	}
	req := struct {
		Hash   []byte `json:"hash"`
		Value  string `json:"value"`
		Expiry string `json:"expiry"`
		Memo   string `json:"memo,omitempty"`
	}{
		Hash:   hash,
		Value:  strconv.FormatInt(amount, 10),
		Expiry: strconv.FormatInt(int64(expiry/time.Second), 10),
		Memo:   "competition ticket",
	}
	var out struct {
		PaymentRequest string `json:"payment_request"`
	}
	now := l.clock.Now()
	if err := l.rest.do(ctx, op, http.MethodPost, "/v2/invoices/hodl", req, &out); err != nil {
		return nil, err
	}
	return &services.Invoice{
		PaymentHash:    paymentHash,
		PaymentRequest: out.PaymentRequest,
		Amount:         amount,
		ExpiresAt:      now.Add(expiry),
	}, nil
}

type lndInvoice struct {
	State        string `json:"state"`
	CreationDate int64  `json:"creation_date,string"`
	Expiry       int64  `json:"expiry,string"`
}

func (l *Lnd) AcceptedStatus(ctx context.Context, paymentHash string) (services.InvoiceState, error) {
	const op = "lookup invoice"
	hash, err := decodeHash(op, paymentHash)
	if err != nil {
		return "", err
	}
	var inv lndInvoice
	path := "/v2/invoices/lookup?payment_hash=" + base64.URLEncoding.EncodeToString(hash)
	if err := l.rest.do(ctx, op, http.MethodGet, path, nil, &inv); err != nil {
		return "", err
	}
	switch inv.State {
	case "OPEN":
		expires := time.Unix(inv.CreationDate+inv.Expiry, 0)
		if !l.clock.Now().Before(expires) {
			return services.InvoiceExpired, nil
		}
		return services.InvoicePending, nil
	case "ACCEPTED":
		return services.InvoiceAccepted, nil
	case "SETTLED":
		return services.InvoiceSettled, nil
	case "CANCELED":
		return services.InvoiceCancelled, nil
	default:
		return "", services.Permanent(op, fmt.Errorf("unknown invoice state %q", inv.State))
	}
}

// invoiceConflict maps lnd's "already settled/canceled" answers to the
// sentinel errors the escrow coordinator checks for.
func invoiceConflict(op string, err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	body := strings.ToLower(se.Body)
	switch {
	case strings.Contains(body, "already settled"):
		return services.Permanent(op, services.ErrInvoiceSettled)
	case strings.Contains(body, "already canceled"), strings.Contains(body, "already cancelled"):
		return services.Permanent(op, services.ErrInvoiceCancelled)
	}
	return err
}

func (l *Lnd) Settle(ctx context.Context, preimage string) error {
	const op = "settle invoice"
	raw, err := decodeHash(op, preimage)
	if err != nil {
		return err
	}
	req := struct {
		Preimage []byte `json:"preimage"`
	}{raw}
	return invoiceConflict(op, l.rest.do(ctx, op, http.MethodPost, "/v2/invoices/settle", req, nil))
}

func (l *Lnd) Cancel(ctx context.Context, paymentHash string) error {
	const op = "cancel invoice"
	hash, err := decodeHash(op, paymentHash)
	if err != nil {
		return err
	}
	req := struct {
		PaymentHash []byte `json:"payment_hash"`
	}{hash}
	return invoiceConflict(op, l.rest.do(ctx, op, http.MethodPost, "/v2/invoices/cancel", req, nil))
}
