package clients_test

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"competition-coordinator/clients"
	"competition-coordinator/services"
	"competition-coordinator/utils"
)

func hash32(b byte) string {
	return strings.Repeat(hex.EncodeToString([]byte{b}), 32)
}

func TestOracleGetEventNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/c-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	oracle := clients.NewOracle(srv.URL, "secret", utils.NewHTTPClient(time.Second))
	_, err := oracle.GetEvent(context.Background(), "c-1")
	assert.ErrorIs(t, err, services.ErrEventNotFound)
}

func TestOracleRegisterEvent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var cfg services.EventConfig
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		assert.Equal(t, 3, cfg.EntryCount)
		_ = json.NewEncoder(w).Encode(services.Event{ID: cfg.ID})
	}))
	defer srv.Close()

	oracle := clients.NewOracle(srv.URL, "", utils.NewHTTPClient(time.Second))
	ev, err := oracle.RegisterEvent(context.Background(), services.EventConfig{ID: "c-1", EntryCount: 3, PayoutPlaces: 1})
	require.NoError(t, err)
	assert.Equal(t, "c-1", ev.ID)
}

func TestRESTErrorClassification(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	oracle := clients.NewOracle(srv.URL, "", utils.NewHTTPClient(time.Second))

	status.Store(http.StatusServiceUnavailable)
	err := oracle.SubmitEntries(context.Background(), "c-1", nil)
	assert.True(t, services.IsTransient(err))

	status.Store(http.StatusTooManyRequests)
	err = oracle.SubmitEntries(context.Background(), "c-1", nil)
	assert.True(t, services.IsTransient(err))

	status.Store(http.StatusBadRequest)
	err = oracle.SubmitEntries(context.Background(), "c-1", nil)
	assert.Equal(t, services.KindPermanentExternal, services.KindOf(err))
	var se *clients.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
}

func TestRESTUnreachableIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := clients.NewOracle(url, "", utils.NewHTTPClient(time.Second)).PublicKey(context.Background())
	assert.True(t, services.IsTransient(err))
}

func TestSignerRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			var req services.KeyGenRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(services.SessionHandle{
				SessionID:     req.SessionID,
				RejoinSecrets: map[string][]byte{"e-1": {1, 2, 3}},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s-1":
			_ = json.NewEncoder(w).Encode(services.KeyGenResult{State: services.SessionPending, Missing: []string{"e-2"}})
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s-1/signings":
			_ = json.NewEncoder(w).Encode(services.SigningHandle{SigningID: "s-1-s1"})
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s-1/signings/s-1-s1":
			_ = json.NewEncoder(w).Encode(services.SigningResult{State: services.SessionComplete, Signatures: map[string]string{"funding/0": "ab"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	signer := clients.NewSigner(srv.URL, "", utils.NewHTTPClient(time.Second))

	handle, err := signer.BeginKeyGeneration(ctx, services.KeyGenRequest{SessionID: "s-1", ParticipantIDs: []string{"e-1"}})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, handle.RejoinSecrets["e-1"])

	kg, err := signer.PollKeyGeneration(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, services.SessionPending, kg.State)
	assert.Equal(t, []string{"e-2"}, kg.Missing)

	sh, err := signer.BeginSigning(ctx, services.SigningRequest{SessionID: "s-1", SigningID: "s-1-s1"})
	require.NoError(t, err)
	assert.Equal(t, "s-1-s1", sh.SigningID)

	res, err := signer.PollSigning(ctx, "s-1", "s-1-s1")
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Signatures["funding/0"])
}

func newLnd(t *testing.T, handler http.HandlerFunc, clock clockwork.Clock) *clients.Lnd {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	lnd, err := clients.NewLnd(clients.LndConfig{URL: srv.URL, MacaroonHex: "cafe"}, utils.NewHTTPClient(time.Second), clock)
	require.NoError(t, err)
	return lnd
}

func TestLndCreateHoldInvoice(t *testing.T) {
	t.Parallel()

	paymentHash := hash32(0xab)
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	lnd := newLnd(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/invoices/hodl", r.URL.Path)
		assert.Equal(t, "cafe", r.Header.Get("Grpc-Metadata-macaroon"))
		var body struct {
			Hash   []byte `json:"hash"`
			Value  string `json:"value"`
			Expiry string `json:"expiry"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, paymentHash, hex.EncodeToString(body.Hash))
		assert.Equal(t, "5000", body.Value)
		assert.Equal(t, "600", body.Expiry)
		_, _ = io.WriteString(w, `{"payment_request":"lnbcrt50u1p","add_index":"4"}`)
	}, clock)

	inv, err := lnd.CreateHoldInvoice(context.Background(), 5000, paymentHash, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lnbcrt50u1p", inv.PaymentRequest)
	assert.Equal(t, clock.Now().Add(10*time.Minute), inv.ExpiresAt)
}

func TestLndAcceptedStatus(t *testing.T) {
	t.Parallel()

	paymentHash := hash32(0x01)
	created := time.Unix(1_700_000_000, 0)
	var state atomic.Value
	state.Store("OPEN")
	clock := clockwork.NewFakeClockAt(created.Add(time.Minute))
	lnd := newLnd(t, func(w http.ResponseWriter, r *http.Request) {
		raw, err := hex.DecodeString(paymentHash)
		assert.NoError(t, err)
		assert.Equal(t, base64.URLEncoding.EncodeToString(raw), r.URL.Query().Get("payment_hash"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"state":         state.Load().(string),
			"creation_date": "1700000000",
			"expiry":        "600",
		})
	}, clock)
	ctx := context.Background()

	st, err := lnd.AcceptedStatus(ctx, paymentHash)
	require.NoError(t, err)
	assert.Equal(t, services.InvoicePending, st)

	clock.Advance(10 * time.Minute)
	st, err = lnd.AcceptedStatus(ctx, paymentHash)
	require.NoError(t, err)
	assert.Equal(t, services.InvoiceExpired, st)

	for lndState, want := range map[string]services.InvoiceState{
		"ACCEPTED": services.InvoiceAccepted,
		"SETTLED":  services.InvoiceSettled,
		"CANCELED": services.InvoiceCancelled,
	} {
		state.Store(lndState)
		st, err := lnd.AcceptedStatus(ctx, paymentHash)
		require.NoError(t, err)
		assert.Equal(t, want, st)
	}
}

func TestLndSettleConflicts(t *testing.T) {
	t.Parallel()

	var reply atomic.Value
	lnd := newLnd(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, reply.Load().(string))
	}, clockwork.NewFakeClock())
	ctx := context.Background()

	reply.Store(`{"code":2,"message":"invoice is already settled"}`)
	err := lnd.Settle(ctx, hash32(0x02))
	assert.ErrorIs(t, err, services.ErrInvoiceSettled)
	assert.False(t, services.IsTransient(err))

	reply.Store(`{"code":2,"message":"invoice already canceled"}`)
	err = lnd.Cancel(ctx, hash32(0x02))
	assert.ErrorIs(t, err, services.ErrInvoiceCancelled)

	reply.Store(`{"code":14,"message":"unavailable"}`)
	err = lnd.Settle(ctx, hash32(0x02))
	assert.True(t, services.IsTransient(err))

	err = lnd.Settle(ctx, "zz")
	assert.True(t, services.IsValidation(err))
}

func TestR2ArchiverPutsObject(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	archiver, err := clients.NewR2Archiver(context.Background(), clients.R2Config{
		AccessKeyID:     "key",
		AccessKeySecret: "secret",
		Bucket:          "archive",
		Endpoint:        srv.URL,
	})
	require.NoError(t, err)
	require.NoError(t, archiver.Archive(context.Background(), "competitions/x/record.json", []byte(`{}`)))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/archive/competitions/x/record.json", gotPath)
}
