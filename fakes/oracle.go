package fakes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"competition-coordinator/contract"
	"competition-coordinator/services"
)

type oracleEvent struct {
	cfg         services.EventConfig
	entryIDs    []string
	outcomes    []contract.Outcome
	secrets     [][]byte
	attestation string
}

// Oracle publishes one outcome per entry, in which that entry takes first
// place and the following entries fill the remaining places, plus a final
// outcome with no winners.
type Oracle struct {
	mu          sync.Mutex
	keys        *Keyring
	events      map[string]*oracleEvent
	registers   int
	submits     int
	unreachable bool
}

func NewOracle(keys *Keyring) *Oracle {
	return &Oracle{keys: keys, events: make(map[string]*oracleEvent)}
}

func (o *Oracle) down() error {
	if o.unreachable {
		return services.Transient("oracle", fmt.Errorf("oracle unreachable"))
	}
	return nil
}

func (o *Oracle) RegisterEvent(_ context.Context, cfg services.EventConfig) (*services.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.down(); err != nil {
		return nil, err
	}
	ev, ok := o.events[cfg.ID]
	if !ok {
		ev = &oracleEvent{cfg: cfg}
		o.events[cfg.ID] = ev
		o.registers++
	}
	return ev.view(cfg.ID), nil
}

func (ev *oracleEvent) view(id string) *services.Event {
	return &services.Event{
		ID:          id,
		EntryIDs:    append([]string(nil), ev.entryIDs...),
		Outcomes:    append([]contract.Outcome(nil), ev.outcomes...),
		Attestation: ev.attestation,
	}
}

func (o *Oracle) GetEvent(_ context.Context, id string) (*services.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.down(); err != nil {
		return nil, err
	}
	ev, ok := o.events[id]
	if !ok {
		return nil, services.ErrEventNotFound
	}
	return ev.view(id), nil
}

func (o *Oracle) SubmitEntries(_ context.Context, eventID string, entries []services.OracleEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.down(); err != nil {
		return err
	}
	ev, ok := o.events[eventID]
	if !ok {
		return services.Permanent("submit entries", services.ErrEventNotFound)
	}
	o.submits++

	ev.entryIDs = ev.entryIDs[:0]
	for _, e := range entries {
		ev.entryIDs = append(ev.entryIDs, e.EntryID)
	}
	n := len(entries)
	places := min(ev.cfg.PayoutPlaces, n)
	ev.outcomes = nil
	ev.secrets = nil
	for i := 0; i <= n; i++ {
		secret := sha256.Sum256([]byte(fmt.Sprintf("%s/outcome/%d", eventID, i)))
		lock := sha256.Sum256(secret[:])
		outcome := contract.Outcome{Index: i, LockingHash: hex.EncodeToString(lock[:])}
		if i < n {
			for k := 0; k < places; k++ {
				outcome.Winners = append(outcome.Winners, (i+k)%n)
			}
		}
		ev.outcomes = append(ev.outcomes, outcome)
		ev.secrets = append(ev.secrets, secret[:])
	}
	return nil
}

func (o *Oracle) PublicKey(context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.down(); err != nil {
		return "", err
	}
	return o.keys.XOnly("oracle"), nil
}

// Attest reveals the secret of outcome.
func (o *Oracle) Attest(eventID string, outcome int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev := o.events[eventID]
	ev.attestation = hex.EncodeToString(ev.secrets[outcome])
}

// AttestRaw publishes an arbitrary attestation value.
func (o *Oracle) AttestRaw(eventID, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[eventID].attestation = value
}

func (o *Oracle) SetUnreachable(v bool) {
	o.mu.Lock()
	o.unreachable = v
	o.mu.Unlock()
}

func (o *Oracle) Registers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registers
}

func (o *Oracle) Submits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.submits
}

// Winners returns the winning entry ids of outcome, in place order.
func (o *Oracle) Winners(eventID string, outcome int) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev := o.events[eventID]
	var ids []string
	for _, slot := range ev.outcomes[outcome].Winners {
		ids = append(ids, ev.entryIDs[slot])
	}
	return ids
}
