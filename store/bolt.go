package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"competition-coordinator/models"
)

const (
	competitionsBucket = "competitions"
	snapshotsBucket    = "competition:snapshots"
	errorsBucket       = "competition:errors"
	ticketsBucket      = "tickets"
	ticketHashBucket   = "tickets:by-hash"
	claimsBucket       = "claims"
	entriesBucket      = "entries"
	entryTicketBucket  = "entries:by-ticket"
	paramsBucket       = "params"
	sessionsBucket     = "sessions"
	// Index buckets keyed by "<competition id>/<record id>".
	competitionTickets = "competition:tickets"
	competitionEntries = "competition:entries"
)

// BoltStore is the embedded single-node store.
type BoltStore struct {
	DB *bolt.DB
}

// OpenBolt opens (or creates) coordinator.db under dataDir.
func OpenBolt(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database path: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "coordinator.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			competitionsBucket,
			snapshotsBucket,
			errorsBucket,
			ticketsBucket,
			ticketHashBucket,
			claimsBucket,
			entriesBucket,
			entryTicketBucket,
			paramsBucket,
			sessionsBucket,
			competitionTickets,
			competitionEntries,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database buckets: %w", err)
	}
	return &BoltStore{DB: db}, nil
}

func (s *BoltStore) Close() error {
	return s.DB.Close()
}

// ticketRecord keeps the preimage, which models.Ticket hides from JSON.
type ticketRecord struct {
	models.Ticket
	Preimage string `json:"preimage,omitempty"`
}

func put(tx *bolt.Tx, bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), raw)
}

func get[T any](tx *bolt.Tx, bucket, key string) (*T, error) {
	raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if raw == nil {
		return nil, models.ErrNotFound
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return &v, nil
}

func exists(tx *bolt.Tx, bucket, key string) bool {
	return tx.Bucket([]byte(bucket)).Get([]byte(key)) != nil
}

// scan decodes every value whose key starts with prefix.
func scan[T any](tx *bolt.Tx, bucket, prefix string) ([]T, error) {
	var out []T
	c := tx.Bucket([]byte(bucket)).Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", bucket, k, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// indexed resolves the ids stored under prefix in an index bucket.
func indexed(tx *bolt.Tx, index, prefix string) []string {
	var ids []string
	c := tx.Bucket([]byte(index)).Cursor()
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		ids = append(ids, string(k[len(p):]))
	}
	return ids
}

func seqKey(competitionID string, seq int) string {
	return fmt.Sprintf("%s/%010d", competitionID, seq)
}

func (s *BoltStore) CreateCompetition(_ context.Context, c *models.Competition, snap *models.CompetitionSnapshot) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if exists(tx, competitionsBucket, c.ID) {
			return fmt.Errorf("%w: competition %s", models.ErrConflict, c.ID)
		}
		if err := put(tx, competitionsBucket, c.ID, c); err != nil {
			return err
		}
		return put(tx, snapshotsBucket, seqKey(c.ID, snap.Seq), snap)
	})
}

func (s *BoltStore) GetCompetition(_ context.Context, id string) (*models.Competition, error) {
	var out *models.Competition
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = get[models.Competition](tx, competitionsBucket, id)
		return err
	})
	return out, err
}

func (s *BoltStore) SaveTransition(_ context.Context, c *models.Competition, snap *models.CompetitionSnapshot) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		current, err := get[models.Competition](tx, competitionsBucket, c.ID)
		if err != nil {
			return err
		}
		if current.Seq != c.Seq-1 {
			return fmt.Errorf("%w: competition %s at seq %d, transition expects %d", models.ErrConflict, c.ID, current.Seq, c.Seq-1)
		}
		if err := put(tx, competitionsBucket, c.ID, c); err != nil {
			return err
		}
		return put(tx, snapshotsBucket, seqKey(c.ID, snap.Seq), snap)
	})
}

func (s *BoltStore) SaveCompetition(_ context.Context, c *models.Competition) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if !exists(tx, competitionsBucket, c.ID) {
			return models.ErrNotFound
		}
		return put(tx, competitionsBucket, c.ID, c)
	})
}

func (s *BoltStore) ListWorkable(_ context.Context) ([]string, error) {
	var comps []models.Competition
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		comps, err = scan[models.Competition](tx, competitionsBucket, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].CreatedAt.Before(comps[j].CreatedAt) })
	var ids []string
	for _, c := range comps {
		if !c.Status.Terminal() || c.RefundPending {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (s *BoltStore) ListSnapshots(_ context.Context, competitionID string) ([]models.CompetitionSnapshot, error) {
	var out []models.CompetitionSnapshot
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = scan[models.CompetitionSnapshot](tx, snapshotsBucket, competitionID+"/")
		return err
	})
	return out, err
}

func (s *BoltStore) AppendError(_ context.Context, e *models.CompetitionError) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(errorsBucket))
		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		return put(tx, errorsBucket, fmt.Sprintf("%s/%020d", e.CompetitionID, n), e)
	})
}

func (s *BoltStore) ListErrors(_ context.Context, competitionID string) ([]models.CompetitionError, error) {
	var out []models.CompetitionError
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = scan[models.CompetitionError](tx, errorsBucket, competitionID+"/")
		return err
	})
	return out, err
}

func putTicket(tx *bolt.Tx, t *models.Ticket) error {
	return put(tx, ticketsBucket, t.ID, ticketRecord{Ticket: *t, Preimage: t.Preimage})
}

func getTicket(tx *bolt.Tx, id string) (*models.Ticket, error) {
	rec, err := get[ticketRecord](tx, ticketsBucket, id)
	if err != nil {
		return nil, err
	}
	t := rec.Ticket
	t.Preimage = rec.Preimage
	return &t, nil
}

func (s *BoltStore) CreateTicket(_ context.Context, t *models.Ticket, claim *models.EscrowClaim) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if exists(tx, ticketsBucket, t.ID) || exists(tx, ticketHashBucket, t.PaymentHash) {
			return fmt.Errorf("%w: ticket %s", models.ErrConflict, t.ID)
		}
		if err := putTicket(tx, t); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(ticketHashBucket)).Put([]byte(t.PaymentHash), []byte(t.ID)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(competitionTickets)).Put([]byte(t.CompetitionID+"/"+t.ID), []byte{}); err != nil {
			return err
		}
		return put(tx, claimsBucket, claim.TicketID, claim)
	})
}

func (s *BoltStore) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = getTicket(tx, id)
		return err
	})
	return out, err
}

func (s *BoltStore) FindTicketByPaymentHash(_ context.Context, paymentHash string) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.DB.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(ticketHashBucket)).Get([]byte(paymentHash))
		if id == nil {
			return models.ErrNotFound
		}
		var err error
		out, err = getTicket(tx, string(id))
		return err
	})
	return out, err
}

func (s *BoltStore) ListTickets(_ context.Context, competitionID string) ([]models.Ticket, error) {
	var out []models.Ticket
	err := s.DB.View(func(tx *bolt.Tx) error {
		for _, id := range indexed(tx, competitionTickets, competitionID+"/") {
			t, err := getTicket(tx, id)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *BoltStore) SaveTicket(_ context.Context, t *models.Ticket) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if !exists(tx, ticketsBucket, t.ID) {
			return models.ErrNotFound
		}
		return putTicket(tx, t)
	})
}

func (s *BoltStore) GetClaim(_ context.Context, ticketID string) (*models.EscrowClaim, error) {
	var out *models.EscrowClaim
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = get[models.EscrowClaim](tx, claimsBucket, ticketID)
		return err
	})
	return out, err
}

func (s *BoltStore) SaveClaim(_ context.Context, c *models.EscrowClaim) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		return put(tx, claimsBucket, c.TicketID, c)
	})
}

func (s *BoltStore) CreateEntry(_ context.Context, e *models.Entry) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if exists(tx, entriesBucket, e.ID) || exists(tx, entryTicketBucket, e.TicketID) {
			return fmt.Errorf("%w: entry for ticket %s", models.ErrConflict, e.TicketID)
		}
		if err := put(tx, entriesBucket, e.ID, e); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(entryTicketBucket)).Put([]byte(e.TicketID), []byte(e.ID)); err != nil {
			return err
		}
		return tx.Bucket([]byte(competitionEntries)).Put([]byte(e.CompetitionID+"/"+e.ID), []byte{})
	})
}

func (s *BoltStore) GetEntry(_ context.Context, id string) (*models.Entry, error) {
	var out *models.Entry
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = get[models.Entry](tx, entriesBucket, id)
		return err
	})
	return out, err
}

func (s *BoltStore) GetEntryByTicket(_ context.Context, ticketID string) (*models.Entry, error) {
	var out *models.Entry
	err := s.DB.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(entryTicketBucket)).Get([]byte(ticketID))
		if id == nil {
			return models.ErrNotFound
		}
		var err error
		out, err = get[models.Entry](tx, entriesBucket, string(id))
		return err
	})
	return out, err
}

func (s *BoltStore) ListEntries(_ context.Context, competitionID string) ([]models.Entry, error) {
	var out []models.Entry
	err := s.DB.View(func(tx *bolt.Tx) error {
		for _, id := range indexed(tx, competitionEntries, competitionID+"/") {
			e, err := get[models.Entry](tx, entriesBucket, id)
			if err != nil {
				return err
			}
			out = append(out, *e)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *BoltStore) SaveEntry(_ context.Context, e *models.Entry) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		if !exists(tx, entriesBucket, e.ID) {
			return models.ErrNotFound
		}
		return put(tx, entriesBucket, e.ID, e)
	})
}

func (s *BoltStore) CreateParameters(_ context.Context, p *models.ContractParameters) error {
	key := seqKey(p.CompetitionID, p.Version)
	return s.DB.Update(func(tx *bolt.Tx) error {
		if exists(tx, paramsBucket, key) {
			return fmt.Errorf("%w: parameters %s", models.ErrConflict, key)
		}
		return put(tx, paramsBucket, key, p)
	})
}

func (s *BoltStore) GetParameters(_ context.Context, competitionID string, version int) (*models.ContractParameters, error) {
	var out *models.ContractParameters
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = get[models.ContractParameters](tx, paramsBucket, seqKey(competitionID, version))
		return err
	})
	return out, err
}

func (s *BoltStore) SaveSession(_ context.Context, session *models.SigningSession) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		return put(tx, sessionsBucket, session.ID, session)
	})
}

func (s *BoltStore) GetSession(_ context.Context, id string) (*models.SigningSession, error) {
	var out *models.SigningSession
	err := s.DB.View(func(tx *bolt.Tx) error {
		var err error
		out, err = get[models.SigningSession](tx, sessionsBucket, id)
		return err
	})
	return out, err
}
