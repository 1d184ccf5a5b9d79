package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"competition-coordinator/models"
)

var terminal = []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}

// GormStore persists coordinator records in PostgreSQL.
type GormStore struct {
	DB *gorm.DB
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&models.Competition{},
		&models.CompetitionSnapshot{},
		&models.CompetitionError{},
		&models.Ticket{},
		&models.EscrowClaim{},
		&models.Entry{},
		&models.ContractParameters{},
		&models.SigningSession{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &GormStore{DB: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", models.ErrConflict, err)
	default:
		return err
	}
}

func (s *GormStore) CreateCompetition(ctx context.Context, c *models.Competition, snap *models.CompetitionSnapshot) error {
	return translate(s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		return tx.Create(snap).Error
	}))
}

func (s *GormStore) GetCompetition(ctx context.Context, id string) (*models.Competition, error) {
	var c models.Competition
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// SaveTransition locks the competition row and only writes if c directly
// follows the stored sequence number.
func (s *GormStore) SaveTransition(ctx context.Context, c *models.Competition, snap *models.CompetitionSnapshot) error {
	return translate(s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Competition
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", c.ID).
			First(&current).Error; err != nil {
			return err
		}
		if current.Seq != c.Seq-1 {
			return fmt.Errorf("%w: competition %s at seq %d, transition expects %d", models.ErrConflict, c.ID, current.Seq, c.Seq-1)
		}
		if err := tx.Save(c).Error; err != nil {
			return err
		}
		return tx.Create(snap).Error
	}))
}

func (s *GormStore) SaveCompetition(ctx context.Context, c *models.Competition) error {
	return translate(s.DB.WithContext(ctx).Save(c).Error)
}

func (s *GormStore) ListWorkable(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.Competition{}).
		Where("status NOT IN ? OR refund_pending = ?", terminal, true).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, translate(err)
}

func (s *GormStore) ListSnapshots(ctx context.Context, competitionID string) ([]models.CompetitionSnapshot, error) {
	var out []models.CompetitionSnapshot
	err := s.DB.WithContext(ctx).Where("competition_id = ?", competitionID).Order("seq ASC").Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) AppendError(ctx context.Context, e *models.CompetitionError) error {
	return translate(s.DB.WithContext(ctx).Create(e).Error)
}

func (s *GormStore) ListErrors(ctx context.Context, competitionID string) ([]models.CompetitionError, error) {
	var out []models.CompetitionError
	err := s.DB.WithContext(ctx).Where("competition_id = ?", competitionID).Order("created_at ASC").Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) CreateTicket(ctx context.Context, t *models.Ticket, claim *models.EscrowClaim) error {
	return translate(s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return tx.Create(claim).Error
	}))
}

func (s *GormStore) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *GormStore) FindTicketByPaymentHash(ctx context.Context, paymentHash string) (*models.Ticket, error) {
	var t models.Ticket
	if err := s.DB.WithContext(ctx).Where("payment_hash = ?", paymentHash).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *GormStore) ListTickets(ctx context.Context, competitionID string) ([]models.Ticket, error) {
	var out []models.Ticket
	err := s.DB.WithContext(ctx).Where("competition_id = ?", competitionID).Order("created_at ASC").Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) SaveTicket(ctx context.Context, t *models.Ticket) error {
	return translate(s.DB.WithContext(ctx).Save(t).Error)
}

func (s *GormStore) GetClaim(ctx context.Context, ticketID string) (*models.EscrowClaim, error) {
	var c models.EscrowClaim
	if err := s.DB.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) SaveClaim(ctx context.Context, c *models.EscrowClaim) error {
	return translate(s.DB.WithContext(ctx).Save(c).Error)
}

func (s *GormStore) CreateEntry(ctx context.Context, e *models.Entry) error {
	return translate(s.DB.WithContext(ctx).Create(e).Error)
}

func (s *GormStore) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	var e models.Entry
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) GetEntryByTicket(ctx context.Context, ticketID string) (*models.Entry, error) {
	var e models.Entry
	if err := s.DB.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&e).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *GormStore) ListEntries(ctx context.Context, competitionID string) ([]models.Entry, error) {
	var out []models.Entry
	err := s.DB.WithContext(ctx).Where("competition_id = ?", competitionID).Order("created_at ASC").Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) SaveEntry(ctx context.Context, e *models.Entry) error {
	return translate(s.DB.WithContext(ctx).Save(e).Error)
}

func (s *GormStore) CreateParameters(ctx context.Context, p *models.ContractParameters) error {
	return translate(s.DB.WithContext(ctx).Create(p).Error)
}

func (s *GormStore) GetParameters(ctx context.Context, competitionID string, version int) (*models.ContractParameters, error) {
	var p models.ContractParameters
	err := s.DB.WithContext(ctx).
		Where("competition_id = ? AND version = ?", competitionID, version).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStore) SaveSession(ctx context.Context, session *models.SigningSession) error {
	return translate(s.DB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(session).Error)
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.SigningSession, error) {
	var session models.SigningSession
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}
