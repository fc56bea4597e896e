package coordinator

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("session not found")

// Store is the durable session record used for crash recovery. A session
// always survives a restart in its last persisted phase and is reconciled
// against chain truth when resumed.
type Store interface {
	CreateSession(session *Session) error

	UpdateSession(session *Session) error

	// ClearSecret wipes the persisted secret once it is public on chain.
	ClearSecret(swapID string) error

	Session(swapID string) (Session, error)

	// ActiveSessions returns every session not yet in a terminal phase.
	ActiveSessions() ([]Session, error)

	Sessions() ([]Session, error)
}

type store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, err
	}
	return &store{db: db}, nil
}

func (s *store) CreateSession(session *Session) error {
	return s.db.Create(session).Error
}

func (s *store) UpdateSession(session *Session) error {
	return s.db.Save(session).Error
}

func (s *store) ClearSecret(swapID string) error {
	return s.db.Model(&Session{}).Where("swap_id = ?", swapID).Update("secret", "").Error
}

func (s *store) Session(swapID string) (Session, error) {
	var session Session
	err := s.db.Where("swap_id = ?", swapID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionNotFound, swapID)
	}
	return session, err
}

func (s *store) ActiveSessions() ([]Session, error) {
	var sessions []Session
	err := s.db.Where("phase NOT IN ?", []Phase{PhaseSettled, PhaseAborted}).Find(&sessions).Error
	return sessions, err
}

func (s *store) Sessions() ([]Session, error) {
	var sessions []Session
	err := s.db.Find(&sessions).Error
	return sessions, err
}
