// contest-proxy-system/services/store.go
package services

import (
	"errors"
	"fmt"

	"contest-proxy-system/models"

	"gorm.io/gorm"
)

// SessionStore persists the proxy's two session-mapping tables. Lookups are
// exact-match on the opaque token strings; nothing here inspects a token.
// Absent rows come back as (nil, nil). Callers delete a stale Participation
// before creating its replacement, so at most one live row exists per
// (user, contest) pair.
type SessionStore interface {
	FindUserByID(id uint) (*models.User, error)
	FindUserByMasterSID(sid string) (*models.User, error)
	CreateOrGetUser(sid, cookie string) (*models.User, error)
	SaveUser(u *models.User) error

	FindParticipation(userID uint, contestID int) (*models.Participation, error)
	CreateParticipation(userID uint, contestID int, token string) (*models.Participation, error)
	DeleteParticipation(p *models.Participation) error
	FindParticipationByToken(token string) (*models.Participation, error)

	// Participations lists every stored row; used by the sweep worker.
	Participations() ([]models.Participation, error)
}

// GormSessionStore is the postgres-backed store.
type GormSessionStore struct {
	DB *gorm.DB
}

func NewGormSessionStore(db *gorm.DB) *GormSessionStore {
	return &GormSessionStore{DB: db}
}

func (s *GormSessionStore) FindUserByID(id uint) (*models.User, error) {
	var u models.User
	err := s.DB.First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &u, nil
}

func (s *GormSessionStore) FindUserByMasterSID(sid string) (*models.User, error) {
	var u models.User
	err := s.DB.Where("master_sid = ?", sid).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by master sid: %w", err)
	}
	return &u, nil
}

func (s *GormSessionStore) CreateOrGetUser(sid, cookie string) (*models.User, error) {
	u := models.User{MasterSID: sid}
	if err := s.DB.Where("master_sid = ?", sid).FirstOrCreate(&u).Error; err != nil {
		return nil, fmt.Errorf("create-or-get user: %w", err)
	}
	if u.SessionCookie != cookie {
		u.SessionCookie = cookie
		if err := s.DB.Save(&u).Error; err != nil {
			return nil, fmt.Errorf("update user cookie: %w", err)
		}
	}
	return &u, nil
}

func (s *GormSessionStore) SaveUser(u *models.User) error {
	if err := s.DB.Save(u).Error; err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *GormSessionStore) FindParticipation(userID uint, contestID int) (*models.Participation, error) {
	var p models.Participation
	err := s.DB.Where("user_id = ? AND contest_id = ?", userID, contestID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find participation: %w", err)
	}
	return &p, nil
}

func (s *GormSessionStore) CreateParticipation(userID uint, contestID int, token string) (*models.Participation, error) {
	p := models.Participation{
		UserID:       userID,
		ContestID:    contestID,
		SessionToken: token,
	}
	if err := s.DB.Create(&p).Error; err != nil {
		return nil, fmt.Errorf("create participation: %w", err)
	}
	return &p, nil
}

func (s *GormSessionStore) DeleteParticipation(p *models.Participation) error {
	if err := s.DB.Delete(&models.Participation{}, p.ID).Error; err != nil {
		return fmt.Errorf("delete participation: %w", err)
	}
	return nil
}

func (s *GormSessionStore) FindParticipationByToken(token string) (*models.Participation, error) {
	var p models.Participation
	err := s.DB.Where("session_token = ?", token).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find participation by token: %w", err)
	}
	return &p, nil
}

func (s *GormSessionStore) Participations() ([]models.Participation, error) {
	var ps []models.Participation
	if err := s.DB.Find(&ps).Error; err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	return ps, nil
}
