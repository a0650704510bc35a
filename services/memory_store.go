// contest-proxy-system/services/memory_store.go
package services

import (
	"sync"

	"contest-proxy-system/models"
)

// MemorySessionStore keeps the session tables in process memory. Used when
// DATABASE_URL is not set (local development) — state does not survive a
// restart, which only costs users a re-login.
type MemorySessionStore struct {
	mu             sync.Mutex
	users          map[uint]*models.User
	participations map[uint]*models.Participation
	nextUserID     uint
	nextPartID     uint
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		users:          make(map[uint]*models.User),
		participations: make(map[uint]*models.Participation),
		nextUserID:     1,
		nextPartID:     1,
	}
}

func (s *MemorySessionStore) FindUserByID(id uint) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (s *MemorySessionStore) FindUserByMasterSID(sid string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.MasterSID == sid {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemorySessionStore) CreateOrGetUser(sid, cookie string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.MasterSID == sid {
			u.SessionCookie = cookie
			copied := *u
			return &copied, nil
		}
	}
	u := &models.User{ID: s.nextUserID, MasterSID: sid, SessionCookie: cookie}
	s.nextUserID++
	s.users[u.ID] = u
	copied := *u
	return &copied, nil
}

func (s *MemorySessionStore) SaveUser(u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *u
	s.users[u.ID] = &copied
	return nil
}

func (s *MemorySessionStore) FindParticipation(userID uint, contestID int) (*models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participations {
		if p.UserID == userID && p.ContestID == contestID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemorySessionStore) CreateParticipation(userID uint, contestID int, token string) (*models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.Participation{
		ID:           s.nextPartID,
		UserID:       userID,
		ContestID:    contestID,
		SessionToken: token,
	}
	s.nextPartID++
	s.participations[p.ID] = p
	copied := *p
	return &copied, nil
}

func (s *MemorySessionStore) DeleteParticipation(p *models.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participations, p.ID)
	return nil
}

func (s *MemorySessionStore) FindParticipationByToken(token string) (*models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participations {
		if p.SessionToken == token {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemorySessionStore) Participations() ([]models.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := make([]models.Participation, 0, len(s.participations))
	for _, p := range s.participations {
		ps = append(ps, *p)
	}
	return ps, nil
}
