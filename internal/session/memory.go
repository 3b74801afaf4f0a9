package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trillionclues/chronicle-backend/internal/apperrors"
	"github.com/trillionclues/chronicle-backend/internal/models"
)

// MemoryRepository is an in-memory Repository for tests and single-node
// development. It enforces the same version compare-and-save contract as the
// Postgres implementation.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID][]byte
	byCode   map[string]uuid.UUID
	versions map[uuid.UUID]int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[uuid.UUID][]byte),
		byCode:   make(map[string]uuid.UUID),
		versions: make(map[uuid.UUID]int64),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "session %s already exists", s.ID)
	}
	if _, ok := r.byCode[s.JoinCode]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "join code %s already taken", s.JoinCode)
	}
	s.Version = 1
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	r.store(s)
	r.byCode[s.JoinCode] = s.ID
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "session %s not found", id)
	}
	return decode(raw)
}

func (r *MemoryRepository) GetByCode(ctx context.Context, code string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeNotFound, "session with code %s not found", code)
	}
	return decode(r.sessions[id])
}

func (r *MemoryRepository) Save(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.versions[s.ID]
	if !ok {
		return apperrors.Newf(apperrors.CodeNotFound, "session %s not found", s.ID)
	}
	if current != s.Version {
		return apperrors.Newf(apperrors.CodeConflict, "session %s modified concurrently", s.ID)
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	r.store(s)
	return nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Session
	for _, raw := range r.sessions {
		s, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if s.Participant(userID) == nil {
			continue
		}
		if filter.ActiveOnly && s.Phase.Terminal() {
			continue
		}
		if !filter.ActiveOnly && filter.FinishedOnly && s.Phase != models.PhaseFinished {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// store keeps a serialized copy so callers never alias repository state.
func (r *MemoryRepository) store(s *models.Session) {
	raw, _ := json.Marshal(s)
	r.sessions[s.ID] = raw
	r.versions[s.ID] = s.Version
}

func decode(raw []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInfrastructure, "decode session", err)
	}
	return &s, nil
}
