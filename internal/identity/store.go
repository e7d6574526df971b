package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"vendora.org/internal/ids"
)

// Store persists users and creator capability records. PromoteToCreator is a
// single conditional transition: the role check and the role set happen under
// one atomic operation, never as separate read-then-write steps.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	// PromoteToCreator flips role buyer -> creator and stores the capability
	// record in the same atomic step. Fails with ErrAlreadyCreator when the
	// user is no longer a buyer, ErrSlugTaken on a slug collision.
	PromoteToCreator(ctx context.Context, userID string, rec *CreatorCapabilityRecord) error
	CreatorRecord(ctx context.Context, userID string) (CreatorCapabilityRecord, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu      sync.Mutex
	users   map[string]*User
	byEmail map[string]string
	records map[string]*CreatorCapabilityRecord // userID -> record
	slugs   map[string]struct{}
	now     func() time.Time
}

// InMemoryOption configures the in-memory store.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		records: make(map[string]*CreatorCapabilityRecord),
		slugs:   make(map[string]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, ok := s.byEmail[email]; ok {
		return ErrEmailTaken
	}
	now := s.now().UTC()
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = email
	if u.Role == "" {
		u.Role = RoleBuyer
	}
	u.CreatedAt = now
	u.UpdatedAt = now

	stored := *u
	s.users[u.ID] = &stored
	s.byEmail[email] = u.ID
	return nil
}

func (s *InMemory) FindUser(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) FindUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.users[id], nil
}

func (s *InMemory) PromoteToCreator(ctx context.Context, userID string, rec *CreatorCapabilityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	// Compare-and-set: the role check and the role write happen under the
	// same lock, so two concurrent upgrades cannot both observe "buyer".
	if u.Role != RoleBuyer {
		return ErrAlreadyCreator
	}
	if _, ok := s.records[userID]; ok {
		return ErrAlreadyCreator
	}
	if _, ok := s.slugs[rec.StoreSlug]; ok {
		return ErrSlugTaken
	}

	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	rec.UserID = userID
	rec.CreatedAt = now

	u.Role = RoleCreator
	u.UpdatedAt = now
	stored := *rec
	s.records[userID] = &stored
	s.slugs[rec.StoreSlug] = struct{}{}
	return nil
}

func (s *InMemory) CreatorRecord(ctx context.Context, userID string) (CreatorCapabilityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	if !ok {
		return CreatorCapabilityRecord{}, ErrNotFound
	}
	return *rec, nil
}
