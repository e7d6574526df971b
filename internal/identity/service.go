package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vendora.org/internal/auth"
)

const accessTokenTTL = 15 * time.Minute

// Service provides registration, authentication and the one-way creator
// upgrade on top of a Store.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a buyer account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: email", ErrInvalidInput)
	}
	if len(password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}
	u := User{Email: email, PasswordHash: hash, Role: RoleBuyer}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// TokenPair is an access token plus its expiry.
type TokenPair struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Authenticate verifies credentials and issues an access token carrying the
// user's current role.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, TokenPair, error) {
	u, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return User{}, TokenPair{}, ErrInvalidCredentials
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return User{}, TokenPair{}, ErrInvalidCredentials
	}
	token, err := auth.GenerateToken(u.ID, []string{string(u.Role)}, accessTokenTTL)
	if err != nil {
		return User{}, TokenPair{}, err
	}
	return u, TokenPair{
		AccessToken: token,
		ExpiresAt:   time.Now().UTC().Add(accessTokenTTL),
	}, nil
}

// PromoteToCreator performs the one-time buyer -> creator transition and
// returns the single capability record it created.
func (s *Service) PromoteToCreator(ctx context.Context, userID string, meta StoreMetadata) (CreatorCapabilityRecord, error) {
	name := strings.TrimSpace(meta.StoreName)
	if name == "" {
		return CreatorCapabilityRecord{}, fmt.Errorf("%w: store name is required", ErrInvalidInput)
	}
	slug := strings.TrimSpace(meta.StoreSlug)
	if slug == "" {
		slug = Slugify(name)
	} else {
		slug = Slugify(slug)
	}
	if slug == "" {
		return CreatorCapabilityRecord{}, fmt.Errorf("%w: store slug is required", ErrInvalidInput)
	}

	rec := CreatorCapabilityRecord{
		StoreName:   name,
		StoreSlug:   slug,
		Description: strings.TrimSpace(meta.Description),
	}
	if err := s.store.PromoteToCreator(ctx, userID, &rec); err != nil {
		return CreatorCapabilityRecord{}, err
	}
	return rec, nil
}

// User loads a user by id.
func (s *Service) User(ctx context.Context, id string) (User, error) {
	return s.store.FindUser(ctx, id)
}

// CreatorRecord loads the capability record for a creator.
func (s *Service) CreatorRecord(ctx context.Context, userID string) (CreatorCapabilityRecord, error) {
	return s.store.CreatorRecord(ctx, userID)
}

// Slugify lowercases and strips a name down to URL-safe characters.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
