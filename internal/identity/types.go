package identity

import (
	"errors"
	"time"
)

// Role of a user. The only transition this core supports is buyer -> creator,
// exactly once; there is no downgrade.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleCreator Role = "creator"
)

// User is the shared identity record for buyers and creators.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StoreMetadata is the creator-supplied storefront information captured at
// upgrade time.
type StoreMetadata struct {
	StoreName   string `json:"store_name"`
	StoreSlug   string `json:"store_slug,omitempty"`
	Description string `json:"description,omitempty"`
}

// CreatorCapabilityRecord exists iff the user's role is creator; exactly one
// per user.
type CreatorCapabilityRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	StoreName   string    `json:"store_name"`
	StoreSlug   string    `json:"store_slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

var (
	ErrNotFound           = errors.New("identity: not found")
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrSlugTaken          = errors.New("identity: store slug already taken")
	ErrAlreadyCreator     = errors.New("identity: user is already a creator")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrInvalidInput       = errors.New("identity: invalid input")
)
