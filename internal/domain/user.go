package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered user. PartnerID is the linked partner
// account; when set, call invitations are restricted to that user.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"` // omit in public responses
	DisplayName string     `json:"display_name,omitempty"`
	PartnerID   *uuid.UUID `json:"partner_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PublicUser is the safe-to-expose version of User
type PublicUser struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
}

func (u *User) ToPublic() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
	}
}

// Name returns the name shown to the far side of a call
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
