package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Auth errors
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("invalid token")

	// Partner errors
	ErrSelfPartner     = errors.New("cannot link yourself as partner")
	ErrPartnerNotFound = errors.New("partner not found")

	// Call errors
	ErrCallNotFound    = errors.New("call not found")
	ErrCallNotLive     = errors.New("call is no longer ringing or active")
	ErrNotParticipant  = errors.New("user is not a participant of this call")
	ErrNotYourPartner  = errors.New("can only call your linked partner")
	ErrAlreadyInCall   = errors.New("another call is already in progress")
	ErrNoPendingNotice = errors.New("no incoming call to answer")

	// Chat errors
	ErrEmptyFrame = errors.New("chat frame cannot be empty")
)
