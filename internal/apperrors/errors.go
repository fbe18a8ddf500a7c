package apperrors

import (
	"errors"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserAlreadyExists  = errors.New("user already exists")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenIsUsed   = errors.New("refresh token is used")
	ErrRefreshTokenExpired  = errors.New("refresh token is expired")
	ErrNoRefreshToken       = errors.New("session has no refresh token")

	ErrLoopStopped = errors.New("event loop stopped")
)
