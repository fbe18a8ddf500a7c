// Package issuer hands out token pairs inside the process.
// It stands in for an OAuth2 server when the demo runs without one.
package issuer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/authctx/internal/apperrors"
	"github.com/nkiryanov/authctx/internal/logger"
	"github.com/nkiryanov/authctx/internal/models"
)

const (
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultSigningMethod   = "HS256"
	defaultRefreshTokenTTL = 24 * time.Hour

	// "iss" claim of every access token
	issuerName = "authctx"
)

type AccessTokenClaims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
}

// Issuer with sensible default
type Config struct {
	// Secret key to sign access token
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Hasher for user passwords; BcryptHasher if not set
	Hasher PasswordHasher
}

type Issuer struct {
	key        string
	alg        jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	hasher     PasswordHasher

	mu    sync.RWMutex
	users map[string]models.User // username -> user

	refresh *refreshStore
	now     func() time.Time
	logger  logger.Logger
}

func New(cfg Config, l logger.Logger) (*Issuer, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if alg == nil {
		return nil, fmt.Errorf("unknown signing method %q", cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	if cfg.Hasher == nil {
		cfg.Hasher = BcryptHasher{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Issuer{
		key:        cfg.SecretKey,
		alg:        alg,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		hasher:     cfg.Hasher,
		users:      make(map[string]models.User),
		refresh:    newRefreshStore(time.Now),
		now:        time.Now,
		logger:     l,
	}, nil
}

// AddUser registers credentials that Login accepts
// Has to return apperrors.ErrUserAlreadyExists if username is taken
func (i *Issuer) AddUser(username string, password string) (models.User, error) {
	hash, err := i.hasher.Hash(password)
	if err != nil {
		return models.User{}, fmt.Errorf("can't use this as password. Err: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.users[username]; ok {
		return models.User{}, apperrors.ErrUserAlreadyExists
	}

	user := models.User{
		ID:             uuid.New(),
		CreatedAt:      i.now(),
		Username:       username,
		HashedPassword: hash,
	}
	i.users[username] = user

	return user, nil
}

// Login checks credentials and issues a fresh pair
// Has to return apperrors.ErrInvalidCredentials if user not found or password is wrong
func (i *Issuer) Login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	i.mu.RLock()
	user, ok := i.users[username]
	i.mu.RUnlock()

	if !ok {
		i.logger.Debug("Login for unknown user", "username", username)
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	}

	if err := i.hasher.Compare(user.HashedPassword, password); err != nil {
		i.logger.Debug("Login with wrong password", "username", username)
		return models.TokenPair{}, apperrors.ErrInvalidCredentials
	}

	return i.generatePair(ctx, user)
}

// Refresh rotates the pair: the refresh token can be used once only
func (i *Issuer) Refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	token, err := i.refresh.GetAndMarkUsed(refresh)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("error while marking token used. Err: %w", err)
	}

	if token.ExpiresAt.Before(i.now()) {
		return models.TokenPair{}, fmt.Errorf("error while marking token used. Err: %w", apperrors.ErrRefreshTokenExpired)
	}

	user, err := i.userByID(token.UserID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return i.generatePair(ctx, user)
}

// Revoke makes the refresh token unusable (on logout)
func (i *Issuer) Revoke(ctx context.Context, refresh string) error {
	i.refresh.Delete(refresh)
	return nil
}

// Drop expired refresh tokens; returns how many were removed
func (i *Issuer) Cleanup(ctx context.Context) int {
	return i.refresh.DeleteExpired(i.now())
}

// Parse and validate access token
func (i *Issuer) ParseAccess(ctx context.Context, access string) (userID uuid.UUID, err error) {
	claims := &AccessTokenClaims{}

	_, err = jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(i.key), nil
		},
		jwt.WithValidMethods([]string{i.alg.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error while parsing or validating token. Err: %w", err)
	}

	return claims.UserID, nil
}

func (i *Issuer) userByID(id uuid.UUID) (models.User, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	for _, user := range i.users {
		if user.ID == id {
			return user, nil
		}
	}
	return models.User{}, fmt.Errorf("user of refresh token is gone. Err: %w", apperrors.ErrRefreshTokenNotFound)
}

// Sign an access token and store a fresh single-use refresh token for user
func (i *Issuer) generatePair(_ context.Context, user models.User) (models.TokenPair, error) {
	now := i.now().Truncate(time.Second)

	access := models.IssuedToken{ExpiresAt: now.Add(i.accessTTL)}
	value, err := i.signAccess(user, now, access.ExpiresAt)
	if err != nil {
		return models.TokenPair{}, err
	}
	access.Value = value

	refresh := models.RefreshToken{
		UserID:    user.ID,
		Token:     rand.Text(),
		CreatedAt: now,
		ExpiresAt: now.Add(i.refreshTTL),
	}
	i.refresh.Save(refresh)

	i.logger.Debug("Token pair issued", "user_id", user.ID, "access_expires_at", access.ExpiresAt)

	return models.TokenPair{
		Access:  access,
		Refresh: models.IssuedToken{Value: refresh.Token, ExpiresAt: refresh.ExpiresAt},
	}, nil
}

func (i *Issuer) signAccess(user models.User, issuedAt time.Time, expiresAt time.Time) (string, error) {
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID: user.ID,
	}

	signed, err := jwt.NewWithClaims(i.alg, claims).SignedString([]byte(i.key))
	if err != nil {
		return "", fmt.Errorf("error while signing access token. Err: %w", err)
	}
	return signed, nil
}
