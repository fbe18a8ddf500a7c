// Package session owns the authoritative authentication state and moves it through
// its lifecycle: new session, login, scheduled refresh, expiry, logout and failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/authctx/internal/apperrors"
	"github.com/nkiryanov/authctx/internal/authstate"
	"github.com/nkiryanov/authctx/internal/logger"
	"github.com/nkiryanov/authctx/internal/models"
	"github.com/nkiryanov/authctx/internal/ui"
)

const (
	defaultRefreshGrace    = 30 * time.Second
	defaultMinRefreshDelay = time.Second
	defaultRequestTimeout  = 10 * time.Second
)

var validate = validator.New()

// Issuer exchanges credentials and refresh tokens for token pairs
type Issuer interface {
	// Has to return apperrors.ErrInvalidCredentials if credentials are wrong
	Login(ctx context.Context, username string, password string) (models.TokenPair, error)

	// If token expired: has to return apperrors.ErrRefreshTokenExpired
	// If token used or not found: apperrors.ErrRefreshTokenIsUsed or apperrors.ErrRefreshTokenNotFound
	Refresh(ctx context.Context, refresh string) (models.TokenPair, error)

	Revoke(ctx context.Context, refresh string) error
}

// Agent config with sensible defaults: zero values are replaced with defaults
type Config struct {
	// Refresh that long before the access token expires
	RefreshGrace time.Duration `validate:"gte=0"`

	// Never schedule a refresh sooner than that
	MinRefreshDelay time.Duration `validate:"gte=0"`

	// Timeout of issuer calls made by the refresh timer
	RequestTimeout time.Duration `validate:"gte=0"`
}

type Agent struct {
	cfg        Config
	provider   *ui.Provider[authstate.State]
	dispatcher ui.Dispatcher
	issuer     Issuer
	logger     logger.Logger

	mu         sync.Mutex
	timer      *time.Timer
	refresh    string // refresh token of the current session, empty if none
	generation uint64 // bumped on every transition; stale timers compare against it
	version    uint64 // bumped on every state change; stale publications compare against it
}

func NewAgent(cfg Config, provider *ui.Provider[authstate.State], d ui.Dispatcher, issuer Issuer, l logger.Logger) (*Agent, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if provider == nil || issuer == nil {
		return nil, errors.New("provider and issuer must not be nil")
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.RefreshGrace, defaultRefreshGrace)
	setDefaultDuration(&cfg.MinRefreshDelay, defaultMinRefreshDelay)
	setDefaultDuration(&cfg.RequestTimeout, defaultRequestTimeout)

	if d == nil {
		d = ui.Inline{}
	}
	if l == nil {
		l = logger.NewNoOpLogger()
	}

	return &Agent{
		cfg:        cfg,
		provider:   provider,
		dispatcher: d,
		issuer:     issuer,
		logger:     l,
	}, nil
}

// State returns the provider's current value
func (a *Agent) State() authstate.State {
	return a.provider.Get()
}

// Start announces that there is no session yet
func (a *Agent) Start() {
	a.mu.Lock()
	v := a.nextVersionLocked()
	a.mu.Unlock()

	a.publish(v, authstate.NotAuthenticated{Reason: authstate.NewSession})
}

// Login exchanges credentials for a session.
// Wrong credentials leave the state untouched; other errors turn it into Failed.
func (a *Agent) Login(ctx context.Context, username string, password string) error {
	pair, err := a.issuer.Login(ctx, username, password)

	switch {
	case err == nil:
		a.authenticate(pair)
		return nil
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		a.logger.Info("Login rejected", "username", username)
		return err
	default:
		a.fail(err)
		return fmt.Errorf("login failed: %w", err)
	}
}

// Logout ends the session and revokes its refresh token
func (a *Agent) Logout(ctx context.Context) {
	a.mu.Lock()
	a.resetLocked()
	refresh := a.refresh
	a.refresh = ""
	v := a.nextVersionLocked()
	a.mu.Unlock()

	if refresh != "" {
		if err := a.issuer.Revoke(ctx, refresh); err != nil {
			a.logger.Warn("Failed to revoke refresh token", "error", err)
		}
	}

	a.publish(v, authstate.NotAuthenticated{Reason: authstate.Logout})
}

// Stop cancels the scheduled refresh. The state is left as is.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Agent) authenticate(pair models.TokenPair) {
	a.mu.Lock()
	state := a.authenticateLocked(pair)
	v := a.version
	a.mu.Unlock()

	a.publish(v, state)
}

func (a *Agent) fail(err error) {
	a.mu.Lock()
	state := a.failLocked(err)
	v := a.version
	a.mu.Unlock()

	a.publish(v, state)
}

func (a *Agent) authenticateLocked(pair models.TokenPair) authstate.State {
	a.resetLocked()
	a.nextVersionLocked()
	a.refresh = pair.Refresh.Value
	if !pair.Access.ExpiresAt.IsZero() {
		a.scheduleLocked(pair.Access.ExpiresAt)
	}
	return authstate.FromTokenPair(pair)
}

func (a *Agent) expireLocked() authstate.State {
	a.resetLocked()
	a.nextVersionLocked()
	a.refresh = ""
	return authstate.NotAuthenticated{Reason: authstate.Expired}
}

func (a *Agent) failLocked(err error) authstate.State {
	a.resetLocked()
	a.nextVersionLocked()
	a.refresh = ""
	a.logger.Error("Session failed", "error", err)
	return authstate.Failed{Message: err.Error()}
}

// Schedule refresh before expiresAt, or expiry at expiresAt if there is nothing to refresh with
func (a *Agent) scheduleLocked(expiresAt time.Time) {
	delay := time.Until(expiresAt)
	if a.refresh != "" {
		delay -= a.cfg.RefreshGrace
	}
	delay = max(delay, a.cfg.MinRefreshDelay)

	gen := a.generation
	a.timer = time.AfterFunc(delay, func() { a.onTimer(gen) })
	a.logger.Debug("Session refresh scheduled", "delay", delay, "has_refresh", a.refresh != "")
}

func (a *Agent) onTimer(gen uint64) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	refresh := a.refresh
	if refresh == "" {
		a.logger.Info("Session expired, no refresh token")
		state := a.expireLocked()
		v := a.version
		a.mu.Unlock()
		a.publish(v, state)
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()

	_ = a.rotate(ctx, gen, refresh)
}

// Refresh rotates the session right away instead of waiting for the timer.
// Returns apperrors.ErrNoRefreshToken if the session can't be refreshed.
func (a *Agent) Refresh(ctx context.Context) error {
	a.mu.Lock()
	refresh, gen := a.refresh, a.generation
	a.mu.Unlock()

	if refresh == "" {
		return apperrors.ErrNoRefreshToken
	}
	return a.rotate(ctx, gen, refresh)
}

// Exchange the refresh token and move to the resulting state
func (a *Agent) rotate(ctx context.Context, gen uint64, refresh string) error {
	pair, err := a.issuer.Refresh(ctx, refresh)

	a.mu.Lock()
	// Logout, login or stop happened while refreshing: their state wins
	if gen != a.generation {
		a.mu.Unlock()
		a.logger.Debug("Refresh result dropped, session changed meanwhile")
		return nil
	}

	var state authstate.State
	switch {
	case err == nil:
		a.logger.Debug("Session refreshed")
		state = a.authenticateLocked(pair)
	case errors.Is(err, apperrors.ErrRefreshTokenExpired),
		errors.Is(err, apperrors.ErrRefreshTokenIsUsed),
		errors.Is(err, apperrors.ErrRefreshTokenNotFound):
		a.logger.Info("Session expired, refresh rejected", "error", err)
		state = a.expireLocked()
	default:
		state = a.failLocked(err)
	}
	v := a.version
	a.mu.Unlock()

	a.publish(v, state)

	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	return nil
}

// Invalidate the scheduled timer, if any
func (a *Agent) resetLocked() {
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) nextVersionLocked() uint64 {
	a.version++
	return a.version
}

// Provider updates happen on the tree's dispatcher to keep them in one logical thread.
// A state that is already superseded when its turn comes is dropped: the newer one follows it.
func (a *Agent) publish(v uint64, state authstate.State) {
	err := a.dispatcher.Post(func() {
		a.mu.Lock()
		stale := v != a.version
		a.mu.Unlock()

		if stale {
			a.logger.Debug("Stale state change dropped", "state", state.String())
			return
		}
		a.provider.Set(state)
	})
	if err != nil {
		a.logger.Warn("State change dropped", "state", state.String(), "error", err)
		return
	}
	a.logger.Debug("State change published", "state", state.String())
}
