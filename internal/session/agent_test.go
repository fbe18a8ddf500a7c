package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authctx/internal/apperrors"
	"github.com/nkiryanov/authctx/internal/authctx"
	"github.com/nkiryanov/authctx/internal/authstate"
	"github.com/nkiryanov/authctx/internal/models"
	"github.com/nkiryanov/authctx/internal/ui"
)

// Issuer stub; nil funcs fail the call
type stubIssuer struct {
	mu           sync.Mutex
	login        func(username, password string) (models.TokenPair, error)
	refresh      func(refresh string) (models.TokenPair, error)
	refreshCalls []string
	revoked      []string
}

func (s *stubIssuer) Login(_ context.Context, username string, password string) (models.TokenPair, error) {
	if s.login == nil {
		return models.TokenPair{}, errors.New("login not stubbed")
	}
	return s.login(username, password)
}

func (s *stubIssuer) Refresh(_ context.Context, refresh string) (models.TokenPair, error) {
	s.mu.Lock()
	s.refreshCalls = append(s.refreshCalls, refresh)
	s.mu.Unlock()

	if s.refresh == nil {
		return models.TokenPair{}, errors.New("refresh not stubbed")
	}
	return s.refresh(refresh)
}

func (s *stubIssuer) Revoke(_ context.Context, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, refresh)
	return nil
}

func (s *stubIssuer) calls() (refreshed []string, revoked []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.refreshCalls...), append([]string(nil), s.revoked...)
}

func pair(access string, refresh string, expiresIn time.Duration) models.TokenPair {
	now := time.Now()
	return models.TokenPair{
		Access:  models.IssuedToken{Value: access, ExpiresAt: now.Add(expiresIn)},
		Refresh: models.IssuedToken{Value: refresh, ExpiresAt: now.Add(time.Hour)},
	}
}

// Records every state the provider broadcasts
type observer struct {
	mu     sync.Mutex
	states []authstate.State
}

func (o *observer) last() authstate.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.states) == 0 {
		return nil
	}
	return o.states[len(o.states)-1]
}

func (o *observer) all() []authstate.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]authstate.State(nil), o.states...)
}

// Tree with the provider at the root and an observer subscribed from a child component
func newAgent(t *testing.T, issuer Issuer) (*Agent, *observer) {
	t.Helper()
	return newAgentWith(t, issuer, ui.Inline{})
}

func newAgentWith(t *testing.T, issuer Issuer, d ui.Dispatcher) (*Agent, *observer) {
	t.Helper()

	root := ui.NewRoot("app")
	provider := authctx.Provide(root, nil)

	agent, err := NewAgent(Config{
		RefreshGrace:    time.Millisecond,
		MinRefreshDelay: time.Millisecond,
	}, provider, d, issuer, nil)
	require.NoError(t, err)
	t.Cleanup(agent.Stop)

	obs := &observer{}
	scope := ui.NewScope(root.Child("observer"), nil, func(authstate.State) {})
	snapshot, handle := authctx.FromScope(scope).SubscribeRaw(ui.NewCallback(func(s authstate.State) {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		obs.states = append(obs.states, s)
	}))
	require.NotNil(t, handle)
	require.Equal(t, authstate.State(authstate.NotInitialized{}), *snapshot)
	t.Cleanup(handle.Release)

	return agent, obs
}

func TestNewAgent(t *testing.T) {
	provider := authctx.Provide(ui.NewRoot("app"), nil)

	t.Run("defaults", func(t *testing.T) {
		agent, err := NewAgent(Config{}, provider, nil, &stubIssuer{}, nil)
		require.NoError(t, err)

		require.Equal(t, defaultRefreshGrace, agent.cfg.RefreshGrace)
		require.Equal(t, defaultMinRefreshDelay, agent.cfg.MinRefreshDelay)
		require.Equal(t, defaultRequestTimeout, agent.cfg.RequestTimeout)
		require.Equal(t, ui.Inline{}, agent.dispatcher)
	})

	t.Run("negative durations rejected", func(t *testing.T) {
		_, err := NewAgent(Config{RefreshGrace: -time.Second}, provider, nil, &stubIssuer{}, nil)
		require.Error(t, err)
	})

	t.Run("issuer required", func(t *testing.T) {
		_, err := NewAgent(Config{}, provider, nil, nil, nil)
		require.Error(t, err)
	})
}

func TestAgent_Login(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		issued := pair("access-1", "refresh-1", time.Hour)
		agent, obs := newAgent(t, &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) { return issued, nil },
		})

		agent.Start()
		err := agent.Login(t.Context(), "nkiryanov", "pwd")

		require.NoError(t, err)
		require.Equal(t, []authstate.State{
			authstate.NotAuthenticated{Reason: authstate.NewSession},
			authstate.FromTokenPair(issued),
		}, obs.all())

		token, ok := agent.State().AccessToken()
		require.True(t, ok)
		require.Equal(t, "access-1", token)
	})

	t.Run("wrong credentials keep state", func(t *testing.T) {
		agent, obs := newAgent(t, &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return models.TokenPair{}, apperrors.ErrInvalidCredentials
			},
		})

		agent.Start()
		err := agent.Login(t.Context(), "nkiryanov", "wrong")

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, []authstate.State{authstate.NotAuthenticated{Reason: authstate.NewSession}}, obs.all())
	})

	t.Run("issuer failure", func(t *testing.T) {
		agent, obs := newAgent(t, &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return models.TokenPair{}, errors.New("malformed issuer response")
			},
		})

		err := agent.Login(t.Context(), "nkiryanov", "pwd")

		require.Error(t, err)
		require.Equal(t, authstate.State(authstate.Failed{Message: "malformed issuer response"}), obs.last())
	})
}

func TestAgent_Refresh(t *testing.T) {
	t.Run("refresh before expiry", func(t *testing.T) {
		refreshed := pair("access-2", "refresh-2", time.Hour)
		issuer := &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "refresh-1", 20*time.Millisecond), nil
			},
			refresh: func(refresh string) (models.TokenPair, error) { return refreshed, nil },
		}
		agent, obs := newAgent(t, issuer)

		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))

		require.Eventually(t, func() bool {
			token, _ := authstate.AccessToken(obs.last())
			return token == "access-2"
		}, time.Second, 5*time.Millisecond)

		refreshCalls, _ := issuer.calls()
		require.Equal(t, []string{"refresh-1"}, refreshCalls)
		require.Equal(t, authstate.State(authstate.FromTokenPair(refreshed)), agent.State())
	})

	t.Run("rejected refresh expires session", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
		}{
			{"expired", apperrors.ErrRefreshTokenExpired},
			{"used", apperrors.ErrRefreshTokenIsUsed},
			{"not found", apperrors.ErrRefreshTokenNotFound},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				agent, obs := newAgent(t, &stubIssuer{
					login: func(username, password string) (models.TokenPair, error) {
						return pair("access-1", "refresh-1", 20*time.Millisecond), nil
					},
					refresh: func(refresh string) (models.TokenPair, error) {
						return models.TokenPair{}, errors.Join(errors.New("issuer said no"), tt.err)
					},
				})

				require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))

				require.Eventually(t, func() bool {
					return authstate.Equal(obs.last(), authstate.NotAuthenticated{Reason: authstate.Expired})
				}, time.Second, 5*time.Millisecond)
			})
		}
	})

	t.Run("no refresh token expires session", func(t *testing.T) {
		issuer := &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "", 20*time.Millisecond), nil
			},
		}
		agent, obs := newAgent(t, issuer)

		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))
		authenticated, ok := obs.last().(authstate.Authenticated)
		require.True(t, ok)
		require.Nil(t, authenticated.RefreshToken)

		require.Eventually(t, func() bool {
			return authstate.Equal(obs.last(), authstate.NotAuthenticated{Reason: authstate.Expired})
		}, time.Second, 5*time.Millisecond)

		refreshCalls, _ := issuer.calls()
		require.Empty(t, refreshCalls, "nothing to refresh with")
	})

	t.Run("refresh now", func(t *testing.T) {
		issuer := &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "refresh-1", time.Hour), nil
			},
			refresh: func(refresh string) (models.TokenPair, error) {
				return pair("access-2", "refresh-2", time.Hour), nil
			},
		}
		agent, obs := newAgent(t, issuer)
		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))

		err := agent.Refresh(t.Context())

		require.NoError(t, err)
		token, _ := authstate.AccessToken(obs.last())
		require.Equal(t, "access-2", token)
	})

	t.Run("refresh now without refresh token", func(t *testing.T) {
		issuer := &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "", time.Hour), nil
			},
		}
		agent, _ := newAgent(t, issuer)

		require.ErrorIs(t, agent.Refresh(t.Context()), apperrors.ErrNoRefreshToken, "no session yet")

		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))
		require.ErrorIs(t, agent.Refresh(t.Context()), apperrors.ErrNoRefreshToken, "session without refresh token")

		refreshCalls, _ := issuer.calls()
		require.Empty(t, refreshCalls)
	})

	t.Run("refresh now rejected", func(t *testing.T) {
		agent, obs := newAgent(t, &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "refresh-1", time.Hour), nil
			},
			refresh: func(refresh string) (models.TokenPair, error) {
				return models.TokenPair{}, apperrors.ErrRefreshTokenIsUsed
			},
		})
		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))

		err := agent.Refresh(t.Context())

		require.ErrorIs(t, err, apperrors.ErrRefreshTokenIsUsed)
		require.Equal(t, authstate.State(authstate.NotAuthenticated{Reason: authstate.Expired}), obs.last())
	})

	t.Run("refresh failure", func(t *testing.T) {
		agent, obs := newAgent(t, &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "refresh-1", 20*time.Millisecond), nil
			},
			refresh: func(refresh string) (models.TokenPair, error) {
				return models.TokenPair{}, errors.New("issuer unavailable")
			},
		})

		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))

		require.Eventually(t, func() bool {
			return authstate.Equal(obs.last(), authstate.Failed{Message: "issuer unavailable"})
		}, time.Second, 5*time.Millisecond)
	})
}

func TestAgent_Logout(t *testing.T) {
	issuer := &stubIssuer{
		login: func(username, password string) (models.TokenPair, error) {
			return pair("access-1", "refresh-1", 50*time.Millisecond), nil
		},
		refresh: func(refresh string) (models.TokenPair, error) {
			return pair("access-2", "refresh-2", time.Hour), nil
		},
	}
	agent, obs := newAgent(t, issuer)

	agent.Start()
	require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))
	agent.Logout(t.Context())

	// Let the cancelled refresh timer pass its deadline
	time.Sleep(100 * time.Millisecond)

	refreshCalls, revoked := issuer.calls()
	require.Empty(t, refreshCalls, "logout cancels scheduled refresh")
	require.Equal(t, []string{"refresh-1"}, revoked)

	states := obs.all()
	require.Len(t, states, 3)
	require.Equal(t, authstate.State(authstate.NotAuthenticated{Reason: authstate.NewSession}), states[0])
	require.IsType(t, authstate.Authenticated{}, states[1])
	require.Equal(t, authstate.State(authstate.NotAuthenticated{Reason: authstate.Logout}), states[2])
}

func TestAgent_ComponentMessages(t *testing.T) {
	root := ui.NewRoot("app")
	provider := authctx.Provide(root, nil)
	agent, err := NewAgent(Config{}, provider, nil, &stubIssuer{
		login: func(username, password string) (models.TokenPair, error) {
			return pair("access-1", "refresh-1", time.Hour), nil
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(agent.Stop)

	var messages []bool
	scope := ui.NewScope(root.Child("status"), nil, func(signedIn bool) { messages = append(messages, signedIn) })
	_, handle := authctx.FromContext(ui.NewContext(scope)).Subscribe(func(s authstate.State) bool {
		_, ok := s.AccessToken()
		return ok
	})
	require.NotNil(t, handle)
	defer handle.Release()

	agent.Start()
	require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))
	agent.Logout(t.Context())

	require.Equal(t, []bool{false, true, false}, messages)
	require.False(t, scope.IsDestroyed())
}

// Runs the hook once, right before the next posted function
type hookDispatcher struct {
	mu     sync.Mutex
	before func()
}

func (d *hookDispatcher) setBefore(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.before = fn
}

func (d *hookDispatcher) Post(fn func()) error {
	d.mu.Lock()
	hook := d.before
	d.before = nil
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	fn()
	return nil
}

func TestAgent_OverlappingTransitions(t *testing.T) {
	t.Run("logout before refreshed state is published", func(t *testing.T) {
		issuer := &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "refresh-1", time.Hour), nil
			},
			refresh: func(refresh string) (models.TokenPair, error) {
				return pair("access-2", "refresh-2", time.Hour), nil
			},
		}
		d := &hookDispatcher{}
		agent, obs := newAgentWith(t, issuer, d)
		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))

		d.setBefore(func() { agent.Logout(t.Context()) })
		err := agent.Refresh(t.Context())

		require.NoError(t, err)
		_, revoked := issuer.calls()
		require.Equal(t, []string{"refresh-2"}, revoked, "logout revokes the rotated token")

		logout := authstate.State(authstate.NotAuthenticated{Reason: authstate.Logout})
		require.Equal(t, logout, agent.State())
		require.Equal(t, logout, obs.last(), "refreshed state must not be broadcast after logout")
		for _, s := range obs.all() {
			token, _ := authstate.AccessToken(s)
			require.NotEqual(t, "access-2", token)
		}
	})

	t.Run("transitions queued on the loop", func(t *testing.T) {
		loop := ui.NewLoop(ui.LoopConfig{QueueSize: 1}, nil)
		agent, obs := newAgentWith(t, &stubIssuer{
			login: func(username, password string) (models.TokenPair, error) {
				return pair("access-1", "refresh-1", time.Hour), nil
			},
		}, loop)

		// Everything is queued before the loop runs
		agent.Start()
		require.NoError(t, agent.Login(t.Context(), "nkiryanov", "pwd"))
		agent.Logout(t.Context())
		agent.Stop()

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		go func() { _ = loop.Run(ctx) }()

		require.Eventually(t, func() bool {
			return authstate.Equal(agent.State(), authstate.NotAuthenticated{Reason: authstate.Logout})
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, []authstate.State{authstate.NotAuthenticated{Reason: authstate.Logout}}, obs.all(),
			"superseded states are not broadcast")
	})
}
