package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/authctx/internal/authctx"
	"github.com/nkiryanov/authctx/internal/issuer"
	"github.com/nkiryanov/authctx/internal/logger"
	"github.com/nkiryanov/authctx/internal/session"
	"github.com/nkiryanov/authctx/internal/ui"
)

type DemoApp struct {
	cfg    *Config
	logger logger.Logger

	issuer *issuer.Issuer
	loop   *ui.Loop
	root   *ui.Node
	agent  *session.Agent
}

func NewDemoApp(c *Config) (*DemoApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// In-process issuer with the demo user
	iss, err := issuer.New(issuer.Config{
		SecretKey:  c.SecretKey,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
	}, logger.WithGroup("issuer"))
	if err != nil {
		return nil, fmt.Errorf("error while creating issuer. Err: %w", err)
	}
	if _, err := iss.AddUser(c.Username, c.Password); err != nil {
		return nil, fmt.Errorf("error while adding demo user. Err: %w", err)
	}

	// Tree with the auth provider at its root
	loop := ui.NewLoop(ui.LoopConfig{}, logger)
	root := ui.NewRoot("app")
	provider := authctx.Provide(root, nil)

	agent, err := session.NewAgent(session.Config{}, provider, loop, iss, logger.WithGroup("session"))
	if err != nil {
		return nil, fmt.Errorf("error while creating session agent. Err: %w", err)
	}

	return &DemoApp{
		cfg:    c,
		logger: logger,
		issuer: iss,
		loop:   loop,
		root:   root,
		agent:  agent,
	}, nil
}

// Run logs in and keeps the session alive until ctx is cancelled; then logs out and unmounts
func (a *DemoApp) Run(ctx context.Context) error {
	// The loop outlives ctx so that logout still reaches the views
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- a.loop.Run(loopCtx)
	}()

	var v *views
	if err := a.onLoop(func() { v = mountViews(a.root, a.loop, a.logger) }); err != nil {
		return fmt.Errorf("error while mounting views: %w", err)
	}

	a.agent.Start()
	err := a.agent.Login(ctx, a.cfg.Username, a.cfg.Password)
	if err == nil {
		a.logger.Info("Signed in", "username", a.cfg.Username)
		a.probe(ctx, v.latest)
		a.agent.Logout(context.Background())
	}
	a.agent.Stop()

	if unmountErr := a.onLoop(v.unmount); unmountErr != nil {
		a.logger.Warn("Views not unmounted", "error", unmountErr)
	}

	stopLoop()
	<-loopDone
	a.logger.Info("Demo stopped")

	if err != nil {
		return fmt.Errorf("demo login failed: %w", err)
	}
	return nil
}

// Use the latest access token the way an API client would, until ctx is done
func (a *DemoApp) probe(ctx context.Context, latest *authctx.Latest) {
	if latest == nil {
		a.logger.Warn("API client has no auth provider")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(a.cfg.ProbeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		token, ok := latest.AccessToken()
		if !ok {
			a.logger.Info("API client skipped request, not signed in", "state", latest.State().String())
			continue
		}

		userID, err := a.issuer.ParseAccess(ctx, token)
		if err != nil {
			a.logger.Warn("API client token rejected", "error", err)
			continue
		}
		a.logger.Debug("API client request authorized", "user_id", userID)

		if n := a.issuer.Cleanup(ctx); n > 0 {
			a.logger.Debug("Expired refresh tokens dropped", "count", n)
		}
	}
}

// Run fn on the loop and wait for it. Everything posted before fn has run by then.
func (a *DemoApp) onLoop(fn func()) error {
	done := make(chan struct{})
	err := a.loop.Post(func() {
		fn()
		close(done)
	})
	if err != nil {
		return err
	}

	<-done
	return nil
}
