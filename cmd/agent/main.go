// Command agent holds one arbitrated session for a configured account and
// exits when that session is superseded, revoked or deleted.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"go.pilab.hu/sessionguard/cache"
	"go.pilab.hu/sessionguard/config"
	"go.pilab.hu/sessionguard/device"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/internal/auth"
	"go.pilab.hu/sessionguard/internal/server"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/services"
)

const agentName = "sessionguard-agent/1.0"

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 after a voluntary logout, 1 on
// startup failures and 2 when the session was ended from elsewhere.
func run() int {
	cfg, err := config.Load(os.Getenv("SGUARD_CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := log.NewZerologAdapter(log.ParseLevel(cfg.Log.Level), cfg.Log.Pretty).With(log.Fields{"component": "agent"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	arbCfg, err := cfg.Arbitrator.Services()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid arbitrator configuration")
	}

	idp, err := auth.NewStaticIdentityProvider(nil, cfg.Agent.Accounts...)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid agent accounts")
	}

	backend, err := server.OpenBackend(ctx, cfg.Store)
	if err != nil {
		zlog.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open session record store")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = backend.Close(closeCtx)
	}()

	instance := cache.NewMemoryInstanceStore(0)
	devices := device.NewFingerprintProvider(instance, []device.Source{device.HostSource{Agent: agentName}})

	terminated := make(chan domain.Termination, 1)
	nav := services.FuncNavigator(func(ctx context.Context, t domain.Termination) {
		logger.Warn(ctx, "Session ended: "+t.Message(), log.Fields{"reason": string(t.Reason)})
		terminated <- t
	})

	arb := services.NewSessionArbitrator(
		backend.Store, idp, devices, instance, services.NewOnceNavigator(nav), logger,
		services.WithArbitratorConfig(arbCfg),
		services.WithSubscriber(services.NewSubscriptionMux(backend.Store, logger)),
	)

	creds := domain.Credentials{Username: cfg.Agent.Username, Password: cfg.Agent.Password}
	if err := arb.Login(ctx, creds); err != nil {
		logger.Error(ctx, "Login failed", err, log.Fields{"username": creds.Username})
		return 1
	}
	sid, _ := arb.SessionID()
	logger.Info(ctx, "Session active", log.Fields{"session_id": sid, "device_id": devices.Issue(false)})

	select {
	case t := <-terminated:
		return exitCode(t)
	case <-ctx.Done():
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(logoutCtx, arb, logger)
	}
}

// sessionEnder is the part of the arbitrator shutdown needs.
type sessionEnder interface {
	Logout(ctx context.Context) error
	Termination() (domain.Termination, bool)
}

func exitCode(t domain.Termination) int {
	if t.Reason != domain.ReasonUserInitiated {
		return 2
	}
	return 0
}

// shutdown signs out after a signal. A session ended from elsewhere while the
// signal was being handled keeps the exit code of that termination.
func shutdown(ctx context.Context, arb sessionEnder, logger log.Logger) int {
	err := arb.Logout(ctx)
	if err == nil {
		return 0
	}
	if t, ok := arb.Termination(); ok && errors.Is(err, domain.ErrNotActive) {
		logger.Info(ctx, "Session already ended", log.Fields{"reason": string(t.Reason)})
		return exitCode(t)
	}
	logger.Error(ctx, "Logout failed", err)
	return 1
}
