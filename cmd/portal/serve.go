package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airfi/airfi-voucher-portal/internal/activity"
	"github.com/airfi/airfi-voucher-portal/internal/api"
	"github.com/airfi/airfi-voucher-portal/internal/auth"
	"github.com/airfi/airfi-voucher-portal/internal/identity"
	"github.com/airfi/airfi-voucher-portal/internal/redemption"
	"github.com/airfi/airfi-voucher-portal/internal/session"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portal API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	cfg := a.cfg

	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("  AirFi Voucher Portal")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("  Database: SQLite (%s)\n", cfg.DB.Path)

	enactor, err := a.enactor()
	if err != nil {
		return fmt.Errorf("failed to create firewall driver: %w", err)
	}
	fmt.Printf("  Firewall: %s\n", cfg.Firewall.Driver)
	if err := enactor.TestConnection(ctx); err != nil {
		logger.Warn("firewall connection test failed", zap.Error(err))
	}

	var jwtService *auth.JWTService
	keyPair, err := auth.LoadOrGenerateKeyPair(cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath)
	if err != nil {
		logger.Warn("dashboard API disabled", zap.Error(err))
	} else {
		jwtService = auth.NewJWTService(keyPair, cfg.Auth.Issuer)
		fmt.Println("  JWT Service: Initialized")
	}
	if cfg.Auth.IssuanceKey == "" {
		logger.Warn("auth.issuance_key is empty, voucher issuance over HTTP is disabled")
	}

	vouchers := a.ledger()
	sessions := session.NewStore(a.db)
	activityLog := activity.NewLog(a.db)

	resolver := identity.NewResolver(identity.Config{
		TablePath: cfg.Identity.TablePath,
		Probe:     cfg.Identity.Probe,
	}, identity.PingProber{Timeout: cfg.Identity.ProbeTimeout}, logger.Named("identity"))

	svc := redemption.NewService(a.db, vouchers, sessions, activityLog, resolver, enactor, logger.Named("redemption"))
	if cfg.Nudge.Enabled {
		svc.SetNudger(redemption.NewHTTPNudger(resolver, cfg.Nudge.Timeout, logger.Named("nudge")))
	}

	sweeper := session.NewSweeper(sessions, enactor, session.SweeperConfig{
		Interval: cfg.Sweeper.Interval,
	}, logger.Named("sweeper"))

	if cfg.Firewall.RestoreOnStart {
		if _, err := sweeper.Restore(ctx); err != nil {
			logger.Warn("failed to restore active sessions", zap.Error(err))
		}
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	handler := api.NewHandler(api.Deps{
		DB:          a.db,
		Redemption:  svc,
		Vouchers:    vouchers,
		Sessions:    sessions,
		Activity:    activityLog,
		Enactor:     enactor,
		JWT:         jwtService,
		IssuanceKey: cfg.Auth.IssuanceKey,
	}, logger.Named("api"))

	router, err := api.NewRouter(handler, api.RouterConfig{
		TrustedProxies: cfg.HTTP.TrustedProxies,
		RedeemRate:     cfg.HTTP.RedeemRate,
		RedeemBurst:    cfg.HTTP.RedeemBurst,
	}, logger.Named("http"))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("  Listening on %s\n", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	fmt.Println("\n  Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
