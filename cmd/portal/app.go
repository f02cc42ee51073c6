package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/airfi/airfi-voucher-portal/internal/config"
	"github.com/airfi/airfi-voucher-portal/internal/db"
	"github.com/airfi/airfi-voucher-portal/internal/firewall"
	"github.com/airfi/airfi-voucher-portal/internal/voucher"
)

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *db.DB
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	database, err := db.Open(ctx, cfg.DB.Path)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &app{cfg: cfg, logger: logger, db: database}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.logger.Sync()
}

func (a *app) ledger() *voucher.Ledger {
	return voucher.NewLedger(a.db, &voucher.Config{
		Prefix:                 a.cfg.Voucher.Prefix,
		CodeLength:             a.cfg.Voucher.CodeLength,
		MaxAttempts:            a.cfg.Voucher.MaxAttempts,
		DefaultDurationMinutes: a.cfg.Voucher.DurationMinutes,
	})
}

func (a *app) enactor() (firewall.Enactor, error) {
	fw := a.cfg.Firewall
	switch fw.Driver {
	case config.DriverScript:
		return firewall.NewScriptEnactor(firewall.ScriptConfig{
			AdmitCommand:  fw.AdmitCommand,
			RevokeCommand: fw.RevokeCommand,
			Timeout:       fw.Timeout,
		}, a.logger.Named("firewall"))
	case config.DriverOpenNDS:
		return firewall.NewOpenNDSEnactor(firewall.OpenNDSConfig{
			Address:        fw.OpenNDS.Address,
			Port:           fw.OpenNDS.Port,
			Username:       fw.OpenNDS.Username,
			Password:       fw.OpenNDS.Password,
			PrivateKey:     fw.OpenNDS.PrivateKey,
			KnownHostsFile: fw.OpenNDS.KnownHostsFile,
			AuthTimeout:    fw.OpenNDS.AuthTimeout,
			CommandTimeout: fw.Timeout,
		}, a.logger.Named("opennds"))
	default:
		return firewall.NoopEnactor{}, nil
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
