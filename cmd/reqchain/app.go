package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/internal/runner"
	"github.com/rendis/reqchain/internal/secrets"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/streaming"
	"github.com/rendis/reqchain/internal/transport"
	"github.com/rendis/reqchain/internal/validation"
	"github.com/rendis/reqchain/internal/workflow"
)

// app is the wired process: config, logger, database, and checkers.
type app struct {
	cfg       Config
	level     *slog.LevelVar
	logger    *slog.Logger
	store     *store.LibSQLStore
	vault     secrets.Vault // nil without vault_key
	expect    *expressions.Expectations
	validator *validation.WorkflowValidator
}

func openApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewWithLevel(level, cfg.LogFormat, logOut)

	dsn := cfg.DBPath
	if !strings.Contains(dsn, ":") || filepath.IsAbs(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	expect, err := expressions.NewExpectations()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	v, err := validation.NewWorkflowValidator(expect)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var vault secrets.Vault
	if cfg.VaultKey != "" {
		salt, err := st.VaultSalt(ctx)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{Passphrase: cfg.VaultKey, Salt: salt})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	return &app{
		cfg:       cfg,
		level:     level,
		logger:    logger,
		store:     st,
		vault:     vault,
		expect:    expect,
		validator: v,
	}, nil
}

// newRunner wires a runner over the app's store. hub may be nil.
func (a *app) newRunner(hub streaming.EventHub) *runner.Runner {
	tr := transport.NewHTTPTransport(transport.HTTPConfig{
		Timeout:              a.cfg.RequestTimeout,
		MaxResponseBytes:     a.cfg.MaxResponseBytes,
		MaxRedirects:         a.cfg.MaxRedirects,
		AllowPrivateNetworks: a.cfg.AllowPrivateNetworks,
	}, a.logger)
	return runner.New(workflow.New(a.store, a.logger), runner.Config{
		Transport:    tr,
		Expectations: a.expect,
		Store:        a.store,
		Secrets:      a.vault,
		Hub:          hub,
		Logger:       a.logger,
	})
}

func (a *app) requireVault() (secrets.Vault, error) {
	if a.vault == nil {
		return nil, fmt.Errorf("no vault configured: set vault_key in settings or REQCHAIN_VAULT_KEY")
	}
	return a.vault, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
