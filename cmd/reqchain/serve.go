package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rendis/reqchain/internal/logging"
	"github.com/rendis/reqchain/internal/scheduler"
	"github.com/rendis/reqchain/internal/streaming"
	"github.com/rendis/reqchain/pkg/mcp"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio and run scheduled workflows",
		Long: `serve speaks MCP on stdin/stdout and polls for due schedules in the
background, relaying scheduled-run progress to connected clients as
notifications. Logs go to stderr. Editing the settings file (or sending SIGHUP)
applies a new log_level immediately; other changes need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(cmd, func(_ context.Context, a *app) error {
				hub := streaming.NewMemoryHub()
				r := a.newRunner(hub)

				sched := scheduler.NewScheduler(a.store, r, a.cfg.SchedulePollInterval, a.logger)
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()

				reload := c.watchConfig(a)
				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)
				go func() {
					for {
						select {
						case <-hup:
							if err := c.v.ReadInConfig(); err != nil {
								a.logger.Warn("settings reload failed", "error", err)
								continue
							}
							reload()
						case <-ctx.Done():
							return
						}
					}
				}()

				srv := mcp.NewServer(mcp.ServerDeps{
					Store:     a.store,
					Runner:    r,
					Validator: a.validator,
					Hub:       hub,
					Logger:    a.logger,
					Version:   version,
				})
				a.logger.Info("serving MCP on stdio", "db", a.cfg.DBPath, "poll_interval", a.cfg.SchedulePollInterval)
				err := srv.Serve(ctx)
				if n := hub.Dropped(); n > 0 {
					a.logger.Warn("progress notifications dropped for slow subscribers", "count", n)
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
}

// watchConfig applies settings-file edits to the running app and returns
// the reload func so other triggers can reuse it.
func (c *cli) watchConfig(a *app) func() {
	var mu sync.Mutex
	current := a.cfg

	reload := func() {
		var next Config
		if err := c.v.Unmarshal(&next); err != nil {
			a.logger.Warn("settings reload failed", "error", err)
			return
		}
		mu.Lock()
		d := diffConfigs(current, next)
		current = next
		mu.Unlock()

		if d.LogLevelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			a.logger.Info("log level changed", "level", next.LogLevel)
		}
		if len(d.RestartNeeded) > 0 {
			a.logger.Warn("settings changed; restart serve to apply", "fields", d.RestartNeeded)
		}
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		a.logger.Debug("settings file changed", "file", e.Name, "op", e.Op.String())
		reload()
	})
	c.v.WatchConfig()
	return reload
}
