package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries state shared by every subcommand of one invocation.
type cli struct {
	v          *viper.Viper
	cfg        Config
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "reqchain",
		Short:         "Run ordered chains of HTTP requests that pass values between steps",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `reqchain stores workflows of HTTP request steps. Each step can extract
values from its JSON response and later steps reference them as {{name}}
in the path, headers, query parameters, body, or credentials.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c.v, c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "settings file (default ~/.reqchain/settings.json)")
	flags.String("db", "", "database path (overrides db_path)")
	flags.String("log-level", "", "debug, info, warn, or error (overrides log_level)")
	_ = c.v.BindPFlag("db_path", flags.Lookup("db"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.SetVersionTemplate("{{.Version}}\n")
	root.AddCommand(
		c.importCmd(),
		c.exportCmd(),
		c.listCmd(),
		c.showCmd(),
		c.deleteCmd(),
		c.runCmd(),
		c.varsCmd(),
		c.historyCmd(),
		c.diagramCmd(),
		c.scheduleCmd(),
		c.secretCmd(),
		c.serveCmd(),
		versionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
