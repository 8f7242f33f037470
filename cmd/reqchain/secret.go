package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/reqchain/internal/secrets"
)

func (c *cli) secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted secrets referenced as ${{secrets.KEY}}",
		Long: `Secrets are encrypted with a key derived from vault_key and resolved only
while a request is built. Reference them in paths, headers, query values,
bodies, or credentials as ${{secrets.KEY}}.`,
	}

	set := &cobra.Command{
		Use:   "set <KEY> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				vault, err := a.requireVault()
				if err != nil {
					return err
				}
				var value string
				if len(args) == 2 {
					value = args[1]
				} else {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read secret: %w", err)
					}
					value = strings.TrimRight(string(data), "\r\n")
				}
				if err := vault.Store(ctx, args[0], []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				vault, err := a.requireVault()
				if err != nil {
					return err
				}
				keys, err := vault.List(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(keys) == 0 {
					fmt.Fprintln(w, "no secrets")
					return nil
				}
				for _, k := range keys {
					fmt.Fprintf(w, "%s\n", k)
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <KEY>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				vault, err := a.requireVault()
				if err != nil {
					return err
				}
				if err := vault.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	refs := &cobra.Command{
		Use:   "refs <id>",
		Short: "List the secrets a workflow references and whether each is stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.store.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				keys := secrets.DocumentRefs(doc)
				w := cmd.OutOrStdout()
				if len(keys) == 0 {
					fmt.Fprintln(w, "no secret references")
					return nil
				}
				stored := map[string]bool{}
				if a.vault != nil {
					names, err := a.vault.List(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						stored[n] = true
					}
				}
				for _, k := range keys {
					state := "missing"
					if stored[k] {
						state = "stored"
					}
					fmt.Fprintf(w, "%s\t%s\n", k, state)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(set, list, del, refs)
	return cmd
}
