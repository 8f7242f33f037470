package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/reqchain/internal/diagram"
	"github.com/rendis/reqchain/internal/exchange"
	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/internal/runner"
	"github.com/rendis/reqchain/internal/scheduler"
	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/transport"
	"github.com/rendis/reqchain/pkg/schema"
)

// withApp opens the app for one command and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, c.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate and save a workflow from an exported JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc *schema.WorkflowDocument
			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".yaml", ".yml":
				doc, err = exchange.ImportYAML(data)
			default:
				doc, err = exchange.Import(data)
			}
			if err != nil {
				return err
			}

			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				issues := a.validator.Validate(doc)
				printIssues(cmd.ErrOrStderr(), issues)
				if err := issues.ToError(); err != nil {
					return err
				}
				if err := a.store.CreateWorkflow(ctx, doc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%d steps)\n", doc.ID, len(doc.Steps))
				return nil
			})
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a workflow without its storage identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.store.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				var data []byte
				switch format {
				case "json":
					data, err = exchange.Export(doc)
				case "yaml", "yml":
					data, err = exchange.ExportYAML(doc)
				default:
					return fmt.Errorf("unknown format %q (want json or yaml)", format)
				}
				if err != nil {
					return err
				}
				if output != "" {
					return os.WriteFile(output, data, 0o644)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				docs, err := a.store.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tSERVER\tUPDATED")
				for _, d := range docs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.Name, len(d.Steps), d.ServerURL, d.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow's steps, extractions, and lint issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.store.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s)\n", doc.Name, doc.ID)
				if doc.Description != "" {
					fmt.Fprintln(out, doc.Description)
				}
				fmt.Fprintf(out, "server: %s\n", doc.ServerURL)
				if doc.SharedAuth != nil {
					fmt.Fprintf(out, "auth: %s\n", doc.SharedAuth.Type)
				}
				for _, step := range doc.Steps {
					method := step.Request.Method
					if method == "" {
						method = "GET"
					}
					fmt.Fprintf(out, "%2d. %s  %s %s\n", step.Order, step.Name, strings.ToUpper(method), step.Request.Path)
					for _, ex := range step.Extractions {
						fmt.Fprintf(out, "      %s <- %s\n", ex.Name, ex.JSONPath)
					}
					if step.Expect != "" {
						fmt.Fprintf(out, "      expect %s\n", step.Expect)
					}
				}
				printIssues(out, a.validator.Validate(doc))
				return nil
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow with its run history and schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteWorkflow(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var showBodies bool
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a workflow; Ctrl-C aborts the step in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				r := a.newRunner(nil)
				out := cmd.OutOrStdout()

				interrupt := make(chan os.Signal, 1)
				signal.Notify(interrupt, os.Interrupt)
				defer signal.Stop(interrupt)
				stop := make(chan struct{})
				defer close(stop)
				go func() {
					select {
					case <-interrupt:
						fmt.Fprintln(cmd.ErrOrStderr(), "aborting...")
						r.Abort()
					case <-stop:
					}
				}()

				res, err := r.RunSaved(ctx, args[0], store.TriggerManual, progressPrinter(out, showBodies))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "run %s %s in %s\n", res.RunID, res.Status, res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
				for _, name := range sortedNames(res.Variables) {
					fmt.Fprintf(out, "  %s = %s\n", name, expressions.Substitute("{{"+name+"}}", res.Variables))
				}
				if res.Status != schema.RunStatusCompleted {
					return fmt.Errorf("run %s", res.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showBodies, "bodies", false, "print response bodies")
	return cmd
}

// progressPrinter reports each step as it starts and finishes.
func progressPrinter(w io.Writer, showBodies bool) runner.Observer {
	return runner.ObserverFuncs{
		OnStart: func(i int, step schema.WorkflowStep) {
			fmt.Fprintf(w, "[%d] %s ... ", i, step.Name)
		},
		OnComplete: func(_ int, _ schema.WorkflowStep, res schema.StepExecutionResult) {
			switch {
			case res.Response != nil && res.Status == schema.StepStatusSuccess:
				fmt.Fprintf(w, "%s (%dms)\n", transport.DescribeStatus(res.Response), res.Response.Time)
			case res.Response != nil:
				fmt.Fprintf(w, "%s: %s\n", transport.DescribeStatus(res.Response), res.Error)
			default:
				fmt.Fprintf(w, "%s: %s\n", res.Status, res.Error)
			}
			if showBodies && res.Response != nil && res.Response.Body != "" {
				fmt.Fprintln(w, res.Response.Body)
			}
		},
	}
}

func (c *cli) varsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vars <id> <stepIndex>",
		Short: "List the {{name}} variables available to a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step index %q is not a number", args[1])
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.store.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				vars := expressions.AvailableVariables(doc.Steps, index)
				if len(vars) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no variables in scope")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VARIABLE\tFROM STEP")
				for _, v := range vars {
					fmt.Fprintf(tw, "{{%s}}\t%s\n", v.Name, v.StepName)
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "List past runs of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				runs, err := a.store.ListRuns(ctx, args[0], limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTATUS\tTRIGGER\tSTEPS\tSTARTED")
				for _, r := range runs {
					started := "-"
					if r.StartedAt != nil {
						started = r.StartedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Status, r.Trigger, len(r.Results), started)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	return cmd
}

func (c *cli) diagramCmd() *cobra.Command {
	var format, runID, output string
	cmd := &cobra.Command{
		Use:   "diagram <id>",
		Short: "Draw a workflow's steps and the variables passed between them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				doc, err := a.store.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				var results []schema.StepExecutionResult
				if runID != "" {
					run, err := a.store.GetRun(ctx, runID)
					if err != nil {
						return err
					}
					if run.WorkflowID != doc.ID {
						return fmt.Errorf("run %s belongs to workflow %s", runID, run.WorkflowID)
					}
					results = run.Results
				}
				model, err := diagram.Build(doc, results)
				if err != nil {
					return err
				}

				var data []byte
				switch format {
				case "ascii":
					data = []byte(diagram.RenderASCII(model))
				case "mermaid":
					data = []byte(diagram.RenderMermaid(model))
				case "png", "svg":
					data, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(format))
					if err != nil {
						return err
					}
				default:
					return fmt.Errorf("unknown format %q (want ascii, mermaid, png, or svg)", format)
				}
				if output != "" {
					return os.WriteFile(output, data, 0o644)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "ascii, mermaid, png, or svg")
	cmd.Flags().StringVar(&runID, "run", "", "overlay the step outcomes of this run")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron schedules for saved workflows",
	}

	add := &cobra.Command{
		Use:   "add <id> <cron>",
		Short: `Schedule a workflow with a 5-field cron expression, e.g. "*/15 * * * *"`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetWorkflow(ctx, args[0]); err != nil {
					return err
				}
				s := scheduler.NewScheduler(a.store, nil, a.cfg.SchedulePollInterval, a.logger)
				sched, err := s.Add(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s, next run %s\n", sched.ID, sched.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				schedules, err := a.store.ListSchedules(ctx, store.ScheduleFilter{})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWORKFLOW\tCRON\tENABLED\tNEXT\tLAST")
				for _, s := range schedules {
					next := "-"
					if s.NextRunAt != nil {
						next = s.NextRunAt.Format(time.RFC3339)
					}
					last := s.LastRunStatus
					if last == "" {
						last = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", s.ID, s.WorkflowID, s.CronExpression, s.Enabled, next, last)
				}
				return tw.Flush()
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <scheduleId>",
		Short: "Remove a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteSchedule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	for _, issue := range result.Issues() {
		fmt.Fprintln(w, issue.String())
	}
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
