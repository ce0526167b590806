package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/stepflow/config"
)

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "stepflow",
		Short: "Run DAG workflows built from templates",
		Long: `stepflow creates workflows from registered templates and executes their
steps in dependency order, retrying failed steps with backoff. Workflow state
is kept in the configured store (memory, redis or postgres).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")

	withApp := func(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.close(context.Background()); cerr != nil && err == nil {
					err = cerr
				}
			}()
			return fn(ctx, cmd, a, args)
		}
	}

	root.AddCommand(
		newTemplatesCommand(withApp),
		newRunCommand(withApp),
		newShowCommand(withApp),
		newListCommand(withApp),
		newResumeCommand(withApp),
		newPauseCommand(withApp),
		newCancelCommand(withApp),
		newPruneCommand(withApp),
	)
	return root
}

type appRunner func(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newTemplatesCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List registered workflow types",
		Args:  cobra.NoArgs,
		RunE: withApp(func(_ context.Context, cmd *cobra.Command, a *app, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"templates": a.engine.Templates(),
				"handlers":  a.engine.Handlers(),
			})
		}),
	}
}

func newRunCommand(withApp appRunner) *cobra.Command {
	var (
		owner      string
		rawParams  []string
		createOnly bool
	)
	cmd := &cobra.Command{
		Use:   "run <type>",
		Short: "Create a workflow from a template and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			id, err := a.engine.CreateWorkflow(ctx, args[0], owner, params)
			if err != nil {
				return err
			}
			if createOnly {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"workflow_id": id})
			}
			summary, execErr := a.engine.ExecuteWorkflow(ctx, id)
			if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return execErr
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the workflow")
	cmd.Flags().StringArrayVar(&rawParams, "param", nil, "template parameter as key=value, repeatable")
	cmd.Flags().BoolVar(&createOnly, "create-only", false, "create the workflow without executing it")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newShowCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a workflow with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			wf, err := a.engine.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), wf)
		}),
	}
}

func newListCommand(withApp appRunner) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, optionally for one owner",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			wfs, err := a.engine.ListWorkflows(ctx, owner)
			if err != nil {
				return err
			}
			summaries := make([]interface{}, len(wfs))
			for i := range wfs {
				summaries[i] = wfs[i].Summarize()
			}
			return writeJSON(cmd.OutOrStdout(), summaries)
		}),
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only list workflows of this owner")
	return cmd
}

func newResumeCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Execute a pending, paused or interrupted workflow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			summary, execErr := a.engine.ExecuteWorkflow(ctx, args[0])
			if summary.WorkflowID == "" {
				return execErr
			}
			if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return execErr
		}),
	}
}

func newCancelCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a workflow that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.engine.CancelWorkflow(ctx, args[0]); err != nil {
				return err
			}
			wf, err := a.engine.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), wf.Summarize())
		}),
	}
}

func newPauseCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a workflow; resume continues it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.engine.PauseWorkflow(ctx, args[0]); err != nil {
				return err
			}
			wf, err := a.engine.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), wf.Summarize())
		}),
	}
}

func newPruneCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete completed, failed and cancelled workflows from the store",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			before, err := a.engine.ListWorkflows(ctx, "")
			if err != nil {
				return err
			}
			if _, err := a.engine.ClearFinished(ctx); err != nil {
				return err
			}
			after, err := a.engine.ListWorkflows(ctx, "")
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{
				"removed":   len(before) - len(after),
				"remaining": len(after),
			})
		}),
	}
}

// parseParams turns key=value pairs into template params. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
