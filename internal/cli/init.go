package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the engine database and its action and workflow",
		Long: `Create the SQLite engine database if it does not exist and register the
configured verification action, post-complete and post-delete actions, and
workflow. Running init again is harmless.

Example:
  webverify init --db ./engine.db
  webverify init --config ./webverify.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, rootOpts)
		},
	}
}

type initReport struct {
	Database string   `json:"database"`
	Workflow string   `json:"workflow"`
	Actions  []string `json:"actions"`
}

func (r initReport) String() string {
	return fmt.Sprintf("Initialized %s (workflow %s, actions %s)",
		r.Database, r.Workflow, strings.Join(r.Actions, ", "))
}

func runInit(cmd *cobra.Command, opts *RootOptions) error {
	e, err := openEnv(cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	report := initReport{Database: e.cfg.Database.Path, Workflow: e.cfg.Session.Workflow}
	if _, err := e.store.EnsureWorkflow(ctx, e.cfg.Session.Workflow); err != nil {
		return e.fail("failed to create workflow", err)
	}
	for _, action := range []string{
		e.cfg.Session.Action,
		e.cfg.Session.PostCompleteAction,
		e.cfg.Session.PostDeleteAction,
	} {
		if action == "" {
			continue
		}
		if _, err := e.store.EnsureAction(ctx, action); err != nil {
			return e.fail("failed to create action", err)
		}
		report.Actions = append(report.Actions, action)
	}

	e.logger.Info("database initialized", "path", report.Database)
	return e.out.Success(report)
}
