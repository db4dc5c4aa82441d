package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/webverify/internal/attr"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/pool"
	"github.com/roach88/webverify/internal/session"
	"github.com/roach88/webverify/internal/verify"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Editors int
	Limit   int
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Work the queue with concurrent simulated editors",
		Long: `Start the verification service and let N editors work the queue at once.
Each editor has its own web session and repeatedly opens the next file,
views every page with read-ahead, stages an edit on page 1, commits it and
completes the file, until the queue is empty or --limit files are done.

Example:
  webverify simulate --db ./engine.db --editors 4
  webverify simulate --config ./webverify.yaml --editors 2 --limit 10 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Editors, "editors", "n", 2, "number of concurrent editors")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many files (0: until the queue is empty)")

	return cmd
}

type editorResult struct {
	User      string `json:"user"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

type simulateReport struct {
	Editors   []editorResult `json:"editors"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Pool      pool.Stats     `json:"pool"`
}

func (r simulateReport) String() string {
	s := fmt.Sprintf("Completed %d file(s), %d failed, %d editor(s)", r.Completed, r.Failed, len(r.Editors))
	for _, e := range r.Editors {
		s += fmt.Sprintf("\n  %-10s completed=%d failed=%d", e.User, e.Completed, e.Failed)
	}
	return s
}

// budget hands out at most limit file slots across editors.
type budget struct {
	mu    sync.Mutex
	left  int
	unlim bool
}

func (b *budget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unlim {
		return true
	}
	if b.left == 0 {
		return false
	}
	b.left--
	return true
}

func runSimulate(cmd *cobra.Command, opts *SimulateOptions) error {
	if opts.Editors < 1 {
		return NewExitError(ExitCommandError, "--editors must be at least 1")
	}
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()
	if opts.Editors > e.cfg.Pool.MaxSize {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("--editors %d exceeds pool.max_size %d", opts.Editors, e.cfg.Pool.MaxSize))
	}

	ctx, cancel := signalContext(cmd, e.logger)
	defer cancel()

	svc, err := e.service(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	b := &budget{left: opts.Limit, unlim: opts.Limit <= 0}
	results := make([]editorResult, opts.Editors)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		results[i].User = fmt.Sprintf("editor%d", i+1)
		g.Go(func() error {
			return runEditor(gctx, svc, e.cfg.Database.Server, e.cfg.Database.Database, e.cfg.Session.Workflow, b, &results[i])
		})
	}
	if err := g.Wait(); err != nil {
		return e.fail("simulation failed", err)
	}

	report := simulateReport{Editors: results, Pool: svc.Stats()}
	for _, r := range results {
		report.Completed += r.Completed
		report.Failed += r.Failed
	}
	return e.out.Success(report)
}

// runEditor works the queue as one web session until it is empty. A file
// whose handling fails is closed as failed and counted; infrastructure
// errors stop the editor.
func runEditor(ctx context.Context, svc *verify.Service, server, database, workflow string, b *budget, res *editorResult) error {
	lc := pool.LogicalContext{
		SessionID: verify.NewSessionID(),
		User:      res.User,
		Server:    server,
		Database:  database,
		WebConfig: "simulate",
		Workflow:  workflow,
	}
	defer func() {
		// Logout needs to run even when ctx is cancelled.
		_, _ = svc.Logout(context.WithoutCancel(ctx), lc.SessionID)
	}()

	for b.take() {
		var done bool
		err := svc.Do(ctx, lc, func(w *verify.Workspace) error {
			doc, err := w.OpenDocument(ctx, session.OpenRequest{})
			if fault.IsNotFound(err) {
				done = true
				return nil
			}
			if err != nil {
				return err
			}

			if verr := verifyDocument(ctx, w, doc, res.User); verr != nil {
				res.Failed++
				_, err = w.CloseDocument(ctx, session.CloseRequest{Outcome: session.Failed, Err: verr})
				return err
			}
			if _, err := w.CloseDocument(ctx, session.CloseRequest{Outcome: session.Committed}); err != nil {
				return err
			}
			res.Completed++
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func verifyDocument(ctx context.Context, w *verify.Workspace, doc pool.DocOpen, user string) error {
	for page := 1; page <= doc.Pages; page++ {
		if _, err := w.GetPageImage(ctx, page, true); err != nil {
			return err
		}
	}
	if _, err := w.GetDocumentData(ctx, true); err != nil {
		return err
	}
	edit := []attr.Attribute{{
		Name:  "VerifiedBy",
		Value: user,
		Zones: []attr.Zone{{Page: 1}},
	}}
	if err := w.EditPageData(ctx, 1, edit); err != nil {
		return err
	}
	_, err := w.CommitCachedDocumentData(ctx)
	return err
}
