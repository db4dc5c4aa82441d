package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/pagesource"
	"github.com/roach88/webverify/internal/store"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Pages    int
	Priority int
	User     string
	Skipped  bool
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <document>...",
		Short: "Add documents to the verification queue",
		Long: `Register documents in the configured workflow and queue them for the
verification action. Page counts are read from each document's PDF form
unless --pages is given.

Example:
  webverify enqueue --db ./engine.db scans/invoice-001.tif scans/invoice-002.tif
  webverify enqueue --db ./engine.db --priority 5 --user alice urgent.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args)
		},
	}

	cmd.Flags().IntVar(&opts.Pages, "pages", 0, "page count for every document (default: read from the document)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "queue priority, higher first")
	cmd.Flags().StringVar(&opts.User, "user", "", "assign the documents to a user")
	cmd.Flags().BoolVar(&opts.Skipped, "skipped", false, "queue as skipped instead of pending")

	return cmd
}

type enqueued struct {
	FileID int64  `json:"file_id"`
	Path   string `json:"path"`
	Pages  int    `json:"pages"`
}

type enqueueReport struct {
	Files []enqueued `json:"files"`
}

func (r enqueueReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queued %d document(s)", len(r.Files))
	for _, f := range r.Files {
		fmt.Fprintf(&b, "\n  %d  %s (%d pages)", f.FileID, f.Path, f.Pages)
	}
	return b.String()
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions, paths []string) error {
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	status := backend.StatusPending
	if opts.Skipped {
		status = backend.StatusSkipped
	}
	source := pagesource.New(pagesource.WithLogger(e.logger))

	report := enqueueReport{Files: []enqueued{}}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid path", err)
		}
		pages := opts.Pages
		if pages <= 0 {
			pages, err = source.PageCount(ctx, abs)
			if err != nil {
				return e.fail(fmt.Sprintf("failed to read %s", p), err)
			}
		}
		id, err := e.store.AddFile(ctx, store.NewFile{
			Path:     abs,
			Pages:    pages,
			Workflow: e.cfg.Session.Workflow,
			Action:   e.cfg.Session.Action,
			Status:   status,
			User:     opts.User,
			Priority: opts.Priority,
		})
		if err != nil {
			return e.fail(fmt.Sprintf("failed to enqueue %s", p), err)
		}
		e.logger.Debug("document queued", "file_id", id, "path", abs, "pages", pages)
		report.Files = append(report.Files, enqueued{FileID: id, Path: abs, Pages: pages})
	}
	return e.out.Success(report)
}
