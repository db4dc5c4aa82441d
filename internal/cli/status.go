package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and page cache status",
		Long: `Summarize the engine database: files per action and status, open engine and
task sessions, and the size and age of the page cache.

Example:
  webverify status --db ./engine.db
  webverify status --db ./engine.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

type statusReport struct {
	Queues             map[string]map[string]int `json:"queues"`
	OpenEngineSessions int                       `json:"open_engine_sessions"`
	OpenTaskSessions   int                       `json:"open_task_sessions"`
	CacheRows          int                       `json:"cache_rows"`
	CrucialRows        int                       `json:"crucial_rows"`
	CacheBytes         int64                     `json:"cache_bytes"`
	CacheSize          string                    `json:"cache_size"`
	OldestCacheWrite   *time.Time                `json:"oldest_cache_write,omitempty"`
}

func (r statusReport) String() string {
	var b strings.Builder
	actions := make([]string, 0, len(r.Queues))
	for a := range r.Queues {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		statuses := make([]string, 0, len(r.Queues[a]))
		for s, n := range r.Queues[a] {
			statuses = append(statuses, fmt.Sprintf("%s=%d", s, n))
		}
		sort.Strings(statuses)
		fmt.Fprintf(&b, "%-12s %s\n", a, strings.Join(statuses, " "))
	}
	fmt.Fprintf(&b, "sessions     engine=%d task=%d\n", r.OpenEngineSessions, r.OpenTaskSessions)
	fmt.Fprintf(&b, "page cache   %s rows (%s crucial), %s",
		humanize.Comma(int64(r.CacheRows)), humanize.Comma(int64(r.CrucialRows)), r.CacheSize)
	if r.OldestCacheWrite != nil {
		fmt.Fprintf(&b, ", oldest written %s", humanize.Time(*r.OldestCacheWrite))
	}
	return b.String()
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	e, err := openEnv(cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	st, err := e.store.Stats(cmd.Context())
	if err != nil {
		return e.fail("failed to read status", err)
	}
	report := statusReport{
		Queues:             st.Statuses,
		OpenEngineSessions: st.OpenEngineSessions,
		OpenTaskSessions:   st.OpenTaskSessions,
		CacheRows:          st.CacheRows,
		CrucialRows:        st.CrucialRows,
		CacheBytes:         st.CacheBytes,
		CacheSize:          humanize.Bytes(uint64(st.CacheBytes)),
	}
	if !st.OldestCacheWrite.IsZero() {
		oldest := st.OldestCacheWrite
		report.OldestCacheWrite = &oldest
	}
	return e.out.Success(report)
}
