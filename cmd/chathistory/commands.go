package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/chathistory/internal/cleanup"
	"github.com/scrypster/chathistory/internal/history"
	"github.com/scrypster/chathistory/internal/migration"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

func migrateCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "migrate [file|dir]",
		Short: "Migrate legacy and hybrid documents to the unified format",
		Long: "Without an argument every history and archive folder under the storage root is migrated.\n" +
			"A directory migrates its documents; a file migrates just that document.",
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 {
				session, err := a.migrator.BatchMigrateProjects(ctx, a.cfg.Storage.Root)
				printSession(a.out, session)
				return err
			}

			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if project == "" {
				// Documents live in <root>/projects/<key>/<area>/.
				dir := filepath.Clean(path)
				if !info.IsDir() {
					dir = filepath.Dir(dir)
				}
				project = filepath.Base(filepath.Dir(dir))
			}
			pi := types.ProjectInfo{ProjectKey: project}

			if info.IsDir() {
				session, err := a.migrator.MigrateDirectory(ctx, path, pi)
				printSession(a.out, session)
				return err
			}

			res, err := a.migrator.MigrateFile(ctx, path, pi)
			if res != nil {
				printResult(a.out, res)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&project, "project", "", "Project key recorded in migrated documents (default: parent folder)")
	return cmd
}

func detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <file>",
		Short: "Report the detected format of a document and whether it would be migrated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d := migration.DetectFormat(raw)
			decision := migration.ShouldMigrate(d)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "format:     %s (%.2f, rule %s)\n", d.Variant, d.Confidence, d.Rule)
			for _, e := range d.Evidence {
				fmt.Fprintf(out, "  - %s\n", e)
			}
			fmt.Fprintf(out, "migrate:    %t (%s)\n", decision.Migrate, decision.Reason)
			return nil
		},
	}
}

func printSession(w io.Writer, s *migration.Session) {
	if s == nil {
		return
	}
	if s.Operator != "" {
		fmt.Fprintf(w, "operator %s\n", s.Operator)
	}
	fmt.Fprintf(w, "session %s: %d files, %d migrated, %d skipped, %d failed, %d messages\n",
		s.ID, s.Total, s.Migrated, s.Skipped, s.Failed, s.MessagesMigrated)
	for _, fe := range s.Errors {
		fmt.Fprintf(w, "  failed: %s\n", fe.Error())
	}
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func printResult(w io.Writer, r *migration.Result) {
	fmt.Fprintf(w, "%s: %s (%s, %s)\n", r.Path, r.Stage, r.Detection.Variant, r.Decision.Reason)
	if r.Migrated {
		fmt.Fprintf(w, "  %d messages, backup %s\n", r.Messages, r.BackupPath)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "  failed at %s, rolled back: %t\n", r.FailedAt, r.RolledBack)
	}
}

func cleanupCmd() *cobra.Command {
	var (
		project string
		dryRun  bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention policy",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			dry := dryRun || a.cfg.Retention.DryRun

			var (
				summaries []*cleanup.Summary
				err       error
			)
			if project != "" {
				var sum *cleanup.Summary
				sum, err = a.cleaner.CleanupProject(ctx, project, dry)
				if sum != nil {
					summaries = append(summaries, sum)
				}
			} else {
				summaries, err = a.cleaner.CleanupAll(ctx, dry)
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(summaries); encErr != nil {
					return encErr
				}
				return err
			}
			for _, s := range summaries {
				printSummary(a.out, s)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&project, "project", "", "Only clean this project key")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report the plan without changing anything")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print summaries as JSON")
	return cmd
}

func printSummary(w io.Writer, s *cleanup.Summary) {
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "%s%s: examined %d, kept %d (%d preserved), archived %d, deleted %d, failed %d\n",
		s.Project, mode, s.Examined, s.Kept, s.Preserved, s.Archived, s.Deleted, s.Failed)
	for _, act := range s.Actions {
		line := fmt.Sprintf("  %-7s %-10s %-6s %s", act.Action, act.Filename, act.Rule, act.Title)
		if act.ArchivedAs != "" && act.ArchivedAs != act.Filename {
			line += " -> archive/" + act.ArchivedAs
		}
		if act.Err != "" {
			line += " (error: " + act.Err + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <project-key> <uuid|filename>",
		Short: "Move an archived conversation back into history",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			name, err := a.cleaner.RestoreFromArchive(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "restored %s as history/%s\n", args[1], name)
			return nil
		}),
	}
}

func showCmd() *cobra.Command {
	var hidden bool
	cmd := &cobra.Command{
		Use:   "show <project-root> [filename]",
		Short: "Print a conversation, the project's latest by default",
		Long: "Print a conversation through the history manager. Stale documents are\n" +
			"migrated first when auto-migration is enabled.",
		Args: cobra.RangeArgs(1, 2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			mgr, err := a.manager()
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close(ctx) }()

			filename := ""
			if len(args) == 2 {
				filename = args[1]
			}
			conv, err := mgr.Load(ctx, history.ProjectContext{RootPath: args[0]}, filename)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%s  %s\n", conv.Filename, conv.Title)
			fmt.Fprintf(a.out, "uuid %s, %d messages\n", conv.ID, len(conv.Messages))
			for _, m := range conv.Messages {
				if !m.Visible && !hidden {
					continue
				}
				fmt.Fprintf(a.out, "\n[%s] %s\n%s\n", m.Role, m.CreatedAt.Local().Format(time.DateTime), m.Content.String())
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&hidden, "all", false, "Include hidden messages")
	return cmd
}

// projectNamespace resolves the namespace a listing command reads: an
// explicit --key wins, otherwise the project root path argument is resolved.
func projectNamespace(key string, args []string, archived bool) (storage.Namespace, error) {
	if key == "" {
		if len(args) == 0 {
			return storage.Namespace{}, fmt.Errorf("a project root path or --key is required")
		}
		key = history.ResolveLocation(history.ProjectContext{RootPath: args[0]})
	}
	if archived {
		return storage.Archived(key), nil
	}
	return storage.History(key), nil
}

func listCmd() *cobra.Command {
	var (
		key      string
		archived bool
		opts     storage.ListOptions
	)
	cmd := &cobra.Command{
		Use:   "list [project-root]",
		Short: "List stored conversations of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			ns, err := projectNamespace(key, args, archived)
			if err != nil {
				return err
			}
			summaries, err := a.store.List(ctx, ns, opts)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tUPDATED\tMESSAGES\tSIZE\tTITLE")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
					s.Key.Filename, s.UpdatedAt.Local().Format(time.DateTime), s.MessageCount, s.SizeBytes, s.Title)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "Project key (instead of a project root path)")
	cmd.Flags().BoolVar(&archived, "archived", false, "List the archive instead of history")
	cmd.Flags().StringVar(&opts.SortBy, "sort", storage.SortUpdatedAt, "Sort field: updated_at, created_at, filename, title, message_count")
	cmd.Flags().StringVar(&opts.SortOrder, "order", "desc", "Sort order: asc or desc")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of conversations (0 for all)")
	cmd.Flags().StringVar(&opts.Filter.TitleContains, "title", "", "Only titles containing this text")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		key   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <text> [project-root]",
		Short: "Search titles and message content of a project",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			ns, err := projectNamespace(key, args[1:], false)
			if err != nil {
				return err
			}
			results, err := a.store.Search(ctx, ns, storage.SearchQuery{Text: args[0], Limit: limit})
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(a.out, "%s  %s (%d matches)\n", r.Summary.Key.Filename, r.Summary.Title, r.Matches)
				if r.Snippet != "" {
					fmt.Fprintf(a.out, "    %s\n", r.Snippet)
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "Project key (instead of a project root path)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	return cmd
}

func statsCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "stats [project-root]",
		Short: "Show storage totals for one project or all projects",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			project := key
			if project == "" && len(args) == 1 {
				project = history.ResolveLocation(history.ProjectContext{RootPath: args[0]})
			}
			st, err := a.store.Stats(ctx, project)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "backend:       %s\n", st.Backend)
			fmt.Fprintf(a.out, "projects:      %d\n", st.Projects)
			fmt.Fprintf(a.out, "conversations: %d (%d archived)\n", st.Conversations, st.Archived)
			fmt.Fprintf(a.out, "messages:      %d\n", st.Messages)
			fmt.Fprintf(a.out, "size:          %d bytes\n", st.SizeBytes)
			if !st.Newest.IsZero() {
				fmt.Fprintf(a.out, "updated:       %s .. %s\n",
					st.Oldest.Local().Format(time.DateTime), st.Newest.Local().Format(time.DateTime))
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&key, "key", "", "Project key (instead of a project root path)")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the storage backend is reachable and writable",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if g, ok := a.store.(*storage.Guard); ok {
				fmt.Fprintf(a.out, "circuit: %s\n", g.State())
			}
			if err := a.store.HealthCheck(ctx); err != nil {
				fmt.Fprintf(a.out, "%s: unhealthy\n", a.store.Name())
				return err
			}
			fmt.Fprintf(a.out, "%s: ok\n", a.store.Name())
			return nil
		}),
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <dest>",
		Short: "Write a consistent copy of a single-file database backend (sqlite, bolt)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			s, ok := a.store.(storage.Snapshotter)
			if !ok {
				return fmt.Errorf("%s snapshot: %w", a.store.Name(), storage.ErrUnsupported)
			}
			if err := s.Snapshot(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "snapshot written to %s\n", args[0])
			return nil
		}),
	}
}
