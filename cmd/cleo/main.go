package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kryptobaseddev/cleo/internal/app"
	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/db"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/engine"
	"github.com/kryptobaseddev/cleo/internal/hierarchy"
	"github.com/kryptobaseddev/cleo/internal/migrate"
	"github.com/kryptobaseddev/cleo/internal/repo"
	"github.com/kryptobaseddev/cleo/internal/retry"
	"github.com/kryptobaseddev/cleo/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cleo",
	Short: "Cleo coordination CLI",
	Long: `Cleo coordinates hierarchical task work across autonomous agents.
Core concepts:
- Workspace: the .cleo directory holding only the database; config lives in the DB and is imported explicitly.
- Tasks: units of work with parents and dependencies; statuses go pending -> active -> done (blocked/cancelled are detours and exits).
- Hierarchy: epics contain tasks contain subtasks, under a depth and sibling policy profile.
- Sessions: an agent's claim over a scope of tasks; overlapping active scopes are rejected.
- Lifecycle: epics pass ordered stage gates (research through implementation) before later-stage work dispatches.
- Protocol: completed work must land a manifest entry with 3-7 key findings; agents return only canonical messages.
- Event log: diary of every change, view with 'cleo log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		exitErr(err)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLEO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-agent", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("session", "", "session id for session-scoped mutations")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(depsCmd())
	rootCmd.AddCommand(hierarchyCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(lifecycleCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(assumptionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the rulebook (stored in DB): hierarchy profile and overrides, session scoping, lifecycle enforcement, and the canonical return messages. Import from cleo.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-project"
			}
			fmt.Print(config.GenerateDefault(projectID))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				sessions, err := e.Repo.ListSessions(ctx, repo.SessionFilters{ProjectID: projectID, Status: string(domain.SessionActive)})
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":      p.ID,
					"status":          p.Status,
					"task_counts":     counts,
					"active_sessions": len(sessions),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Printf("Active sessions: %d\n", len(sessions))
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. They flow pending -> active -> done, can depend on each other, nest under epics per the hierarchy policy, and at most one is active at a time.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskArchiveCmd())
	task.AddCommand(taskRestoreCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var taskType, size string
	var depends []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Type = domain.TaskType(taskType)
			opts.Size = domain.TaskSize(size)
			opts.Depends = depends
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.ProjectID == "" {
					opts.ProjectID = e.Config.Project.ID
				}
				var t domain.Task
				err := retry.Do(ctx, func() error {
					var err error
					t, err = e.CreateTask(ctx, opts)
					return err
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(taskWithFingerprint(t))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&taskType, "type", "task", "task type (epic, task, subtask)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher wins)")
	cmd.Flags().StringVar(&size, "size", "", "size estimate (small, medium, large)")
	cmd.Flags().StringArrayVar(&depends, "depends-on", []string{}, "dependency task id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Status", "Parent", "Depends"})
				for _, t := range tasks {
					parent := ""
					if t.ParentID != nil {
						parent = *t.ParentID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Status, parent, strings.Join(t.Depends, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "include-archived", false, "include archived tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(taskWithFingerprint(t))
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var status, size, description, setParent string
	var priority int
	var addDeps, removeDeps []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.SessionID = viper.GetString("session")
			opts.Status = domain.TaskStatus(status)
			opts.Size = domain.TaskSize(size)
			opts.AddDeps = addDeps
			opts.RemoveDeps = removeDeps
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("set-parent") {
				opts.SetParent = &setParent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var t domain.Task
				var outcome *cleoerr.Outcome
				err := retry.Do(ctx, func() error {
					var err error
					t, outcome, err = e.UpdateTask(ctx, opts)
					return err
				})
				if err != nil {
					return err
				}
				return emit(taskWithFingerprint(t), outcome)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&opts.BlockedReason, "reason", "", "blocked reason (required with --status blocked)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher wins)")
	cmd.Flags().StringVar(&size, "size", "", "size estimate")
	cmd.Flags().StringVar(&setParent, "set-parent", "", "set parent task id (empty for root)")
	cmd.Flags().StringArrayVar(&addDeps, "add-depends-on", []string{}, "add dependency")
	cmd.Flags().StringArrayVar(&removeDeps, "remove-depends-on", []string{}, "remove dependency")
	cmd.Flags().StringVar(&opts.IfFingerprint, "if-fingerprint", "", "optimistic concurrency fingerprint")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var ifFingerprint string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var t domain.Task
				var outcome *cleoerr.Outcome
				err := retry.Do(ctx, func() error {
					var err error
					t, outcome, err = e.CompleteTask(ctx, id, viper.GetString("session"), viper.GetString("actor-id"), ifFingerprint)
					return err
				})
				if err != nil {
					return err
				}
				return emit(taskWithFingerprint(t), outcome)
			})
		},
	}
	cmd.Flags().StringVar(&ifFingerprint, "if-fingerprint", "", "optimistic concurrency fingerprint")
	return cmd
}

func taskArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, outcome, err := e.ArchiveTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return emit(t, outcome)
			})
		},
	}
	return cmd
}

func taskRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore an archived task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, outcome, err := e.RestoreTask(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return emit(t, outcome)
			})
		},
	}
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID, Status: status})
				if err != nil {
					return err
				}
				nodes := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID != nil {
						nodes[*t.ParentID] = append(nodes[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type Node struct {
						Task     domain.Task `json:"task"`
						Children []Node      `json:"children,omitempty"`
					}
					var build func(t domain.Task) Node
					build = func(t domain.Task) Node {
						var childNodes []Node
						for _, c := range nodes[t.ID] {
							childNodes = append(childNodes, build(c))
						}
						return Node{Task: t, Children: childNodes}
					}
					var treeNodes []Node
					for _, r := range roots {
						treeNodes = append(treeNodes, build(r))
					}
					return printJSON(treeNodes)
				}
				for _, r := range roots {
					printTaskTree(r, nodes, "", true)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func depsCmd() *cobra.Command {
	deps := &cobra.Command{
		Use:   "deps",
		Short: "Dependency analysis",
		Long:  "Read-only views over the dependency graph: what is ready now, parallel waves, the critical path, and the completions that unlock the most downstream work.",
	}
	deps.AddCommand(depsReadyCmd())
	deps.AddCommand(depsWavesCmd())
	deps.AddCommand(depsCriticalPathCmd())
	deps.AddCommand(depsUnblockCmd())
	return deps
}

func depsReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Tasks ready for dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Ready(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					return emit([]domain.Task{}, cleoerr.NoData("no tasks are ready"))
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Size"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, t.Size})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func depsWavesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "waves",
		Short: "Parallel execution waves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Waves(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, w := range res.Waves {
					fmt.Printf("wave %d: %s\n", w.Index, strings.Join(w.Tasks, ", "))
				}
				if len(res.Unplaceable) > 0 {
					fmt.Printf("unplaceable (cycle): %s\n", strings.Join(res.Unplaceable, ", "))
				}
				for _, d := range res.OrphanedDeps {
					fmt.Printf("orphaned dep: %s -> %s\n", d.TaskID, d.DependsOn)
				}
				return nil
			})
		},
	}
	return cmd
}

func depsCriticalPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "critical-path",
		Short: "Longest dependency chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CriticalPath(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("length %d, completed %d\n", res.Length, res.CompletedInPath)
				for _, n := range res.Nodes {
					fmt.Printf("  %s %s [%s]\n", n.ID, n.Title, n.Status)
				}
				return nil
			})
		},
	}
	return cmd
}

func depsUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock",
		Short: "Unblock opportunities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.UnblockOpportunities(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, sb := range res.SingleBlockers {
					fmt.Printf("%s waits only on %s\n", sb.TaskID, sb.Blocker)
				}
				for _, hi := range res.HighImpact {
					fmt.Printf("%s unlocks %d tasks\n", hi.TaskID, hi.Unlocks)
				}
				return nil
			})
		},
	}
	return cmd
}

func hierarchyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "hierarchy",
		Short: "Hierarchy policy",
	}
	h.AddCommand(hierarchyValidateCmd())
	h.AddCommand(hierarchyProfilesCmd())
	return h
}

func hierarchyValidateCmd() *cobra.Command {
	var childID, parentID string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a proposed placement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var parent *string
				if cmd.Flags().Changed("parent") {
					parent = &parentID
				}
				violations, err := e.ValidatePlacement(ctx, e.Config.Project.ID, childID, parent)
				if err != nil {
					return err
				}
				if len(violations) > 0 {
					return hierarchy.ToError(violations)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"valid": true})
				}
				fmt.Println("placement OK")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&childID, "child", "", "existing child task id (omit when validating a future task)")
	cmd.Flags().StringVar(&parentID, "parent", "", "proposed parent task id")
	return cmd
}

func hierarchyProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List built-in hierarchy profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSONOrTable(hierarchy.Profiles())
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "Sessions bind an agent to a scope of tasks. Overlapping active scopes are rejected so two agents never silently work the same tree.",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionFocusCmd())
	s.AddCommand(sessionSuspendCmd())
	s.AddCommand(sessionResumeCmd())
	s.AddCommand(sessionEndCmd())
	s.AddCommand(sessionArchiveCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var name, scopeType, rootID string
	var members []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session over a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sc := domain.Scope{
					Type:    domain.ScopeType(scopeType),
					RootID:  rootID,
					Members: members,
				}
				s, err := e.StartSession(ctx, e.Config.Project.ID, sc, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&scopeType, "scope", "", "scope type (epic, subtree, task, custom)")
	cmd.Flags().StringVar(&rootID, "root", "", "scope root task id")
	cmd.Flags().StringArrayVar(&members, "member", []string{}, "custom scope member (repeatable)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Scope", "Focus", "Done"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Status, fmt.Sprintf("%s:%s", s.Scope.Type, s.Scope.RootID), s.Focus.TaskID, s.TasksDone})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionFocusCmd() *cobra.Command {
	var note, nextAction string
	cmd := &cobra.Command{
		Use:   "focus <session-id> <task-id>",
		Short: "Set session focus to a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var s domain.Session
				var outcome *cleoerr.Outcome
				err := retry.Do(ctx, func() error {
					var err error
					s, outcome, err = e.SetFocus(ctx, args[0], args[1], note, nextAction, viper.GetString("actor-id"))
					return err
				})
				if err != nil {
					return err
				}
				return emit(s, outcome)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "focus note")
	cmd.Flags().StringVar(&nextAction, "next-action", "", "next action hint")
	return cmd
}

func sessionSuspendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suspend <id>",
		Short: "Suspend session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SuspendSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume suspended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResumeSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionEndCmd() *cobra.Command {
	var note string
	var requireComplete bool
	cmd := &cobra.Command{
		Use:   "end <id>",
		Short: "End session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.EndSession(ctx, args[0], note, requireComplete, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "end note")
	cmd.Flags().BoolVar(&requireComplete, "require-complete", false, "refuse to end while scoped work is unfinished")
	return cmd
}

func sessionArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive ended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ArchiveSession(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func lifecycleCmd() *cobra.Command {
	lc := &cobra.Command{
		Use:   "lifecycle",
		Short: "Epic stage gates",
		Long:  "Epics progress research -> consensus -> specification -> decomposition -> implementation. Under strict enforcement, later-stage work cannot dispatch until earlier stages complete or are explicitly skipped.",
	}
	lc.AddCommand(lifecycleCheckCmd())
	lc.AddCommand(lifecycleDispatchCheckCmd())
	lc.AddCommand(lifecycleCompleteCmd())
	lc.AddCommand(lifecycleSkipCmd())
	lc.AddCommand(lifecycleProgressCmd())
	return lc
}

func lifecycleCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <epic-id> <stage>",
		Short: "Check a stage gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckGate(ctx, args[0], domain.Stage(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	return cmd
}

func lifecycleDispatchCheckCmd() *cobra.Command {
	var protocolType string
	cmd := &cobra.Command{
		Use:   "dispatch-check <epic-id>",
		Short: "Check whether a protocol dispatch may proceed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.CheckDispatch(ctx, args[0], protocolType)
				if err != nil {
					return err
				}
				if gerr := check.Err(); gerr != nil {
					return gerr
				}
				return printJSONOrTable(check)
			})
		},
	}
	cmd.Flags().StringVar(&protocolType, "protocol", "", "protocol type label")
	_ = cmd.MarkFlagRequired("protocol")
	return cmd
}

func lifecycleCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <epic-id> <stage>",
		Short: "Complete a lifecycle stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, outcome, err := e.CompleteStage(ctx, args[0], domain.Stage(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return emit(g, outcome)
			})
		},
	}
	return cmd
}

func lifecycleSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <epic-id> <stage>",
		Short: "Skip a lifecycle stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, outcome, err := e.SkipStage(ctx, args[0], domain.Stage(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return emit(g, outcome)
			})
		},
	}
	return cmd
}

func lifecycleProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <epic-id>",
		Short: "Full stage progress for an epic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				states, err := e.GateProgress(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Status", "Actor", "Updated"})
				for _, g := range states {
					tw.AppendRow(table.Row{g.Stage, g.Status, g.ActorID, g.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func protocolCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "protocol",
		Short: "Manifest and return-message enforcement",
		Long:  "A dispatched unit of work is complete only when its manifest entry validates: 3-7 key findings, resolvable references, and a blocker note or followup when blocked. Agents return one of the canonical messages; everything else belongs in the manifest.",
	}
	p.AddCommand(protocolValidateCmd())
	p.AddCommand(protocolSubmitCmd())
	p.AddCommand(protocolListCmd())
	p.AddCommand(protocolCheckReturnCmd())
	return p
}

func manifestFlags(cmd *cobra.Command, m *domain.ManifestEntry, topics, findings, followups, linked *[]string) {
	cmd.Flags().StringVar(&m.TaskID, "task", "", "task id the entry reports on")
	cmd.Flags().StringVar(&m.File, "file", "", "artifact file path")
	cmd.Flags().StringVar(&m.Title, "title", "", "entry title")
	cmd.Flags().StringVar(&m.Date, "date", "", "entry date (RFC3339)")
	cmd.Flags().StringVar((*string)(&m.Status), "status", "complete", "entry status (complete, partial, blocked)")
	cmd.Flags().StringArrayVar(topics, "topic", []string{}, "topic (repeatable)")
	cmd.Flags().StringArrayVar(findings, "finding", []string{}, "key finding (repeatable, 3-7 required)")
	cmd.Flags().BoolVar(&m.Actionable, "actionable", false, "entry is actionable")
	cmd.Flags().StringArrayVar(followups, "followup", []string{}, "followup task id (repeatable)")
	cmd.Flags().StringArrayVar(linked, "link", []string{}, "linked task id (repeatable)")
	cmd.Flags().StringVar(&m.BlockerNote, "blocker-note", "", "why the work is blocked")
	cmd.Flags().StringVar(&m.ProtocolType, "protocol", "", "protocol type label")
}

func protocolValidateCmd() *cobra.Command {
	var m domain.ManifestEntry
	var topics, findings, followups, linked []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Dry-run manifest validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			m.Topics, m.KeyFindings, m.NeedsFollowup, m.LinkedTasks = topics, findings, followups, linked
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ValidateManifest(ctx, e.Config.Project.ID, m, m.ProtocolType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Passed {
					fmt.Println("manifest OK")
				}
				for _, v := range res.Violations {
					fmt.Printf("%s %s: %s\n", v.Severity, v.Field, v.Message)
				}
				if !res.Passed {
					return res.Err()
				}
				return nil
			})
		},
	}
	manifestFlags(cmd, &m, &topics, &findings, &followups, &linked)
	return cmd
}

func protocolSubmitCmd() *cobra.Command {
	var m domain.ManifestEntry
	var topics, findings, followups, linked []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a manifest entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			m.Topics, m.KeyFindings, m.NeedsFollowup, m.LinkedTasks = topics, findings, followups, linked
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, res, err := e.SubmitManifest(ctx, e.Config.Project.ID, m, m.ProtocolType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				for _, v := range res.Violations {
					fmt.Fprintf(os.Stderr, "warning %s: %s\n", v.Field, v.Message)
				}
				return printJSONOrTable(entry)
			})
		},
	}
	manifestFlags(cmd, &m, &topics, &findings, &followups, &linked)
	return cmd
}

func protocolListCmd() *cobra.Command {
	var f repo.ManifestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List manifest entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListManifests(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max entries")
	return cmd
}

func protocolCheckReturnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-return <message>",
		Short: "Validate a return message against the canonical set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ValidateReturnMessage(args[0]); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"valid": true})
				}
				fmt.Println("return message OK")
				return nil
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Record and list decisions",
		Long:  "Decisions capture the important choices and why, so future agents know the reasoning.",
	}
	dec.AddCommand(decisionRecordCmd())
	dec.AddCommand(decisionListCmd())
	return dec
}

func decisionRecordCmd() *cobra.Command {
	var d domain.Decision
	var alternatives []string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			d.ActorID = viper.GetString("actor-id")
			d.SessionID = viper.GetString("session")
			d.Alternatives = alternatives
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.ProjectID == "" {
					d.ProjectID = e.Config.Project.ID
				}
				res, err := e.RecordDecision(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&d.TaskID, "task", "", "related task id")
	cmd.Flags().StringVar(&d.Rationale, "rationale", "", "why this choice was made")
	cmd.Flags().StringArrayVar(&alternatives, "alternative", []string{}, "rejected alternative (repeatable)")
	_ = cmd.MarkFlagRequired("rationale")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDecisions(ctx, e.Config.Project.ID, taskID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max entries")
	return cmd
}

func assumptionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assumption",
		Short: "Record and list assumptions",
	}
	a.AddCommand(assumptionRecordCmd())
	a.AddCommand(assumptionListCmd())
	return a
}

func assumptionRecordCmd() *cobra.Command {
	var as domain.Assumption
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an assumption",
		RunE: func(cmd *cobra.Command, args []string) error {
			as.ActorID = viper.GetString("actor-id")
			as.SessionID = viper.GetString("session")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if as.ProjectID == "" {
					as.ProjectID = e.Config.Project.ID
				}
				res, err := e.RecordAssumption(ctx, as)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&as.TaskID, "task", "", "related task id")
	cmd.Flags().StringVar(&as.Text, "text", "", "the assumption")
	cmd.Flags().StringVar(&as.Confidence, "confidence", "medium", "confidence (low, medium, high)")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func assumptionListCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assumptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssumptions(ctx, e.Config.Project.ID, taskID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max entries")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, session moves, gate updates, manifest submissions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CLEO_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CLEO_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Cleo API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// emit prints the result and, when the operation was an idempotent
// no-op, exits with the outcome's dedicated success code.
func emit(v any, outcome *cleoerr.Outcome) error {
	if outcome == nil {
		return printJSONOrTable(v)
	}
	if viper.GetBool("json") {
		if err := printJSON(map[string]any{"outcome": outcome, "data": v}); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s: %s\n", outcome.Code, outcome.Reason)
	}
	os.Exit(outcome.Exit)
	return nil
}

func exitErr(err error) {
	var ce *cleoerr.Error
	if errors.As(err, &ce) {
		if viper.GetBool("json") {
			_ = printJSON(map[string]any{"success": false, "error": ce})
		} else {
			fmt.Fprintf(os.Stderr, "error [%s]: %s\n", ce.Code, ce.Message)
			if ce.Remediation != "" {
				fmt.Fprintf(os.Stderr, "fix: %s\n", ce.Remediation)
			}
			for _, alt := range ce.Alternatives {
				fmt.Fprintf(os.Stderr, "  or: %s %v\n", alt.Action, alt.Params)
			}
		}
		os.Exit(ce.Exit)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func taskWithFingerprint(t domain.Task) map[string]any {
	b, _ := json.Marshal(t)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	m["fingerprint"] = engine.Fingerprint(t)
	return m
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.Title, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
