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

	"tracklane/internal/app"
	"tracklane/internal/config"
	"tracklane/internal/db"
	"tracklane/internal/domain"
	"tracklane/internal/engine"
	"tracklane/internal/migrate"
	"tracklane/internal/repo"
	"tracklane/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tracklane CLI",
	Long: `Tracklane tracks work across a portfolio of projects with provenance-aware sync.
Core concepts:
- Workspace: your .tracklane directory holding the database; tracklane.yml holds config.
- Project: flat projects hold loose tasks; planned projects organize work in plans and phases.
- Provenance: native items are yours to edit; synced items mirror an external tracker and
  only their status is editable locally (backlog mirrors are not editable at all).
- Plans: one active plan per project, moving draft -> approved -> in_progress -> completed.
- Backlog: capture ideas, triage them, then promote the good ones into tasks.
- Sync: connectors reconcile external observations idempotently ('tl sync run').
- Next up: 'tl next' ranks open work across enabled projects by urgency.
- Activity: every change lands in an append-only ledger, view with 'tl log tail'.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(backlogCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(connectorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliActor() domain.Actor {
	return domain.Actor{Type: domain.ActorUser, ID: viper.GetString("actor-id")}
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.ProjectFilters{Status: status}
				if enabledOnly {
					ids, err := e.EnabledProjectIDs(ctx)
					if err != nil {
						return err
					}
					if len(ids) == 0 {
						fmt.Println("no enabled projects")
						return nil
					}
					f.IDs = ids
				}
				items, err := e.Repo.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Type", "Workflow", "Tasks"})
				for _, p := range items {
					n, err := e.Repo.CountTasks(ctx, repo.TaskFilters{ProjectID: p.ID})
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.ProjectType, p.WorkflowType, n})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled projects")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, projectType, workflowType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
					ID:           id,
					Name:         name,
					ProjectType:  projectType,
					WorkflowType: workflowType,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&projectType, "type", "", "native or connected")
	cmd.Flags().StringVar(&workflowType, "workflow", "", "flat or planned")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, status string
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Update project name or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProject(ctx, engine.UpdateProjectOptions{
					ID:     args[0],
					Name:   name,
					Status: status,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project row (prefer archiving; activity entries are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteProject(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted project %s\n", args[0])
				return nil
			})
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
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":    p.ID,
					"status":        p.Status,
					"workflow_type": p.WorkflowType,
					"task_counts":   counts,
				}
				if p.WorkflowType == domain.WorkflowPlanned {
					if plan, err := e.Repo.ActivePlan(ctx, p.ID); err == nil {
						out["active_plan"] = plan
					}
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s, %s workflow)\n", p.ID, p.Status, p.WorkflowType)
				if plan, ok := out["active_plan"].(domain.Plan); ok {
					fmt.Printf("Active plan: %s - %s (%s)\n", plan.ID, plan.Name, plan.Status)
				}
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

// --- plan ---

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage plans"}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planTransitionCmd("approve", "Approve a draft plan", func(e engine.Engine) planTransition { return e.ApprovePlan }))
	plan.AddCommand(planTransitionCmd("start", "Start an approved plan", func(e engine.Engine) planTransition { return e.StartPlan }))
	plan.AddCommand(planTransitionCmd("complete", "Complete an in-progress plan", func(e engine.Engine) planTransition { return e.CompletePlan }))
	return plan
}

type planTransition func(context.Context, string, domain.Actor) (domain.Plan, error)

func planCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePlan(ctx, engine.CreatePlanOptions{
					ProjectID: e.Config.Project.ID,
					Name:      name,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func planListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPlans(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func planTransitionCmd(verb, short string, pick func(engine.Engine) planTransition) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <plan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := pick(e)(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

// --- phase ---

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{Use: "phase", Short: "Manage plan phases"}
	phase.AddCommand(phaseCreateCmd())
	phase.AddCommand(phaseListCmd())
	phase.AddCommand(phaseActivateCmd())
	phase.AddCommand(phaseCompleteCmd())
	return phase
}

func phaseCreateCmd() *cobra.Command {
	var planID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Append a phase to a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.CreatePhase(ctx, engine.CreatePhaseOptions{PlanID: planID, Name: name}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&name, "name", "", "phase name")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func phaseListCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases of a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPhases(ctx, planID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func phaseActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <phase-id>",
		Short: "Make a phase the project's current phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.ActivatePhase(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
}

func phaseCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <phase-id>",
		Short: "Complete the active phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.CompletePhase(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
}

// --- task ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskBulkCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, priority, size, deadline, planID, phaseID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.CreateTaskOptions{
					ProjectID:   e.Config.Project.ID,
					Title:       title,
					Description: description,
					Priority:    priority,
					Size:        size,
					DeadlineAt:  deadline,
					PlanID:      planID,
					PhaseID:     phaseID,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", "", "P1, P2 or P3")
	cmd.Flags().StringVar(&size, "size", "", "size estimate")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringVar(&planID, "plan", "", "plan id (planned workflow only)")
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id (planned workflow only)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, planID, phaseID, origin string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					ProjectID:  e.Config.Project.ID,
					Status:     status,
					PlanID:     planID,
					PhaseID:    phaseID,
					DataOrigin: origin,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Origin", "Deadline"})
				for _, t := range items {
					deadline := ""
					if t.DeadlineAt != nil {
						deadline = *t.DeadlineAt
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.DataOrigin, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&planID, "plan", "", "filter by plan")
	cmd.Flags().StringVar(&phaseID, "phase", "", "filter by phase")
	cmd.Flags().StringVar(&origin, "origin", "", "filter by data origin")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateFlags(cmd *cobra.Command) {
	cmd.Flags().String("title", "", "new title")
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().String("status", "", "new status")
	cmd.Flags().String("priority", "", "new priority")
	cmd.Flags().String("size", "", "new size")
	cmd.Flags().String("deadline", "", "new deadline (RFC3339, empty clears)")
	cmd.Flags().String("plan", "", "new plan id (empty clears)")
	cmd.Flags().String("phase", "", "new phase id (empty clears)")
	cmd.Flags().String("outcome", "", "outcome note")
}

func taskUpdateOptionsFromFlags(cmd *cobra.Command, id string) engine.UpdateTaskOptions {
	opts := engine.UpdateTaskOptions{ID: id}
	pick := func(name string, dst **string) {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetString(name)
			*dst = &v
		}
	}
	pick("title", &opts.Title)
	pick("description", &opts.Description)
	pick("status", &opts.Status)
	pick("priority", &opts.Priority)
	pick("size", &opts.Size)
	pick("deadline", &opts.DeadlineAt)
	pick("plan", &opts.PlanID)
	pick("phase", &opts.PhaseID)
	pick("outcome", &opts.Outcome)
	return opts
}

func taskUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task (synced tasks accept only --status)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, taskUpdateOptionsFromFlags(cmd, args[0]), cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	taskUpdateFlags(cmd)
	return cmd
}

func taskDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status := domain.TaskDone
				t, err := e.UpdateTask(ctx, engine.UpdateTaskOptions{ID: args[0], Status: &status}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskBulkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk <task-id>...",
		Short: "Apply one change set to many tasks; ineligible tasks are skipped",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BulkUpdateTasks(ctx, args, taskUpdateOptionsFromFlags(cmd, ""), cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	taskUpdateFlags(cmd)
	return cmd
}

// --- backlog ---

func backlogCmd() *cobra.Command {
	backlog := &cobra.Command{Use: "backlog", Short: "Manage the backlog"}
	backlog.AddCommand(backlogAddCmd())
	backlog.AddCommand(backlogListCmd())
	backlog.AddCommand(backlogUpdateCmd())
	backlog.AddCommand(backlogPromoteCmd())
	backlog.AddCommand(backlogArchiveCmd())
	return backlog
}

func backlogAddCmd() *cobra.Command {
	var title, description, priority, size, itemType string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Capture a backlog item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBacklogItem(ctx, engine.CreateBacklogItemOptions{
					ProjectID:   e.Config.Project.ID,
					Title:       title,
					Description: description,
					Priority:    priority,
					Size:        size,
					ItemType:    itemType,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	cmd.Flags().StringVar(&priority, "priority", "", "P1, P2 or P3")
	cmd.Flags().StringVar(&size, "size", "", "size estimate")
	cmd.Flags().StringVar(&itemType, "type", "", "item type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func backlogListCmd() *cobra.Command {
	var status, origin string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backlog items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBacklogItems(ctx, repo.BacklogFilters{
					ProjectID:  e.Config.Project.ID,
					Status:     status,
					DataOrigin: origin,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Origin"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Title, b.Status, b.Priority, b.DataOrigin})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&origin, "origin", "", "filter by data origin")
	return cmd
}

func backlogUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <item-id>",
		Short: "Update a backlog item (synced items are promote-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.UpdateBacklogItemOptions{ID: args[0]}
				pick := func(name string, dst **string) {
					if cmd.Flags().Changed(name) {
						v, _ := cmd.Flags().GetString(name)
						*dst = &v
					}
				}
				pick("title", &opts.Title)
				pick("description", &opts.Description)
				pick("status", &opts.Status)
				pick("priority", &opts.Priority)
				pick("size", &opts.Size)
				pick("type", &opts.ItemType)
				b, err := e.UpdateBacklogItem(ctx, opts, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().String("title", "", "new title")
	cmd.Flags().String("description", "", "new description")
	cmd.Flags().String("status", "", "captured, triaged or prioritized")
	cmd.Flags().String("priority", "", "new priority")
	cmd.Flags().String("size", "", "new size")
	cmd.Flags().String("type", "", "new item type")
	return cmd
}

func backlogPromoteCmd() *cobra.Command {
	var planID, phaseID, priority string
	cmd := &cobra.Command{
		Use:   "promote <item-id>",
		Short: "Promote a backlog item into a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.PromoteBacklogItem(ctx, engine.PromoteBacklogItemOptions{
					ItemID:   args[0],
					PlanID:   planID,
					PhaseID:  phaseID,
					Priority: priority,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "target plan (planned workflow)")
	cmd.Flags().StringVar(&phaseID, "phase", "", "target phase")
	cmd.Flags().StringVar(&priority, "priority", "", "priority for items that have none")
	return cmd
}

func backlogArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <item-id>",
		Short: "Archive a backlog item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ArchiveBacklogItem(ctx, args[0], cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

// --- sync ---

func syncCmd() *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Reconcile external observations"}
	sync.AddCommand(syncRunCmd())
	return sync
}

func syncRunCmd() *cobra.Command {
	var file, connectorID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile a batch of task observations from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				var batch struct {
					Observations []engine.TaskObservation `json:"observations"`
				}
				if err := json.Unmarshal(data, &batch); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
				if limit := e.Config.Sync.BatchWarnLimit; limit > 0 && len(batch.Observations) > limit {
					fmt.Fprintf(os.Stderr, "warning: batch of %d exceeds recommended limit of %d; consider splitting\n",
						len(batch.Observations), limit)
				}
				actor := domain.Actor{Type: domain.ActorConnector, ID: connectorID}
				res, err := e.ReconcileTasks(ctx, batch.Observations, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "observations file (JSON)")
	cmd.Flags().StringVar(&connectorID, "connector", "file_sync", "connector id for attribution")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- next ---

func nextCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Ranked open tasks across enabled projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.NextUp(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "Title", "Status", "Priority", "Project", "Why"})
				for _, s := range items {
					tw.AppendRow(table.Row{
						s.Score, s.Task.Title, s.Task.Status, s.Task.Priority, s.Task.ProjectID,
						strings.Join(s.Reasons, ", "),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (default 10)")
	return cmd
}

// --- connector ---

func connectorCmd() *cobra.Command {
	conn := &cobra.Command{Use: "connector", Short: "Manage sync connectors"}
	conn.AddCommand(connectorRegisterCmd())
	conn.AddCommand(connectorListCmd())
	conn.AddCommand(connectorStatusCmd())
	return conn
}

func connectorRegisterCmd() *cobra.Command {
	var connectorType, path string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a connector on the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				configJSON := ""
				if path != "" {
					data, _ := json.Marshal(map[string]string{"path": path})
					configJSON = string(data)
				}
				c, err := e.RegisterConnector(ctx, engine.RegisterConnectorOptions{
					ProjectID:     e.Config.Project.ID,
					ConnectorType: connectorType,
					ConfigJSON:    configJSON,
				}, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&connectorType, "type", "", "connector type (defaults to config sync.connector_type)")
	cmd.Flags().StringVar(&path, "path", "", "source path for file_sync connectors")
	return cmd
}

func connectorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connectors on the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConnectors(ctx, repo.ConnectorFilters{ProjectID: e.Config.Project.ID})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func connectorStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <connector-id>",
		Short: "Set connector status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetConnectorStatus(ctx, args[0], status, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active, paused or error")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Activity ledger"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var entityType, entityID, actorID, action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the activity ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ActivityFeed(ctx, repo.ActivityFilters{
					EntityType: entityType,
					EntityID:   entityID,
					ActorID:    actorID,
					Action:     action,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Action", "Entity", "Label", "Actor"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{
						entry.CreatedAt, entry.Action,
						entry.EntityType + "/" + entry.EntityID, entry.EntityLabel,
						entry.ActorType + ":" + entry.ActorID,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	return cmd
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, actorType, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorType: actorType,
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":     key.ID,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&actorType, "actor-type", domain.ActorUser, "user, connector or system")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tracklane.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if projectID == "" {
				projectID = uuid.NewString()
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project id to seed (generated when empty)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

// --- serve ---

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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRACKLANE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRACKLANE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Tracklane API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
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
