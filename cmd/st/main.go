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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stride/internal/app"
	"stride/internal/config"
	"stride/internal/db"
	"stride/internal/domain"
	"stride/internal/engine"
	"stride/internal/migrate"
	"stride/internal/repo"
	"stride/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "st",
	Short: "Stride CLI",
	Long: `Stride tracks personal goals as ordered phases of concrete actions.
Core concepts:
- Workspace: your .stride directory with the database; config lives in stride.yml or the DB.
- Goal: a long-running objective (category, start/end dates) made of ordered phases.
- Phase: an ordered stage inside a goal; phases run strictly in sequence.
- Action: the smallest unit of work; exactly one action is current at a time.
- Position: your single pointer to the current goal/phase/action ('st status').
- Completion: 'st done <action>' records effort ratings, completes the action
  once and forever, and advances the position; finishing the last action
  completes the goal.
- Records: 'st record list' shows the per-day execution ledger, including
  missed attempts logged with 'st miss <action>'.
- Event log: diary of changes, view with 'st log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.Workspace(workspace); err != nil {
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
	viper.SetEnvPrefix("STRIDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(doneCmd())
	rootCmd.AddCommand(missCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
		Long:  "Goals own ordered phases of actions. A goal becomes completed automatically when its last action is done; pause/resume only gate starting, never progress already made.",
	}
	goal.AddCommand(goalCreateCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalOutlineCmd())
	goal.AddCommand(goalDeleteCmd())
	goal.AddCommand(goalPauseCmd())
	goal.AddCommand(goalResumeCmd())
	goal.AddCommand(goalStartCmd())
	return goal
}

func goalCreateCmd() *cobra.Command {
	var opts engine.GoalCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			if opts.Owner == "" {
				opts.Owner = opts.UserID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGoal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "goal id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner (defaults to --user-id)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category from the catalog")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "target end date YYYY-MM-DD")
	return cmd
}

func goalListCmd() *cobra.Command {
	var f repo.GoalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				goals, err := r.ListGoals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Status", "Start", "End"})
				for _, g := range goals {
					end := ""
					if g.EndDate != nil {
						end = *g.EndDate
					}
					tw.AppendRow(table.Row{g.ID, g.Category, g.Status, g.StartDate, end})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, paused, completed)")
	return cmd
}

func goalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <goal-id>",
		Short: "Show a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func goalOutlineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outline <goal-id>",
		Short: "Show the full phase/action tree of a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outline, err := e.Outline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(outline)
				}
				fmt.Printf("%s [%s] (%s)\n", outline.Goal.ID, outline.Goal.Status, outline.Goal.Category)
				for pi, p := range outline.Phases {
					printPhaseTree(p, pi == len(outline.Phases)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func goalDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <goal-id>",
		Short: "Delete a goal and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteGoal(ctx, args[0])
			})
		},
	}
	return cmd
}

func goalPauseCmd() *cobra.Command {
	return goalStatusCmd("pause", "Pause a goal", "paused")
}

func goalResumeCmd() *cobra.Command {
	return goalStatusCmd("resume", "Resume a paused goal", "active")
}

func goalStatusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <goal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.SetGoalStatus(ctx, args[0], status, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
}

func goalStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <goal-id>",
		Short: "Point your position at the goal's first action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pos, err := e.StartGoal(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pos)
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{Use: "phase", Short: "Manage phases"}
	phase.AddCommand(phaseAddCmd())
	return phase
}

func phaseAddCmd() *cobra.Command {
	var goalID, name, description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a phase to a goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AddPhase(ctx, goalID, name, description, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&goalID, "goal", "", "goal id")
	cmd.Flags().StringVar(&name, "name", "", "phase name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{Use: "action", Short: "Manage actions"}
	action.AddCommand(actionAddCmd())
	action.AddCommand(actionListCmd())
	action.AddCommand(actionShowCmd())
	return action
}

func actionAddCmd() *cobra.Command {
	var opts engine.ActionCreateOptions
	var estimated int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append an action to a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			if cmd.Flags().Changed("estimated-time") {
				opts.EstimatedTime = &estimated
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PhaseID, "phase", "", "phase id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Definition, "definition", "", "what doing this action means")
	cmd.Flags().IntVar(&estimated, "estimated-time", 0, "estimated minutes")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}

func actionListCmd() *cobra.Command {
	var phaseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions of a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actions, err := r.ListActions(ctx, phaseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "Title", "Completed"})
				for _, a := range actions {
					completed := ""
					if a.CompletedAt != nil {
						completed = *a.CompletedAt
					}
					tw.AppendRow(table.Row{a.OrderIndex, a.ID, a.Title, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseID, "phase", "", "phase id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func doneCmd() *cobra.Command {
	var difficulty, energy int
	cmd := &cobra.Command{
		Use:   "done <action-id>",
		Short: "Complete an action and advance",
		Long:  "Completes the action exactly once, writes the day's ledger row with your ratings, and moves your position to the next action. Completing the last action completes the goal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteAction(ctx, viper.GetString("user-id"), args[0], difficulty, energy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.NextActionID == nil {
					fmt.Println("Done. Goal completed, nothing left to do.")
					return nil
				}
				next, err := e.Repo.GetAction(ctx, *res.NextActionID)
				if err != nil {
					return err
				}
				fmt.Printf("Done. Next up: %s (%s)\n", next.Title, next.ID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&difficulty, "difficulty", 3, "how hard it was, 1-5")
	cmd.Flags().IntVar(&energy, "energy", 3, "how much energy it took, 1-5")
	return cmd
}

func missCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "miss <action-id>",
		Short: "Record a missed attempt at the current action",
		Long:  "Logs a completed=false ledger row for today. The position does not move; the same action stays current. Completed actions cannot be missed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.MarkIncomplete(ctx, viper.GetString("user-id"), args[0]); err != nil {
					return err
				}
				fmt.Println("Missed attempt recorded.")
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show your current position",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pos, err := e.InitPosition(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pos)
				}
				if pos.CurrentActionID == nil {
					if pos.CurrentGoalID != nil {
						fmt.Printf("Goal %s: all actions done.\n", *pos.CurrentGoalID)
					} else {
						fmt.Println("No goal started. Use 'st goal start <goal-id>'.")
					}
					return nil
				}
				a, err := e.Repo.GetAction(ctx, *pos.CurrentActionID)
				if err != nil {
					return err
				}
				p, err := e.Repo.GetPhase(ctx, a.PhaseID)
				if err != nil {
					return err
				}
				fmt.Printf("Goal:   %s\n", p.GoalID)
				fmt.Printf("Phase:  %s (%s)\n", p.Name, p.ID)
				fmt.Printf("Action: %s (%s)\n", a.Title, a.ID)
				fmt.Printf("  %s\n", a.Definition)
				return nil
			})
		},
	}
	return cmd
}

func nextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <action-id>",
		Short: "Show what follows an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				next, err := e.ResolveNext(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(next)
				}
				if next.Exhausted {
					fmt.Println("Nothing after this one: it is the goal's last action.")
					return nil
				}
				a, err := e.Repo.GetAction(ctx, *next.ActionID)
				if err != nil {
					return err
				}
				fmt.Printf("Next: %s (%s)\n", a.Title, a.ID)
				return nil
			})
		},
	}
	return cmd
}

func recordCmd() *cobra.Command {
	record := &cobra.Command{Use: "record", Short: "Execution ledger"}
	record.AddCommand(recordListCmd())
	return record
}

func recordListCmd() *cobra.Command {
	var f repo.RecordFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List execution records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.UserID = viper.GetString("user-id")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				records, err := r.ListExecutionRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Action", "Completed", "Difficulty", "Energy"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.Date, rec.ActionID, rec.Completed, intOrDash(rec.Difficulty), intOrDash(rec.Energy)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ActionID, "action", "", "action id filter")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var goalID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, goalID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&goalID, "goal", "", "goal id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tracker config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective tracker config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tracker config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertTrackerConfig(ctx, app.DefaultTrackerID, cfg); err != nil {
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			identity := server.IdentityConfig{
				JWTSecret:       os.Getenv("STRIDE_JWT_SECRET"),
				AllowUserHeader: os.Getenv("STRIDE_JWT_SECRET") == "",
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Identity: identity})
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
			fmt.Printf("Serving Stride API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
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

func printPhaseTree(p engine.PhaseOutline, last bool) {
	connector := "├── "
	childPrefix := "│   "
	if last {
		connector = "└── "
		childPrefix = "    "
	}
	fmt.Printf("%s%s (%s)\n", connector, p.Phase.Name, p.Phase.ID)
	for i, a := range p.Actions {
		printActionLine(a, childPrefix, i == len(p.Actions)-1)
	}
}

func printActionLine(a domain.Action, prefix string, last bool) {
	connector := "├── "
	if last {
		connector = "└── "
	}
	mark := "[ ]"
	if a.CompletedAt != nil {
		mark = "[x]"
	}
	fmt.Printf("%s%s%s %s (%s)\n", prefix, connector, mark, a.Title, a.ID)
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
