package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/app"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/notify"
	"opsline/internal/repo"
	"opsline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "opsline",
	Short: "Opsline CLI",
	Long: `Opsline staffs operational work automatically.
- Notes: upstream documents (delivery notes, orders). A note reaching the trigger status produces one work unit.
- Work units: tasks on a work front, staffed by the best-scoring workers and tracked through
  awaiting_allocation -> in_progress -> paused -> completed (cancelled is an exit).
- Workers: people attached to work fronts with a capacity and active/completed counters.
- Checklists: templates filled in on a device, kept in a local outbox and synced when online.
- Settings: automation knobs stored in the database (trigger status, quantities, min score...).
- Event log: audit trail of every change, view with 'opsline log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(frontCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(logCmd())
}

func setupLogger() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func initCmd() *cobra.Command {
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create opsline.yml, the store and the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := app.EnsureAutomationActor(ctx, e); err != nil {
					return err
				}
				if admin != "" && len(e.Config.Roles.Privileged) > 0 {
					if err := e.GrantRole(ctx, admin, e.Config.Roles.Privileged[0], viper.GetString("actor-id")); err != nil {
						return err
					}
				}
				fmt.Println("workspace ready:", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "actor to grant the first privileged role")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy, noAutomation bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the automation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger := slog.Default()
				if !cmd.Flags().Changed("addr") {
					addr = e.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && e.Config.Server.BasePath != "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowLegacy,
					Logger:                 logger,
				}
				if authCfg.JWTSecret == "" {
					logger.Warn("OPSLINE_JWT_SECRET is not set; bearer tokens are rejected")
				}

				hub := notify.NewHub(logger)
				unfollow := hub.Follow(e.Feed)
				defer unfollow()
				loop := app.NewLoop(e, notify.Multi(notify.Log(logger), hub.Notifier()), logger)
				if e.Config.Automation.Enabled && !noAutomation {
					if err := app.EnsureAutomationActor(ctx, e); err != nil {
						return err
					}
					if err := loop.Start(ctx); err != nil {
						return err
					}
					defer loop.Stop()
				}
				server.StartWebhooks(ctx, e, logger)

				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Loop: loop, Hub: hub, AllowedOrigins: e.Config.Server.CORSOrigins})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Opsline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-actor-header", false, "accept X-Actor-Id without credentials (development only)")
	cmd.Flags().BoolVar(&noAutomation, "no-automation", false, "do not start the automation loop")
	_ = viper.BindEnv("jwt-secret", "OPSLINE_JWT_SECRET")
	return cmd
}

func frontCmd() *cobra.Command {
	front := &cobra.Command{Use: "front", Short: "Manage work fronts"}
	var f domain.WorkFront
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a work front",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateFront(ctx, f, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&f.ID, "id", "", "front id (generated if omitted)")
	create.Flags().StringVar(&f.Name, "name", "", "name")
	create.Flags().StringVar(&f.Category, "category", "", "category (production fronts advance notes)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List work fronts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFronts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	front.AddCommand(create, list)
	return front
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
		Long:  "Workers are scored for each new work unit on availability, workload, specialization and experience.",
	}

	var opts engine.WorkerCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorker(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "worker id (generated if omitted)")
	create.Flags().StringVar(&opts.Name, "name", "", "name")
	create.Flags().IntVar(&opts.Capacity, "capacity", 1, "concurrent work units")
	create.Flags().StringArrayVar(&opts.WorkFronts, "front", nil, "work front id (repeatable)")
	create.Flags().StringVar(&opts.Status, "status", "", "initial status")
	_ = create.MarkFlagRequired("name")

	var f repo.WorkerFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Load", "Completed", "Fronts"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, fmt.Sprintf("%d/%d", w.ActiveCount, w.Capacity), w.CompletedCount, strings.Join(w.WorkFronts, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.FrontID, "front", "", "front filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().BoolVar(&f.ActiveOnly, "active", false, "only active workers")

	var status string
	var capacity int
	var active bool
	var fronts []string
	update := &cobra.Command{
		Use:   "update <worker-id>",
		Short: "Edit status, capacity, activity or fronts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.WorkerUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("status") {
				u.Status = &status
			}
			if cmd.Flags().Changed("capacity") {
				u.Capacity = &capacity
			}
			if cmd.Flags().Changed("active") {
				u.Active = &active
			}
			if cmd.Flags().Changed("front") {
				u.WorkFronts = &fronts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateWorker(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	update.Flags().StringVar(&status, "status", "", "status")
	update.Flags().IntVar(&capacity, "capacity", 0, "capacity")
	update.Flags().BoolVar(&active, "active", true, "active flag")
	update.Flags().StringArrayVar(&fronts, "front", nil, "work front id (repeatable, replaces the set)")

	worker.AddCommand(create, list, update)
	return worker
}

func noteCmd() *cobra.Command {
	note := &cobra.Command{Use: "note", Short: "Register upstream notes and move their status"}

	var opts engine.NoteCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a note",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CreateNote(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "note id (generated if omitted)")
	create.Flags().StringVar(&opts.Number, "number", "", "document number")
	create.Flags().StringVar(&opts.Type, "type", "", "note type (inbound, outbound, transfer...)")
	create.Flags().StringVar(&opts.Status, "status", "", "status")
	create.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	create.Flags().StringVar(&opts.DestinationWorkFrontID, "front", "", "destination work front")
	_ = create.MarkFlagRequired("number")
	_ = create.MarkFlagRequired("status")

	status := &cobra.Command{
		Use:   "status <note-id> <status>",
		Short: "Change a note's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SetNoteStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}

	var statuses []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotes(ctx, statuses...)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")

	note.AddCommand(create, status, list)
	return note
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage work units",
		Long:  "Work units flow awaiting_allocation -> in_progress <-> paused -> completed; cancel is always possible before the end.",
	}

	var opts engine.TaskCreateOptions
	var workerIDs []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a work unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, id := range workerIDs {
					w, err := e.GetWorker(ctx, id)
					if err != nil {
						return err
					}
					opts.Assign = append(opts.Assign, w)
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "work unit id (generated if omitted)")
	create.Flags().StringVar(&opts.Type, "type", "", "work unit type")
	create.Flags().StringVar(&opts.Title, "title", "", "title")
	create.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	create.Flags().StringVar(&opts.WorkFrontID, "front", "", "work front id")
	create.Flags().IntVar(&opts.RequiredCount, "required", 1, "required workers")
	create.Flags().StringVar(&opts.ChecklistID, "checklist", "", "checklist template id")
	create.Flags().StringArrayVar(&workerIDs, "worker", nil, "worker id to assign (repeatable)")
	_ = create.MarkFlagRequired("type")
	_ = create.MarkFlagRequired("front")

	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List work units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Front", "Assigned", "Note"})
				for _, t := range tasks {
					note := ""
					if t.SourceEventID != nil {
						note = *t.SourceEventID
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, t.Priority, t.WorkFrontID,
						fmt.Sprintf("%s (%d/%d)", strings.Join(t.AssignedNames, ", "), len(t.AssignedWorkers), t.RequiredCount), note})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.FrontID, "front", "", "front filter")
	list.Flags().StringVar(&f.WorkerID, "worker", "", "assigned worker filter")
	list.Flags().StringVar(&f.SourceEventID, "note", "", "source note filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")

	get := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a work unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}

	assign := &cobra.Command{
		Use:   "assign <task-id> <worker-id>...",
		Short: "Replace the assigned workers of a work unit that has not started",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignWorkers(ctx, args[0], args[1:], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	task.AddCommand(create, list, get, assign)

	for _, a := range []struct{ use, status string }{
		{"start", domain.TaskInProgress},
		{"pause", domain.TaskPaused},
		{"resume", domain.TaskInProgress},
		{"complete", domain.TaskCompleted},
		{"cancel", domain.TaskCancelled},
	} {
		status := a.status
		var force bool
		cmd := &cobra.Command{
			Use:   a.use + " <task-id>",
			Short: "Move a work unit to " + status,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					t, err := e.SetTaskStatus(ctx, engine.TaskStatusOptions{
						ID: args[0], Status: status, ActorID: viper.GetString("actor-id"), Force: force,
					})
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				})
			},
		}
		cmd.Flags().BoolVar(&force, "force", false, "skip the transition graph")
		task.AddCommand(cmd)
	}
	return task
}

func settingsCmd() *cobra.Command {
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Automation settings stored in the database",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSettings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Key, s.Value})
				}
				tw.Render()
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting (privileged)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				if err := e.RequirePrivileged(ctx, actorID); err != nil {
					return err
				}
				return e.SetSetting(ctx, args[0], args[1], actorID)
			})
		},
	}
	settings.AddCommand(list, set)
	return settings
}

func automationCmd() *cobra.Command {
	automation := &cobra.Command{Use: "automation", Short: "Run the note-to-work-unit automation"}
	var noteIDs []string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one automation batch",
		Long:  "Processes the given notes, or every note in a trigger status. The batch runs as the configured automation actor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RequirePrivileged(ctx, viper.GetString("actor-id")); err != nil {
					return err
				}
				loop := app.NewLoop(e, notify.Log(slog.Default()), slog.Default())
				res, err := loop.ProcessBatch(ctx, noteIDs...)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	run.Flags().StringArrayVar(&noteIDs, "note", nil, "note id (repeatable)")
	automation.AddCommand(run)
	return automation
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Roles and API keys"}

	roleChange := func(use, short string, fn func(engine.Engine) func(context.Context, string, string, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <actor-id> <role>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					return fn(e)(ctx, args[0], args[1], viper.GetString("actor-id"))
				})
			},
		}
	}
	grant := roleChange("grant", "Grant a role", func(e engine.Engine) func(context.Context, string, string, string) error { return e.GrantRole })
	revoke := roleChange("revoke", "Revoke a role", func(e engine.Engine) func(context.Context, string, string, string) error { return e.RevokeRole })

	roles := &cobra.Command{
		Use:   "roles <actor-id>",
		Short: "List an actor's roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				held, err := e.Auth.ActorRoles(ctx, args[0])
				if err != nil {
					return err
				}
				privileged, err := e.IsPrivileged(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": args[0], "roles": held, "privileged": privileged})
			})
		},
	}

	var keyName string
	keyCreate := &cobra.Command{
		Use:   "key <actor-id>",
		Short: "Issue an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, args[0], keyName, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "secret": secret})
			})
		},
	}
	keyCreate.Flags().StringVar(&keyName, "name", "", "key label")

	actor.AddCommand(grant, revoke, roles, keyCreate)
	return actor
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e, err := app.OpenEngine(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
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
