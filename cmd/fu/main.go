package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"followups/internal/app"
	"followups/internal/board"
	"followups/internal/config"
	"followups/internal/db"
	"followups/internal/domain"
	"followups/internal/engine"
	"followups/internal/logging"
	"followups/internal/repo"
	followupssdk "followups/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "fu",
	Short: "Follow-up tasks CLI",
	Long: `Followups schedules follow-up tasks (call, email, review) against job applications.
- Applications belong to a tenant; every task copies its application's tenant.
- Tasks are created open with a due time strictly in the future.
- The daily board lists today's open tasks and completes them one at a time.
- Event log: every creation and completion, view with 'fu log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("FOLLOWUPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/followups.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(todayCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				handler, err := rt.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.WithFields(log.Fields{
					"addr":      addr,
					"base_path": rt.Config.Server.BasePath,
				}).Info("serving followups API")
				fmt.Printf("Serving Followups API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					addr, rt.Config.Server.BasePath, rt.Config.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func appCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "app",
		Short: "Manage applications",
		Long:  "Applications are provisioned elsewhere in production; these commands seed a local store.",
	}
	a.AddCommand(appAddCmd())
	a.AddCommand(appListCmd())
	return a
}

func appAddCmd() *cobra.Command {
	var id, tenant string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an application for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a := domain.Application{ID: id, TenantID: tenant}
				created, err := app.EnsureApplication(ctx, rt.Engine.Repo, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"application": a, "created": created})
				}
				if created {
					fmt.Printf("application %s added for tenant %s\n", a.ID, a.TenantID)
				} else {
					fmt.Printf("application %s already registered\n", a.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "application id")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func appListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListApplications(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TenantID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage follow-up tasks",
	}
	task.AddCommand(taskCreateCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var req engine.CreateTaskRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a follow-up task",
		Long:  "Task types: " + domain.TaskTypeNames(", ") + ". --due takes an ISO-8601 time that must be in the future.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				id, err := rt.Engine.CreateTask(ctx, req, rt.Engine.Clock())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"success": true, "task_id": id})
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.ApplicationID, "application", "", "application id")
	cmd.Flags().StringVar(&req.TaskType, "type", "", "task type ("+domain.TaskTypeNames("|")+")")
	cmd.Flags().StringVar(&req.DueAt, "due", "", "due time (ISO-8601)")
	return cmd
}

func todayCmd() *cobra.Command {
	var remote, tz, complete string
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Show today's open follow-ups",
		Long:  "Lists open tasks due on today's calendar day. With --complete the task is removed from the board at once and the list is re-read if the store refuses.",
		RunE: func(cmd *cobra.Command, args []string) error {
			run := func(ctx context.Context, store board.Store, loc *time.Location, logger *log.Logger) error {
				if tz != "" {
					l, err := time.LoadLocation(tz)
					if err != nil {
						return fmt.Errorf("invalid --tz: %w", err)
					}
					loc = l
				}
				b := board.New(store,
					board.WithClock(func() time.Time { return time.Now().In(loc) }),
					board.WithLogger(logger),
				)
				if err := b.Refresh(ctx); err != nil {
					return renderBoard(b.View(), loc)
				}
				if complete != "" {
					err := b.MarkComplete(ctx, complete)
					if rerr := renderBoard(b.View(), loc); rerr != nil {
						return rerr
					}
					if err != nil {
						logger.WithError(err).Debug("completion rejected")
						return board.ErrUpdateFailed
					}
					return nil
				}
				return renderBoard(b.View(), loc)
			}

			if remote != "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				loc, err := cfg.Location()
				if err != nil {
					return err
				}
				client := followupssdk.New(remote)
				client.BasePath = cfg.Server.BasePath
				return run(cmd.Context(), client, loc, newLogger(cfg))
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return run(ctx, rt.Engine, rt.Location, rt.Log)
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "API server URL (default: local store)")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for today (overrides config)")
	cmd.Flags().StringVar(&complete, "complete", "", "task id to mark completed")
	return cmd
}

// renderBoard shows due times in loc, the zone that picked the listed day.
func renderBoard(v board.View, loc *time.Location) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"phase": v.Phase.String(),
			"items": v.Tasks,
			"error": v.Error,
			"alert": v.Alert,
		})
	}
	if v.Alert != "" {
		fmt.Println("!", v.Alert)
	}
	if v.Phase == board.PhaseFailed {
		fmt.Println(v.Error)
		return board.ErrLoadFailed
	}
	if len(v.Tasks) == 0 {
		fmt.Println("No follow-ups due today.")
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Application", "Due"})
	for _, t := range v.Tasks {
		tw.AppendRow(table.Row{t.ID, t.Type, t.ApplicationID, formatDue(t, loc)})
	}
	tw.Render()
	return nil
}

// formatDue renders the due clock time in loc, falling back to the stored text.
func formatDue(t domain.Task, loc *time.Location) string {
	d, err := t.Due()
	if err != nil {
		return t.DueAt
	}
	if loc == nil {
		loc = time.Local
	}
	return d.In(loc).Format("15:04")
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every task creation and completion, newest first.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Tenant", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TenantID, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage followups.yml",
	}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default followups.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file if present, then applies env overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("database.driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database.dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *log.Logger {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workspace := viper.GetString("workspace")
	if cfg.Database.Driver == db.DriverSQLite {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
	}
	rt, err := app.Open(ctx, workspace, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
