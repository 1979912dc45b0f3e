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

	"focuslock/internal/config"
	"focuslock/internal/db"
	"focuslock/internal/domain"
	"focuslock/internal/engine"
	"focuslock/internal/migrate"
	"focuslock/internal/monitor"
	"focuslock/internal/repo"
	"focuslock/internal/server"
	"focuslock/internal/unlock"
	"focuslock/internal/wake"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Focuslock CLI",
	Long: `Focuslock enforces focus sessions: while a session is locked, only
explicitly authorized apps may hold the foreground.
- Session: one locked focus period at a time; survives process restarts but
  never a device reboot (a rebooted session is force-ended on recovery).
- Schedules: recurring session starts (once, daily, or weekly on chosen days)
  armed as wake-ups and re-armed after every boot.
- Whitelist: a small user-chosen set of packages allowed during a session,
  bounded by a quota. Default apps (dialer, clock, calendar) toggle separately.
- Unlock: ending a session early takes the 4-digit PIN or a delivered
  one-time code; codes expire after an hour and are single use.
- Event log: diary of everything, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FOCUSLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(whitelistCmd())
	rootCmd.AddCommand(defaultsCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(foregroundCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage the focus session",
	}
	session.AddCommand(sessionStartCmd())
	session.AddCommand(sessionEndCmd())
	session.AddCommand(sessionStatusCmd())
	return session
}

func sessionStartCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a focus session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.StartSession(ctx, time.Duration(minutes)*time.Minute, domain.SourceManual, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 25, "session duration in minutes")
	return cmd
}

func sessionEndCmd() *cobra.Command {
	var completed bool
	cmd := &cobra.Command{
		Use:   "end",
		Short: "End the focus session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.EndSession(ctx, completed, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().BoolVar(&completed, "completed", false, "mark the session as completed")
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.CheckExpiryOrRestart(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"locked":    st.Action == engine.ActionContinue,
					"reason":    st.Reason,
					"remaining": st.Remaining.String(),
					"source":    st.Session.Source,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				switch st.Action {
				case engine.ActionContinue:
					fmt.Printf("Locked (%s), %s remaining, ends %s\n",
						st.Session.Source, st.Remaining.Round(time.Second), st.Session.EndsAt().Format(time.Kitchen))
				case engine.ActionForceEnd:
					fmt.Printf("No session (previous one force-ended: %s)\n", st.Reason)
				default:
					fmt.Println("No session")
				}
				return nil
			})
		},
	}
	return cmd
}

func scheduleCmd() *cobra.Command {
	sched := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring session schedules",
	}
	sched.AddCommand(scheduleAddCmd())
	sched.AddCommand(scheduleListCmd())
	sched.AddCommand(scheduleShowCmd())
	sched.AddCommand(scheduleEnableCmd(true))
	sched.AddCommand(scheduleEnableCmd(false))
	sched.AddCommand(scheduleDeleteCmd())
	return sched
}

func scheduleAddCmd() *cobra.Command {
	var name, repeat, days string
	var hour, minute, duration, preNotify int
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			daySet, err := domain.ParseDaySet(days)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.CreateSchedule(ctx, engine.ScheduleOptions{
					Name:             name,
					StartHour:        hour,
					StartMinute:      minute,
					DurationMinutes:  duration,
					RepeatType:       repeat,
					RepeatDays:       daySet,
					PreNotifyMinutes: preNotify,
					Enabled:          !disabled,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "schedule name")
	cmd.Flags().IntVar(&hour, "hour", 9, "start hour (0-23)")
	cmd.Flags().IntVar(&minute, "minute", 0, "start minute (0-59)")
	cmd.Flags().IntVar(&duration, "minutes", 25, "session duration in minutes")
	cmd.Flags().StringVar(&repeat, "repeat", domain.RepeatOnce, "repeat type (once, daily, weekly)")
	cmd.Flags().StringVar(&days, "days", "", "weekly days, e.g. mon,wed,fri")
	cmd.Flags().IntVar(&preNotify, "pre-notify", 0, "minutes of advance notice")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create disabled")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				schedules, err := e.Repo.ListSchedules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(schedules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "At", "Minutes", "Repeat", "Days", "Enabled"})
				for _, s := range schedules {
					tw.AppendRow(table.Row{
						s.ID, s.Name,
						fmt.Sprintf("%02d:%02d", s.StartHour, s.StartMinute),
						s.DurationMinutes, s.RepeatType, s.RepeatDays.CSV(), s.Enabled,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func scheduleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Repo.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func scheduleEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a schedule"
	if !enable {
		use, short = "disable <id>", "Disable a schedule"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SetScheduleEnabled(ctx, args[0], enable, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func scheduleDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "del <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteSchedule(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func whitelistCmd() *cobra.Command {
	wl := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage the session whitelist",
	}
	wl.AddCommand(whitelistAddCmd())
	wl.AddCommand(whitelistRemoveCmd())
	wl.AddCommand(whitelistListCmd())
	return wl
}

func whitelistAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <package>",
		Short: "Whitelist a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.AddWhitelisted(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func whitelistRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <package>",
		Short: "Remove a package from the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.RemoveWhitelisted(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func whitelistListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List whitelisted packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Repo.ListWhitelist(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Package", "Added"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.PackageID, entry.AddedAt})
				}
				tw.Render()
				fmt.Printf("%d of %d slots used\n", len(entries), e.Config.Enforcement.MaxWhitelistedApps)
				return nil
			})
		},
	}
	return cmd
}

func defaultsCmd() *cobra.Command {
	def := &cobra.Command{
		Use:   "defaults",
		Short: "Manage default apps (dialer, clock, calendar)",
	}
	def.AddCommand(defaultsToggleCmd(true))
	def.AddCommand(defaultsToggleCmd(false))
	def.AddCommand(defaultsListCmd())
	return def
}

func defaultsToggleCmd(enable bool) *cobra.Command {
	use, short := "enable <package>", "Enable a default app during sessions"
	if !enable {
		use, short = "disable <package>", "Disable a default app during sessions"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SetDefaultAppEnabled(ctx, args[0], enable, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func defaultsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List default apps and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				enabled, err := e.Repo.EnabledDefaultApps(ctx)
				if err != nil {
					return err
				}
				type row struct {
					Name        string `json:"name"`
					Package     string `json:"package"`
					Description string `json:"description"`
					Enabled     bool   `json:"enabled"`
				}
				var rows []row
				for name, app := range e.Config.Authorization.DefaultApps {
					rows = append(rows, row{name, app.Package, app.Description, enabled[app.Package]})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Package", "Enabled", "Description"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Name, r.Package, r.Enabled, r.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func unlockCmd() *cobra.Command {
	ul := &cobra.Command{
		Use:   "unlock",
		Short: "PIN and one-time-code unlock",
	}
	ul.AddCommand(unlockSetPINCmd())
	ul.AddCommand(unlockCheckPINCmd())
	ul.AddCommand(unlockRequestCodeCmd())
	ul.AddCommand(unlockValidateCodeCmd())
	return ul
}

func unlockSetPINCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-pin <pin>",
		Short: "Set the 4-digit unlock PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUnlock(cmd.Context(), func(ctx context.Context, u *unlock.Service) error {
				return u.SetPIN(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func unlockCheckPINCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-pin <pin>",
		Short: "Check a PIN; a valid PIN ends the session early",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u := unlock.New(e.DB)
				ok, err := u.CheckPIN(ctx, args[0])
				if err != nil {
					return err
				}
				if ok {
					if err := e.EndSession(ctx, false, viper.GetString("actor-id")); err != nil && !errors.Is(err, engine.ErrNoSession) {
						return err
					}
				}
				return printJSONOrTable(map[string]bool{"valid": ok})
			})
		},
	}
	return cmd
}

func unlockRequestCodeCmd() *cobra.Command {
	var destination string
	cmd := &cobra.Command{
		Use:   "request-code",
		Short: "Generate a one-time code and deliver it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if destination == "" {
				return fmt.Errorf("--to required")
			}
			return withUnlock(cmd.Context(), func(ctx context.Context, u *unlock.Service) error {
				delivered, err := u.RequestDelivery(ctx, destination, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"delivered": delivered})
			})
		},
	}
	cmd.Flags().StringVar(&destination, "to", "", "delivery destination (phone number, email)")
	return cmd
}

func unlockValidateCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-code <code>",
		Short: "Validate a one-time code; a valid code ends the session early",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				u := unlock.New(e.DB)
				ok, err := u.ValidateCode(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if ok {
					if err := e.EndSession(ctx, false, viper.GetString("actor-id")); err != nil && !errors.Is(err, engine.ErrNoSession) {
						return err
					}
				}
				return printJSONOrTable(map[string]bool{"valid": ok})
			})
		},
	}
	return cmd
}

func foregroundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreground <package>",
		Short: "Report a foreground app change to the monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m := monitor.New(e)
				out, err := m.HandleEvent(ctx, args[0], time.Time{})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run boot recovery (flag a surviving session, re-arm schedules)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.BootRecover(ctx)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.TS, evt.Type, entity, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
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
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
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
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Wake = wake.New(e.OnFire)
			u := unlock.New(conn)
			if sender := unlock.NewWebhookSender(cfg); sender != nil {
				u.Sender = sender
			}
			if err := e.BootRecover(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FOCUSLOCK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FOCUSLOCK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Monitor:  monitor.New(e),
				Unlock:   u,
				BasePath: basePath,
				Auth:     authCfg,
			})
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
			fmt.Printf("Serving Focuslock API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage focuslock.yml"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default focuslock.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate focuslock.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Wake = wake.New(e.OnFire)
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

func withUnlock(ctx context.Context, fn func(context.Context, *unlock.Service) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	u := unlock.New(conn)
	if sender := unlock.NewWebhookSender(cfg); sender != nil {
		u.Sender = sender
	}
	return fn(ctx, u)
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
