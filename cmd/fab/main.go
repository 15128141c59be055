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

	"fabline/internal/app"
	"fabline/internal/config"
	"fabline/internal/db"
	"fabline/internal/domain"
	"fabline/internal/engine"
	"fabline/internal/engine/access"
	"fabline/internal/repo"
	"fabline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fab",
	Short: "Fabline CLI",
	Long: `Fabline tracks manufacturing units through a fixed production pipeline.
Core concepts:
- Workspace: your .fabline directory holding the SQLite database; the pipeline is declared in fabline.yml.
- Units: machines identified by serial number; each active unit sits at exactly one stage with one assignee.
- Stages: material_collection -> assembly -> testing -> delivery -> installation; each stage names the role that works it.
- Completing a stage writes a history entry and hands the unit to the next stage's assignee; finishing the last stage closes the unit.
- History: the append-only ledger of who completed what, when.
- Access: admins see and do everything; technicians see their stage and act only on units assigned to them.`,
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
	viper.SetEnvPrefix("FABLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func unitCmd() *cobra.Command {
	unit := &cobra.Command{
		Use:   "unit",
		Short: "Manage units",
		Long:  "Units are the machines moving through the pipeline. Creating one places it at the first stage with a resolved assignee; 'unit complete' advances it stage by stage until installation closes it.",
	}
	unit.AddCommand(unitCreateCmd())
	unit.AddCommand(unitListCmd())
	unit.AddCommand(unitShowCmd())
	unit.AddCommand(unitUpdateCmd())
	unit.AddCommand(unitDeleteCmd())
	unit.AddCommand(unitCompleteCmd())
	return unit
}

func unitCreateCmd() *cobra.Command {
	var in engine.UnitInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a unit at the first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				u, err := e.CreateUnit(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&in.SerialNumber, "serial", "", "serial number")
	cmd.Flags().StringVar(&in.MachineType, "machine-type", "", "machine type")
	cmd.Flags().StringVar(&in.ClientName, "client-name", "", "client name")
	cmd.Flags().StringVar(&in.ClientSociety, "client-society", "", "client society")
	cmd.Flags().StringVar(&in.Remarks, "remarks", "", "remarks")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}

func unitListCmd() *cobra.Command {
	var f repo.UnitFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				units, err := e.ListUnits(ctx, actor, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				renderUnitTable(units)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, completed)")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	return cmd
}

func unitShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a unit with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				detail, err := e.GetUnitDetail(ctx, actor, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	return cmd
}

func unitUpdateCmd() *cobra.Command {
	var serial, machineType, clientName, clientSociety, remarks string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update unit info (serial, client, remarks)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var upd repo.UnitUpdate
			if cmd.Flags().Changed("serial") {
				upd.SerialNumber = &serial
			}
			if cmd.Flags().Changed("machine-type") {
				upd.MachineType = &machineType
			}
			if cmd.Flags().Changed("client-name") {
				upd.ClientName = &clientName
			}
			if cmd.Flags().Changed("client-society") {
				upd.ClientSociety = &clientSociety
			}
			if cmd.Flags().Changed("remarks") {
				upd.Remarks = &remarks
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				u, err := e.UpdateUnit(ctx, actor, id, upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&serial, "serial", "", "serial number")
	cmd.Flags().StringVar(&machineType, "machine-type", "", "machine type")
	cmd.Flags().StringVar(&clientName, "client-name", "", "client name")
	cmd.Flags().StringVar(&clientSociety, "client-society", "", "client society")
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks")
	return cmd
}

func unitDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a unit and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				removed, err := e.DeleteUnit(ctx, actor, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted": id, "deleted_history_entries": removed})
			})
		},
	}
	return cmd
}

func unitCompleteCmd() *cobra.Command {
	var remarks string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete the unit's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				res, err := e.CompleteStage(ctx, id, actor, remarks)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Completed {
					fmt.Printf("Unit %s completed its final stage (%s)\n", res.UnitID, res.FromStageLabel)
					return nil
				}
				assignee := ""
				if res.NewAssigneeName != nil {
					assignee = *res.NewAssigneeName
				}
				fmt.Printf("Unit %s moved %s -> %s (assignee: %s)\n", res.UnitID, res.FromStageLabel, res.NewStageLabel, assignee)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "remarks for the history entry")
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Inspect the pipeline",
	}
	stage.AddCommand(stageListCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline stages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages := e.Catalog.List()
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "Name", "Label", "Role", "Est. Hours"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.Order, s.Name, s.Label, s.RequiredRole, s.EstimatedDurationHours})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
		Long:  "Users are the people in the plant. Each non-admin role maps to exactly one stage; the derived stage_access decides what a user sees and which units get assigned to them.",
	}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userSetActiveCmd())
	user.AddCommand(userByStageCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var in engine.UserInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				u, err := e.CreateUser(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "user id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&in.Username, "username", "", "username")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Role, "role", "", "role (admin or a stage role)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Role", "Stage Access", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Role, u.StageAccess, u.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or deactivate a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				u, err := e.UpdateUser(ctx, actor, id, engine.UserPatch{IsActive: &active})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "is_active value")
	return cmd
}

func userByStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "by-stage <stage>",
		Short: "List users with access to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, ok := e.Catalog.ByName(stage); !ok {
					return fmt.Errorf("stage %s not found", stage)
				}
				users, err := e.Repo.ListUsersByStage(ctx, stage)
				if err != nil {
					return err
				}
				return printJSONOrTable(users)
			})
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List active units assigned to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				units, err := e.MyTasks(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(units)
				}
				renderUnitTable(units)
				return nil
			})
		},
	}
	return cmd
}

func dashboardCmd() *cobra.Command {
	dash := &cobra.Command{
		Use:   "dashboard",
		Short: "Production overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				d, err := e.GetDashboard(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Pending: %d\nCompleted: %d\nTotal: %d\n", d.Pending, d.Completed, d.Total)
				return nil
			})
		},
	}
	dash.AddCommand(dashboardStatisticsCmd())
	dash.AddCommand(dashboardActivitiesCmd())
	return dash
}

func dashboardStatisticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statistics",
		Short: "Per-stage unit distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				stats, err := e.GetStatistics(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Label", "Count", "%"})
				for _, s := range stats.Distribution {
					tw.AppendRow(table.Row{s.Stage, s.Label, s.Count, fmt.Sprintf("%.1f", s.Percentage)})
				}
				tw.Render()
				fmt.Printf("Total: %d  Active: %d  Completed: %d\n", stats.TotalUnits, stats.ActiveUnits, stats.CompletedUnits)
				return nil
			})
		},
	}
	return cmd
}

func dashboardActivitiesCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Recent stage completions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				entries, err := e.RecentActivities(ctx, actor, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Stage", "By", "Completed At"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.UnitSerial, en.StageLabel, en.AssigneeUsername, en.CompletedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				keys, err := e.ListAPIKeys(ctx, actor, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created At"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "filter by owner (admin only)")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				if err := e.DeleteAPIKey(ctx, actor, id); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", id)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e)
				if err != nil {
					return err
				}
				plaintext, k, err := e.CreateAPIKey(ctx, actor, userID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":      k.ID,
					"user_id": k.UserID,
					"name":    k.Name,
					"key":     plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "key owner (defaults to the actor)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage pipeline config",
		Long:  "fabline.yml declares the stage pipeline, the admin user, and auth settings. Changes take effect on the next command or server start.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
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
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fabline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML config and install it as fabline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			path := config.Path(viper.GetString("workspace"))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Installed %s (%d stages)\n", path, len(cfg.Pipeline.Stages))
			return nil
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			e, err := app.Bootstrap(cmd.Context(), conn, cfg)
			if err != nil {
				return err
			}
			secret := os.Getenv("FABLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("FABLINE_JWT_SECRET is required for bearer auth")
			}
			authCfg := server.AuthConfig{JWTSecret: secret, DevLogin: cfg.Auth.DevLogin}
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
			fmt.Printf("Serving Fabline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	e, err := app.Bootstrap(ctx, conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

// resolveActor loads the acting user's row so the engine gates with the
// stored role and stage_access, not whatever the flag claims.
func resolveActor(ctx context.Context, e engine.Engine) (access.Actor, error) {
	id := viper.GetString("actor-id")
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return access.Actor{}, fmt.Errorf("unknown actor %q; add the user first or pass --actor-id", id)
		}
		return access.Actor{}, err
	}
	if !u.IsActive {
		return access.Actor{}, fmt.Errorf("actor %q is deactivated", id)
	}
	return access.Actor{
		UserID:      u.ID,
		Username:    u.Username,
		Role:        u.Role,
		StageAccess: u.StageAccess,
	}, nil
}

func renderUnitTable(units []domain.Unit) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Serial", "Status", "Stage", "Assignee"})
	for _, u := range units {
		stage := ""
		if u.CurrentStage != nil {
			stage = *u.CurrentStage
		}
		assignee := ""
		if u.AssigneeUsername != nil {
			assignee = *u.AssigneeUsername
		}
		tw.AppendRow(table.Row{u.ID, u.SerialNumber, u.Status, stage, assignee})
	}
	tw.Render()
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
