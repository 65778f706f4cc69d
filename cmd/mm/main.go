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

	"milemark/internal/config"
	"milemark/internal/db"
	"milemark/internal/domain"
	"milemark/internal/engine"
	"milemark/internal/migrate"
	"milemark/internal/notify"
	"milemark/internal/repo"
	"milemark/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mm",
	Short: "Milemark CLI",
	Long: `Milemark tracks service engagements along a fixed milestone scale.
Core concepts:
- Workspace: your .milemark directory with the database; milemark.yml declares the milestone catalog.
- Engagement: one client's service package, opened at the lowest milestone.
- Milestones: 10..100 checkpoints; progress only moves forward, and 100 is reachable only from 90.
- Ledger: the append-only trail of every transition, with actor, time spent, and a state snapshot.
- Access gate: completion without feedback blocks access; feedback restores read-only access.
- Stall detection: engagements with no ledger activity for the configured threshold surface in 'mm stalled'.`,
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
	viper.SetEnvPrefix("MILEMARK")
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
	rootCmd.AddCommand(engagementCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(stalledCmd())
	rootCmd.AddCommand(milestonesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func engagementCmd() *cobra.Command {
	eng := &cobra.Command{
		Use:   "engagement",
		Short: "Manage engagements",
		Long:  "Engagements are the tracked units of work for a client. They open at the lowest milestone and move forward until completion.",
	}
	eng.AddCommand(engagementCreateCmd())
	eng.AddCommand(engagementShowCmd())
	eng.AddCommand(engagementListCmd())
	return eng
}

func engagementCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an engagement",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.CreateEngagement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "engagement id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func engagementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.GetEngagement(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	return cmd
}

func engagementListCmd() *cobra.Command {
	var clientID string
	var completed, active string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List engagements",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.EngagementFilters{ClientID: clientID, Limit: limit}
			var err error
			if f.Completed, err = optionalBool(completed); err != nil {
				return fmt.Errorf("--completed: %w", err)
			}
			if f.Active, err = optionalBool(active); err != nil {
				return fmt.Errorf("--active: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEngagements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Title", "Milestone", "Completed", "Started"})
				for _, eng := range items {
					tw.AppendRow(table.Row{eng.ID, eng.ClientID, eng.Title, eng.CurrentMilestone, eng.Completed, eng.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id filter")
	cmd.Flags().StringVar(&completed, "completed", "", "completed filter (true/false)")
	cmd.Flags().StringVar(&active, "active", "", "active filter (true/false)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func progressCmd() *cobra.Command {
	var value int
	var note string
	var automatic bool
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Advance an engagement to a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProgressUpdateOptions{
				EngagementID: args[0],
				Value:        value,
				ActorID:      viper.GetString("actor-id"),
				Note:         note,
				Automatic:    automatic,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				eng, err := e.UpdateProgress(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(eng)
			})
		},
	}
	cmd.Flags().IntVar(&value, "to", 0, "target milestone value")
	cmd.Flags().StringVar(&note, "note", "", "note attached to the ledger entry")
	cmd.Flags().BoolVar(&automatic, "automatic", false, "mark the transition as system-triggered")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func historyCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the progress ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.GetHistory(ctx, id, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "From", "To", "Actor", "Prior", "At"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.Kind, entry.FromValue, entry.ToValue, entry.ActorID,
						(time.Duration(entry.PriorSeconds) * time.Second).String(), entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show the milestone path with time per milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				steps, err := e.GetTimeline(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(steps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Milestone", "Label", "Reached", "Time", "Open"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Milestone, s.Label, s.ReachedAt,
						(time.Duration(s.Seconds) * time.Second).String(), s.Open})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func analyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics <id>",
		Short: "Show progress pace for an engagement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAnalytics(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access <id>",
		Short: "Show the derived access mode and messaging state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mode, reason, err := e.GetAccessMode(ctx, id)
				if err != nil {
					return err
				}
				messaging, err := e.IsMessagingAllowed(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{
					"engagement_id":     id,
					"mode":              string(mode),
					"reason":            reason,
					"can_access":        mode.CanAccess(),
					"messaging_allowed": messaging,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Mode: %s (%s)\n", mode, reason)
				fmt.Printf("Access: %v\n", mode.CanAccess())
				fmt.Printf("Messaging: %v\n", messaging)
				return nil
			})
		},
	}
	return cmd
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{
		Use:   "feedback",
		Short: "Completion feedback",
		Long:  "Completed engagements expect one feedback entry before access reopens. Feedback is read-only afterwards.",
	}
	fb.AddCommand(feedbackSubmitCmd())
	fb.AddCommand(feedbackShowCmd())
	return fb
}

func feedbackSubmitCmd() *cobra.Command {
	var rating int
	var comment string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit completion feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FeedbackOptions{
				EngagementID: args[0],
				ActorID:      viper.GetString("actor-id"),
				Rating:       rating,
				Comment:      comment,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.SubmitFeedback(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

func feedbackShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show submitted feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.GetFeedback(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	return cmd
}

func stalledCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stalled",
		Short: "List engagements with no recent ledger activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.FindStalled(ctx, days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Milestone", "Last activity", "Entries"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.EngagementID, s.CurrentMilestone, s.LastActivityAt, s.HistoryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "inactivity threshold in days (default from config)")
	return cmd
}

func milestonesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestones",
		Short: "Show the milestone catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config.Milestones.Catalog)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Value", "Label", "Automatic", "Next"})
				for _, v := range e.Registry.Values() {
					m, _ := e.Registry.Get(v)
					tw.AppendRow(table.Row{v, m.Label, m.Automatic, fmt.Sprint(e.Registry.AllowedNext(v))})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in milemark.yml: the milestone catalog, stall threshold, and webhook sinks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
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
		Short: "Write the default milemark.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			secret := uuid.New().String()
			key := domain.APIKey{
				ID:      uuid.New().String(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range items {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
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
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			e.Notifier = notify.LogNotifier{}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("MILEMARK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("MILEMARK_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.StartDispatcher(e)
			notify.StartSweeper(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Milemark API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		cfg, err := config.LoadOptional(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		e, err := engine.New(r.DB, cfg)
		if err != nil {
			return err
		}
		e.Notifier = notify.LogNotifier{}
		return fn(ctx, e)
	})
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

func optionalBool(s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		v := true
		return &v, nil
	case "false", "0", "no":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("expected true or false, got %q", s)
}
