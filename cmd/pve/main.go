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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pveassist/internal/app"
	"pveassist/internal/config"
	"pveassist/internal/db"
	"pveassist/internal/domain"
	"pveassist/internal/intent"
	"pveassist/internal/repo"
	"pveassist/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pve",
	Short: "Programme of Requirements assistant",
	Long: `pve answers chat turns of the Programme of Requirements wizard and routes
architect notifications.
- Workspace: the .pve directory holding the database (turn memory, event log, knowledge).
- pve.yml: chapter catalog, field schemas, turn thresholds, queue timings, LLM and webhooks.
- Turns: one message plus the caller's wizard state in, a reply plus patch intents out.
- Architect events: debounced, deduplicated and rate limited per project, then logged and sent to webhooks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides pve.yml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, actorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PVE_JWT_SECRET is required for bearer auth")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Runtime:  rt,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, AllowActorHeader: actorHeader},
					Logger:   rt.Logger.Named("http"),
				})
				if err != nil {
					return err
				}
				go rt.Dispatcher.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving",
					zap.String("addr", "http://"+addr+basePath),
					zap.String("project", rt.Config.Project.ID),
					zap.Bool("webhooks", rt.Dispatcher.Enabled()),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (env PVE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func turnCmd() *cobra.Command {
	var chapter, statePath, previous, mode string
	var retrieval bool
	cmd := &cobra.Command{
		Use:   "turn MESSAGE",
		Short: "Run one chat turn against the local workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := domain.WizardState{}
			if statePath != "" {
				var err error
				if state, err = readState(statePath); err != nil {
					return err
				}
			}
			if chapter != "" {
				state.CurrentChapter = chapter
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, turn, err := rt.RunTurn(ctx, app.TurnRequest{
					ProjectID:       rt.Config.Project.ID,
					ActorID:         viper.GetString("actor-id"),
					Message:         strings.Join(args, " "),
					State:           state,
					PreviousChapter: previous,
					Mode:            mode,
					AllowRetrieval:  retrieval,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"turn_id": turn.ID, "result": res})
				}
				fmt.Println(res.Reply)
				fmt.Printf("\nsource=%s chapter=%s confidence=%.2f fallback=%t pending=%t\n", res.Source, res.Chapter, res.Confidence, res.UsedFallback, res.PendingPatches)
				if res.Navigate != "" {
					fmt.Println("navigate:", res.Navigate)
				}
				if res.FocusField != "" {
					fmt.Println("focus:", res.FocusField)
				}
				printPatches("Patches", res.Patches)
				printPatches("Suggestions", res.Suggestions)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chapter, "chapter", "", "current chapter")
	cmd.Flags().StringVar(&statePath, "state", "", "wizard state file (JSON or YAML)")
	cmd.Flags().StringVar(&previous, "previous-chapter", "", "chapter of the previous turn (default: from memory)")
	cmd.Flags().StringVar(&mode, "mode", domain.ModePreview, "conversation mode (preview|premium)")
	cmd.Flags().BoolVar(&retrieval, "retrieval", false, "allow knowledge retrieval")
	return cmd
}

func intentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intent MESSAGE",
		Short: "Show the fast intent recognized in a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := intent.Detect(strings.Join(args, " "))
			if in == nil {
				if viper.GetBool("json") {
					return printJSON(nil)
				}
				fmt.Println("no fast intent")
				return nil
			}
			if viper.GetBool("json") {
				return printJSON(in)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Kind", "Confidence", "Chapter", "Step", "Field", "Value"})
			tw.AppendRow(table.Row{in.Kind, fmt.Sprintf("%.2f", in.Confidence), in.Chapter, in.Step, in.Field, formatValue(in.Value)})
			tw.Render()
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	evs := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "Turns and delivered architect notifications are recorded in the event log.",
	}
	var n int
	var evtType string
	var all bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.EventFilters{Type: evtType, Limit: n}
				if !all {
					cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("project"))
					if err != nil {
						return err
					}
					f.ProjectID = cfg.Project.ID
				}
				items, err := r.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().BoolVar(&all, "all", false, "all projects")
	evs.AddCommand(tail)
	return evs
}

func memoryCmd() *cobra.Command {
	var n int
	mem := &cobra.Command{
		Use:   "memory",
		Short: "Show stored conversation turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProjectRepo(cmd.Context(), func(ctx context.Context, projectID string, r repo.Repo) error {
				turns, err := r.RecentTurns(ctx, projectID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(turns)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Chapter", "Source", "Fallback", "User", "Reply"})
				for _, t := range turns {
					tw.AppendRow(table.Row{t.TS, t.Chapter, t.Source, t.UsedFallback, truncate(t.UserMessage, 40), truncate(t.Reply, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	mem.Flags().IntVarP(&n, "n", "n", 20, "number of turns")
	mem.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the project's conversation turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProjectRepo(cmd.Context(), func(ctx context.Context, projectID string, r repo.Repo) error {
				removed, err := r.DeleteTurns(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d turns of %s\n", removed, projectID)
				return nil
			})
		},
	})
	return mem
}

func knowledgeCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage retrievable guidance snippets",
	}
	k.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Import snippets from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snippets, err := readSnippets(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertKnowledge(ctx, snippets); err != nil {
					return err
				}
				total, err := r.CountKnowledge(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d snippets (%d stored)\n", len(snippets), total)
				return nil
			})
		},
	})
	var limit int
	search := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search snippets the way turn retrieval does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				hits, err := r.SearchKnowledge(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hits)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Chapter", "Title", "Body"})
				for _, s := range hits {
					tw.AppendRow(table.Row{s.ID, s.Chapter, s.Title, truncate(s.Body, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	search.Flags().IntVar(&limit, "limit", 3, "maximum hits")
	k.AddCommand(search)
	return k
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage pve.yml",
		Long:  "pve.yml holds the chapter catalog with field schemas, turn thresholds, queue timings, the LLM provider and webhooks.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pve.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := viper.GetString("project")
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate pve.yml",
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
	})
	return cfg
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = os.Getenv("PVE_JWT_SECRET")
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), nil, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if viper.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, viper.GetString("project"))
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	rt, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.OpenMigrated(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withProjectRepo(ctx context.Context, fn func(context.Context, string, repo.Repo) error) error {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("project"))
	if err != nil {
		return err
	}
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		return fn(ctx, cfg.Project.ID, r)
	})
}

// readState accepts JSON or YAML; both go through the JSON field names.
func readState(path string) (domain.WizardState, error) {
	var state domain.WizardState
	data, err := os.ReadFile(path)
	if err != nil {
		return state, err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return state, fmt.Errorf("parse state %s: %w", path, err)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return state, fmt.Errorf("parse state %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, &state); err != nil {
		return state, fmt.Errorf("parse state %s: %w", path, err)
	}
	return state, nil
}

func readSnippets(path string) ([]domain.KnowledgeSnippet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Snippets []domain.KnowledgeSnippet `yaml:"snippets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Snippets) == 0 {
		return nil, fmt.Errorf("%s contains no snippets", path)
	}
	return doc.Snippets, nil
}

func printPatches(title string, patches []domain.PatchEvent) {
	if len(patches) == 0 {
		return
	}
	tw := newTable()
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"Chapter", "Path", "Op", "Value"})
	for _, p := range patches {
		tw.AppendRow(table.Row{p.Chapter, p.Delta.Path, p.Delta.Operation, formatValue(p.Delta.Value)})
	}
	tw.Render()
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
