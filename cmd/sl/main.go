package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sprintline/internal/agent"
	"sprintline/internal/app"
	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/repo"
	"sprintline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Sprintline CLI",
	Long: `Sprintline drives epics through a fixed crew of role handlers.
- Epic: a goal the planner breaks into issues; phases go pending -> planning -> designing -> issue_loop -> completing -> complete.
- Issue: one deliverable handed engineer -> reviewer -> qa -> architect, scored at every verifier step.
- Round trips: each hand-off into review or QA counts; past the configured limit the issue escalates to a human.
- Escalations: resolve with 'sl resolve --action retry|accept', then 'sl resume'.
- Stop: 'sl stop' is honored at the next phase or issue boundary; 'sl resume' continues from the last committed state.
- Event log: every transition is recorded, view with 'sl log tail'.`,
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
	viper.SetEnvPrefix("SPRINTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/sprintline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor recorded on stops and resolutions")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, a default config and starter personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			cfg := config.Default()
			dir := filepath.Join(workspace, cfg.Personas.Dir)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			for _, role := range agent.Roles {
				p := filepath.Join(dir, string(role)+".md")
				if _, err := os.Stat(p); err == nil && !force {
					continue
				}
				if err := os.WriteFile(p, []byte(starterPersona(role)), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("Initialized workspace %s (config %s, personas %s)\n", workspace, path, dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func starterPersona(role agent.Role) string {
	return fmt.Sprintf("# %s\n\nYou are the %s of a small delivery crew. Stay inside the scope you are given, cite evidence for every claim, and list the artifacts you touched.\n", role, role)
}

func runCmd() *cobra.Command {
	var epicID, prompt string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create an epic from a prompt and drive it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("--prompt required")
			}
			return withContext(cmd.Context(), true, func(ctx context.Context, c *app.Context) error {
				ep, err := c.Engine.Run(ctx, epicID, prompt)
				return reportEpic(ep, err)
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id (generated when empty)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "goal for the planner")
	return cmd
}

type batchFile struct {
	Epics []struct {
		ID     string `yaml:"id"`
		Prompt string `yaml:"prompt"`
	} `yaml:"epics"`
}

func batchCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Drive several independent epics concurrently",
		Long:  "Reads a YAML file with an epics list of {id, prompt}. At most orchestration.parallel_epics run at once; one failing epic never stops the others.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var bf batchFile
			if err := yaml.Unmarshal(data, &bf); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			if len(bf.Epics) == 0 {
				return fmt.Errorf("%s lists no epics", file)
			}
			reqs := make([]engine.Request, 0, len(bf.Epics))
			for _, e := range bf.Epics {
				reqs = append(reqs, engine.Request{EpicID: e.ID, Prompt: e.Prompt})
			}
			return withContext(cmd.Context(), true, func(ctx context.Context, c *app.Context) error {
				outcomes := c.Engine.RunAll(ctx, reqs)
				if viper.GetBool("json") {
					return printJSON(outcomeRows(outcomes))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Epic", "Status", "Phase", "Result"})
				failed := 0
				for _, o := range outcomes {
					result := "ok"
					if o.Err != nil {
						result = o.Err.Error()
						if !resumable(o.Err) {
							failed++
						}
					}
					tw.AppendRow(table.Row{o.EpicID, o.Epic.Status, o.Epic.Phase, result})
				}
				tw.Render()
				if failed > 0 {
					return fmt.Errorf("%d of %d epics failed", failed, len(outcomes))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file listing epics")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func outcomeRows(outcomes []engine.Outcome) []map[string]any {
	rows := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		row := map[string]any{"epic_id": o.EpicID, "status": o.Epic.Status, "phase": o.Epic.Phase}
		if o.Err != nil {
			row["error"] = o.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

func resumeCmd() *cobra.Command {
	var epicID string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an epic from its last committed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), true, func(ctx context.Context, c *app.Context) error {
				ep, err := c.Engine.Resume(ctx, epicID)
				return reportEpic(ep, err)
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func stopCmd() *cobra.Command {
	var epicID string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running epic to stop at the next boundary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, c *app.Context) error {
				if err := c.Engine.Stop(ctx, epicID, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Stop requested for %s\n", epicID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	_ = cmd.MarkFlagRequired("epic")
	return cmd
}

func statusCmd() *cobra.Command {
	var epicID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show epics, or the issues of one epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, c *app.Context) error {
				if epicID != "" {
					ep, err := c.Repo.GetEpic(ctx, epicID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(ep)
					}
					printEpic(ep)
					return nil
				}
				epics, err := c.Repo.ListEpics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(epics)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Epic", "Status", "Phase", "Issues", "Escalated", "Stop", "Updated"})
				for _, ep := range epics {
					escalated := 0
					for _, is := range ep.Issues {
						if is.Status == domain.IssueEscalated {
							escalated++
						}
					}
					tw.AppendRow(table.Row{ep.ID, ep.Status, ep.Phase, len(ep.Issues), escalated, ep.StopRequested, ep.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	return cmd
}

func printEpic(ep domain.Epic) {
	fmt.Printf("Epic: %s (%s, phase %s)\n", ep.ID, ep.Status, ep.Phase)
	if ep.StopRequested {
		fmt.Println("Stop requested")
	}
	if ep.LastError != "" {
		fmt.Printf("Last error: %s\n", ep.LastError)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Issue", "Status", "Agent", "Review", "QA", "Score", "Escalation"})
	for _, is := range ep.Issues {
		score := "-"
		if is.LatestScore != nil {
			score = fmt.Sprintf("%d (%s)", is.LatestScore.Total(), is.LatestScore.Interpretation())
		}
		tw.AppendRow(table.Row{is.ID, is.Status, is.AssignedAgent, is.ReviewCycles, is.QACycles, score, is.EscalationReason})
	}
	tw.Render()
}

func resolveCmd() *cobra.Command {
	var epicID, issueID, action, note string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an escalated issue",
		Long:  "retry requeues the issue with fresh round-trip budgets; accept marks it done. Run 'sl resume' afterwards to continue the epic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, c *app.Context) error {
				is, err := c.Engine.Resolve(ctx, epicID, issueID, action, viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(is)
				}
				fmt.Printf("Issue %s is now %s\n", is.ID, is.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id")
	cmd.Flags().StringVar(&action, "action", "", "retry or accept")
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the cycle history")
	_ = cmd.MarkFlagRequired("epic")
	_ = cmd.MarkFlagRequired("issue")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Inspect persisted state"}
	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every epic, issue and cycle record as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, c *app.Context) error {
				w := os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return c.Repo.ExportYAML(ctx, w)
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "-", "output file")
	st.AddCommand(export)
	return st
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var epicID, issueID, role, evtType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, c *app.Context) error {
				f := repo.EventFilter{EpicID: epicID, IssueID: issueID, Role: role, Type: evtType, Limit: n}
				evts, err := c.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				sort.Slice(evts, func(i, j int) bool { return evts[i].ID < evts[j].ID })
				var last int64
				for _, ev := range evts {
					printEvent(ev)
					last = ev.ID
				}
				if !follow {
					return nil
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					f.After, f.Limit = last, 200
					more, err := c.Repo.LatestEvents(ctx, f)
					if err != nil {
						return err
					}
					sort.Slice(more, func(i, j int) bool { return more[i].ID < more[j].ID })
					for _, ev := range more {
						printEvent(ev)
						last = ev.ID
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id filter")
	cmd.Flags().StringVar(&issueID, "issue", "", "issue id filter")
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	return cmd
}

func printEvent(ev domain.Event) {
	if viper.GetBool("json") {
		b, _ := json.Marshal(ev)
		fmt.Println(string(b))
		return
	}
	scope := ev.EpicID
	if ev.IssueID != "" {
		scope += "/" + ev.IssueID
	}
	role := ev.Role
	if role == "" {
		role = "-"
	}
	fmt.Printf("%6d %s %-22s %-10s %s %s\n", ev.ID, ev.TS, ev.Type, role, scope, ev.Payload)
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, roles, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"operator"}, "role claims")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "direct permission claims")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd.Context(), false, func(ctx context.Context, c *app.Context) error {
				if c.Config.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret (SPRINTLINE_JWT_SECRET) is required for bearer auth")
				}
				if addr == "" {
					addr = c.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Engine:   c.Engine,
					Metrics:  c.Metrics,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: c.Config.Server.JWTSecret, Logger: c.Log.Named("http")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				c.Log.Info("serving operator API", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Sprintline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withContext(ctx context.Context, handlers bool, fn func(context.Context, *app.Context) error) error {
	c, err := app.Open(ctx, app.Options{
		Workspace:    viper.GetString("workspace"),
		ConfigPath:   viper.GetString("config"),
		WithHandlers: handlers,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// resumable reports whether err leaves the epic waiting on an operator
// rather than failed.
func resumable(err error) bool {
	return errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrAwaitingResolution) ||
		errors.Is(err, context.Canceled)
}

func reportEpic(ep domain.Epic, err error) error {
	if err != nil && !resumable(err) {
		if ep.ID != "" && !viper.GetBool("json") {
			printEpic(ep)
		}
		return err
	}
	if viper.GetBool("json") {
		out := map[string]any{"epic": ep}
		if err != nil {
			out["waiting"] = err.Error()
		}
		return printJSON(out)
	}
	printEpic(ep)
	switch {
	case errors.Is(err, engine.ErrAwaitingResolution):
		fmt.Printf("Waiting on escalations: resolve them with 'sl resolve', then 'sl resume --epic %s'\n", ep.ID)
	case errors.Is(err, engine.ErrStopped):
		fmt.Printf("Stopped: continue with 'sl resume --epic %s'\n", ep.ID)
	case err != nil:
		fmt.Printf("Interrupted: continue with 'sl resume --epic %s'\n", ep.ID)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
