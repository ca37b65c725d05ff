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

	"agentline/internal/app"
	"agentline/internal/config"
	"agentline/internal/engine"
	"agentline/internal/pipeline"
	"agentline/internal/repo"
	"agentline/internal/roster"
	"agentline/internal/server"
	agentlinesdk "agentline/sdk/go"
)

var errPipelineBlocked = errors.New("pipeline blocked")

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Agentline CLI",
	Long: `Agentline runs a mission through a team of role agents.
Core concepts:
- Mission: one unit of work with a status (PENDING -> IN_PROGRESS -> COMPLETE -> ARCHIVED, BLOCKED on escalation) and a phase.
- Roster: the ten role agents (01/Chief-Dispatcher ... 10/Telegram-Reporter) plus the 00/Orchestrator root that spawns specialists.
- Pipeline: seven stages run in order; research, development and validation run their two members in parallel.
- Validation gate: when QA or Security blocks, deployment is skipped and the conflict is escalated to the dispatcher.
- Bus: consultations between agents and a prioritised message queue with decisions.
- Event logs: one JSON Lines file per stream under log_dir, view with 'al log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/agentline.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "write logs as JSON")
	rootCmd.PersistentFlags().String("server", "", "talk to a running 'al serve' at this URL instead of running in-process")
	for _, name := range []string{"workspace", "json", "config", "log-level", "log-json", "server"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func setupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if viper.GetBool("log-json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func runCmd() *cobra.Command {
	var missionID, task, interval string
	var blockGate bool
	var params map[string]string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline for a mission",
		Long:  "Runs every stage for the mission, creating and starting it when needed. Progress reports go to the configured notifiers; the command exits non-zero when the validation gate blocked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			blocks := map[string]string{}
			if blockGate {
				blocks[string(roster.RoleQA)] = "validation gate blocked by operator"
			}
			var report time.Duration
			if interval != "" {
				d, err := time.ParseDuration(interval)
				if err != nil {
					return fmt.Errorf("invalid --interval: %w", err)
				}
				report = d
			}
			if url := viper.GetString("server"); url != "" {
				c := agentlinesdk.New(url)
				run, err := c.RunPipeline(cmd.Context(), agentlinesdk.RunRequest{
					MissionID:      missionID,
					Task:           task,
					ReportInterval: interval,
					Params:         params,
					Blocks:         blocks,
				})
				if err != nil {
					return err
				}
				if err := printRemoteRun(run); err != nil {
					return err
				}
				if !run.Success {
					return errPipelineBlocked
				}
				return nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				req := pipeline.Request{MissionID: missionID, Task: task, ReportInterval: report, Params: map[string]string{}}
				for k, v := range params {
					req.Params[k] = v
				}
				for who, reason := range blocks {
					role, err := roster.ParseRole(who)
					if err != nil {
						return err
					}
					req.Params[roster.BlockParam(role)] = reason
				}
				snap, err := e.Run(ctx, req)
				if err != nil {
					return err
				}
				if err := printSnapshot(snap); err != nil {
					return err
				}
				if !snap.Success {
					return errPipelineBlocked
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "M-003", "mission id")
	cmd.Flags().StringVar(&task, "task", pipeline.DefaultTask, "task description handed to every agent")
	cmd.Flags().StringVar(&interval, "interval", "", "progress report interval (default pipeline.report_interval)")
	cmd.Flags().BoolVar(&blockGate, "block-gate", false, "make QA block the validation gate")
	cmd.Flags().StringToStringVar(&params, "param", nil, "extra worker parameter key=value (repeatable)")
	return cmd
}

func statusCmd() *cobra.Command {
	var missionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest pipeline run of a mission on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := viper.GetString("server")
			if url == "" {
				return fmt.Errorf("--server is required: runs live in the serving process")
			}
			run, err := agentlinesdk.New(url).PipelineRun(cmd.Context(), missionID)
			if err != nil {
				return err
			}
			return printRemoteRun(run)
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "M-003", "mission id")
	return cmd
}

func rosterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roster",
		Short: "List the role agents in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			type row struct {
				Role    roster.Role `json:"role"`
				AgentID string      `json:"agent_id"`
				Title   string      `json:"title"`
				Kind    string      `json:"directory_role"`
			}
			rows := make([]row, 0, len(roster.Roles))
			for _, r := range roster.Roles {
				rows = append(rows, row{Role: r, AgentID: r.AgentID(), Title: r.Title(), Kind: string(r.AgentRole())})
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Role", "Title", "Directory Role"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.AgentID, r.Role, r.Title, r.Kind})
			}
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in agentline.yml at the workspace root: event sinks, bus and agent limits, mission policies, pipeline reporting and notification webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default agentline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
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
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
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
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened, one stream each for missions, consultations, agents and the pipeline.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var stream, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if e.DB != nil {
					items, err := e.Repo.LatestEvents(ctx, n, 0, repo.EventFilter{Stream: stream, Type: evtType})
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Time", "Stream", "Type", "Entity", "Actor"})
					for i := len(items) - 1; i >= 0; i-- {
						ev := items[i]
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Stream, ev.Type, ev.EntityID, ev.ActorID})
					}
					tw.Render()
					return nil
				}
				records, err := e.Tail(stream, n)
				if err != nil {
					return err
				}
				if evtType != "" {
					kept := records[:0]
					for _, r := range records {
						if r["event_type"] == evtType {
							kept = append(kept, r)
						}
					}
					records = kept
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Stream", "Type", "Record"})
				for _, r := range records {
					rest := map[string]any{}
					for k, v := range r {
						if k != "timestamp" && k != "stream" && k != "event_type" {
							rest[k] = v
						}
					}
					b, _ := json.Marshal(rest)
					tw.AppendRow(table.Row{r["timestamp"], r["stream"], r["event_type"], truncate(string(b), 100)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&stream, "stream", "", "stream filter (missions, consultations, agents, pipeline)")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				if hooks, err := e.WebhookDispatcher(); err == nil {
					go hooks.Run(ctx)
				} else {
					slog.Debug("webhook event delivery disabled", "reason", err)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Agentline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetString("config"))
	if err != nil {
		return err
	}
	e, closeFn, err := app.OpenEngine(ctx, workspace, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func printSnapshot(s pipeline.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Mission %s (%s)", s.MissionID, s.Elapsed)
	tw.AppendHeader(table.Row{"Stage", "Status", "Summary"})
	for _, st := range s.Stages {
		tw.AppendRow(table.Row{st.Stage, st.Status, truncate(st.Summary, 80)})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d complete (%d%%)", s.Completed(), s.Total(), s.Percent())})
	tw.Render()
	return nil
}

func printRemoteRun(r agentlinesdk.Run) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	fmt.Println(r.Report)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
