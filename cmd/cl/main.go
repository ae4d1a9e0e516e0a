package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/agents"
	"caseline/internal/blob"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/docs"
	"caseline/internal/logging"
	"caseline/internal/migrate"
	"caseline/internal/orchestrator"
	"caseline/internal/reasoning"
	"caseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Caseline CLI",
	Long: `Caseline takes a legal petition from raw text to a multi-specialist analysis.
The lifecycle in order:
- Create a petition from its text.
- Ask for the document checklist (which documents the analysis needs, and which are essential).
- Pick the specialist agents; the prognosis analyst is always required.
- Upload documents until every essential requirement is satisfied.
- Start the analysis: specialists run concurrently and their opinions are merged
  into scenarios, next steps, and a continuation document.
- Poll status, then fetch the result.`,
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
	viper.SetEnvPrefix("CASELINE")
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
	rootCmd.AddCommand(petitionCmd())
	rootCmd.AddCommand(docsCmd())
	rootCmd.AddCommand(specialistsCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func petitionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "petition", Short: "Manage petitions"}
	cmd.AddCommand(petitionCreateCmd())
	cmd.AddCommand(petitionShowCmd())
	cmd.AddCommand(petitionListCmd())
	return cmd
}

func petitionCreateCmd() *cobra.Command {
	var text, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a petition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" && file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text or --file required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				p, err := o.CreatePetition(ctx, text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "petition text")
	cmd.Flags().StringVar(&file, "file", "", "read petition text from file")
	return cmd
}

func petitionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <petition-id>",
		Short: "Show a petition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				p, err := o.Repo.GetPetition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func petitionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List petitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				items, err := o.Repo.ListPetitions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Agents", "Run", "Created"})
				for _, p := range items {
					run := ""
					if p.RunID != nil {
						run = *p.RunID
					}
					tw.AppendRow(table.Row{p.ID, p.Status, strings.Join(p.SelectedAgents, ","), run, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func docsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "docs", Short: "Document checklist and uploads"}
	cmd.AddCommand(docsSuggestCmd())
	cmd.AddCommand(docsListCmd())
	cmd.AddCommand(docsUploadCmd())
	return cmd
}

func docsSuggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <petition-id>",
		Short: "Ask the analyzer for the document checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				reqs, err := o.SuggestDocuments(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(reqs)
			})
		},
	}
	return cmd
}

func docsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <petition-id>",
		Short: "List document requirements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				reqs, err := o.Repo.ListRequirements(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Label", "Essential", "Satisfied"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.ID, r.Label, r.Essential, r.SatisfiedBy != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func docsUploadCmd() *cobra.Command {
	var file, mediaType string
	cmd := &cobra.Command{
		Use:   "upload <petition-id> <requirement-id>",
		Short: "Upload a document for a requirement",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				status, err := o.UploadDocument(ctx, args[0], args[1], data, mediaType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("requirement %s satisfied, petition is %s\n", args[1], status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the document")
	cmd.Flags().StringVar(&mediaType, "media-type", "text/plain", "document media type")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func specialistsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "specialists", Short: "Specialist agents"}
	cmd.AddCommand(specialistsListCmd())
	cmd.AddCommand(specialistsSetCmd())
	return cmd
}

func specialistsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available specialists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind"})
				for _, id := range sortedAgentIDs(o.Agents) {
					tw.AppendRow(table.Row{id, o.Agents[id].Kind()})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func specialistsSetCmd() *cobra.Command {
	var agentIDs []string
	cmd := &cobra.Command{
		Use:   "set <petition-id>",
		Short: "Select specialists for a petition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				if err := o.SelectSpecialists(ctx, args[0], agentIDs, viper.GetString("actor-id")); err != nil {
					return err
				}
				p, err := o.Repo.GetPetition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&agentIDs, "agent", []string{}, "agent id (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <petition-id>",
		Short: "Run the analysis to completion",
		Long:  "Admits the analysis run and executes it in-process, printing the result when done.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				petitionID := args[0]
				actor := viper.GetString("actor-id")
				runID, started, err := o.StartAnalysis(ctx, petitionID, actor)
				if err != nil {
					return err
				}
				if !started {
					fmt.Printf("analysis already admitted as run %s\n", runID)
				} else if err := o.Run(ctx, petitionID, runID); err != nil {
					return err
				}
				res, err := o.Result(ctx, petitionID)
				if err != nil {
					if errors.Is(err, orchestrator.ErrNotReady) {
						proj, serr := o.Status(ctx, petitionID)
						if serr != nil {
							return serr
						}
						return printJSONOrTable(proj)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Document)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <petition-id>",
		Short: "Petition status and per-agent progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				proj, err := o.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proj)
				}
				fmt.Printf("petition %s: %s\n", proj.PetitionID, proj.Status)
				if len(proj.Agents) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Agent", "Status", "Reason"})
					for _, a := range proj.Agents {
						tw.AppendRow(table.Row{a.AgentID, a.Status, a.FailureReason})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func resultCmd() *cobra.Command {
	var documentOnly bool
	cmd := &cobra.Command{
		Use:   "result <petition-id>",
		Short: "Fetch the analysis result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				res, err := o.Result(ctx, args[0])
				if err != nil {
					return err
				}
				if documentOnly {
					fmt.Println(res.Document)
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&documentOnly, "document", false, "print only the continuation document")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().YAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: state transitions, uploads, analysis runs.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var petitionID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				events, err := o.Repo.LatestEvents(ctx, n, petitionID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&petitionID, "petition", "", "petition id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o orchestrator.Orchestrator) error {
				handler, err := server.New(server.Config{Orchestrator: o, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				fmt.Println("workspace database:", db.Path(viper.GetString("workspace")))
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

func withOrchestrator(ctx context.Context, fn func(context.Context, orchestrator.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	client := buildClient(cfg)
	analyzer := docs.Analyzer{
		Client:  client,
		Retries: cfg.Analysis.Retries,
		Backoff: cfg.Analysis.Backoff.Std(),
	}
	o := orchestrator.New(conn, cfg, agents.Catalog(cfg, client), analyzer, blob.New(workspace))
	return fn(ctx, o)
}

func buildClient(cfg *config.Config) reasoning.Client {
	if cfg.Reasoning.Mode == "http" {
		return &reasoning.HTTPClient{
			BaseURL: cfg.Reasoning.BaseURL,
			Model:   cfg.Reasoning.Model,
			APIKey:  cfg.Reasoning.APIKey,
			Timeout: cfg.Reasoning.Timeout.Std(),
		}
	}
	return demoScript(cfg)
}

// demoScript backs the scripted reasoning mode with plausible canned output
// so the full lifecycle works offline.
func demoScript(cfg *config.Config) *reasoning.Script {
	s := reasoning.NewScript()
	s.On(docs.TagSuggest, reasoning.Response{Completion: `[
		{"label": "Identity document", "essential": true},
		{"label": "Signed contract", "essential": true},
		{"label": "Prior correspondence", "essential": false}
	]`})
	s.On("agent."+agents.IDStrategist, reasoning.Response{Completion: `{
		"summary": "The petition has a defensible basis; gather supporting evidence before filing.",
		"next_steps": ["Collect witness statements", "File the initial motion", "Request a settlement conference"]
	}`})
	s.On("agent."+agents.IDPrognosis, reasoning.Response{Completion: `{
		"summary": "Settlement is the most likely path.",
		"scenarios": [
			{"label": "favorable settlement", "probability": 0.55, "estimate_low": 10000, "estimate_high": 25000},
			{"label": "judgment for petitioner", "probability": 0.3, "estimate_low": 20000, "estimate_high": 40000},
			{"label": "dismissal", "probability": 0.15}
		]
	}`})
	s.On("agent."+agents.IDCoordinator, reasoning.Response{Completion: `{
		"synthesis": "Specialists agree the claim is viable; prioritize settlement while preparing for trial."
	}`})
	for _, specialty := range cfg.Agents.Specialties {
		s.On("agent."+agents.IDExpert(specialty), reasoning.Response{Completion: fmt.Sprintf(`{
		"opinion": "From a %s law perspective the claim is well grounded.",
		"confidence": 0.8
	}`, specialty)})
	}
	return s
}

func sortedAgentIDs(catalog map[string]agents.Agent) []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
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
