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
	"gopkg.in/yaml.v3"

	"huntboard/internal/activity"
	"huntboard/internal/config"
	"huntboard/internal/db"
	"huntboard/internal/domain"
	"huntboard/internal/engine"
	"huntboard/internal/notify"
	"huntboard/internal/pubsub"
	"huntboard/internal/repo"
	"huntboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hunt",
	Short: "Huntboard CLI",
	Long: `Huntboard runs treasure-hunt events: a node graph teams work through by
submitting proof, with rewards, keys and inn purchases along the way.
- Workspace: the .huntboard directory holding the database; huntboard.yml holds the event config.
- Event: one hunt with a node graph; lifecycle goes draft -> public -> completed -> archived.
- Nodes: start, standard, inn and treasure; prerequisites gate what a team can attempt.
- Submissions: proof for an available node, reviewed by a game master (approve/deny).
- Economy: approved nodes pay coins, keys and buffs into the team pot; inns sell extras.
- Activity: the chronological record, view with 'hunt log tail'.`,
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
	viper.SetEnvPrefix("HUNTBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("event", "", "event id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("event", rootCmd.PersistentFlags().Lookup("event"))
}

func registerCommands() {
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(submissionsCmd())
	rootCmd.AddCommand(innCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{Use: "event", Short: "Manage events"}
	ev.AddCommand(eventInitCmd())
	ev.AddCommand(eventCreateCmd())
	ev.AddCommand(eventListCmd())
	ev.AddCommand(eventShowCmd())
	ev.AddCommand(eventStatusCmd("publish", domain.EventPublic, "Open the event for play"))
	ev.AddCommand(eventStatusCmd("complete", domain.EventCompleted, "Close the event"))
	ev.AddCommand(eventStatusCmd("archive", domain.EventArchived, "Archive a completed event"))
	ev.AddCommand(eventPurgeCmd())
	ev.AddCommand(eventRegenMapCmd())
	return ev
}

func eventInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default huntboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if id == "" {
				id = "treasure-hunt"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "event id")
	return cmd
}

func eventCreateCmd() *cobra.Command {
	var id, name, startsAt, endsAt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvent(ctx, engine.EventCreateOptions{
					ID:       id,
					Name:     name,
					StartsAt: startsAt,
					EndsAt:   endsAt,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "event id (defaults to config)")
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().StringVar(&startsAt, "starts", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&endsAt, "ends", "", "end time (RFC3339)")
	return cmd
}

func eventListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.Status, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Repo.GetEvent(ctx, eventID(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
}

func eventStatusCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.SetEventStatus(ctx, eventID(e), status)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
}

func eventPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete an archived event and all its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.PurgeEvent(ctx, eventID(e))
			})
		},
	}
}

func eventRegenMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regen-map",
		Short: "Recompute node map coordinates from the seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RegenerateMap(ctx, eventID(e))
			})
		},
	}
}

func nodeCmd() *cobra.Command {
	node := &cobra.Command{Use: "node", Short: "Manage the node graph"}
	node.AddCommand(nodeImportCmd())
	node.AddCommand(nodeListCmd())
	return node
}

func nodeImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the event's node graph from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			nodes, err := readNodesFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id := eventID(e)
				for i := range nodes {
					nodes[i].EventID = id
				}
				if err := e.ImportNodes(ctx, id, nodes); err != nil {
					return err
				}
				fmt.Printf("imported %d nodes\n", len(nodes))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "nodes file")
	return cmd
}

// readNodesFile accepts YAML or JSON; YAML is converted through JSON so the
// same field names work in both.
func readNodesFile(path string) ([]domain.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml") {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, err
		}
	}
	var doc struct {
		Nodes []domain.Node `json:"nodes"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid nodes file: %w", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("no nodes in %s", path)
	}
	return doc.Nodes, nil
}

func nodeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nodes, err := e.Repo.ListNodes(ctx, eventID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Prereqs", "Coins"})
				for _, n := range nodes {
					tw.AppendRow(table.Row{n.ID, n.Kind, n.Title, strings.Join(n.Prereqs, ","), n.Reward.Coins})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	team.AddCommand(teamStateCmd())
	team.AddCommand(teamNoteCmd())
	team.AddCommand(teamRecomputeCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var name string
	var members []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTeam(ctx, eventID(e), name, members)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "team name")
	cmd.Flags().StringSliceVar(&members, "members", nil, "member ids")
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTeams(ctx, eventID(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Pot", "Members"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Pot, strings.Join(t.Members, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func teamStateCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show a team's full state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return fmt.Errorf("--team required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.GetTeamState(ctx, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(state)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	return cmd
}

func teamNoteCmd() *cobra.Command {
	var teamID, nodeID, text string
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Set a team note on a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || nodeID == "" {
				return fmt.Errorf("--team and --node required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetTeamNote(ctx, teamID, nodeID, text)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	cmd.Flags().StringVar(&text, "text", "", "note text")
	return cmd
}

func teamRecomputeCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild the team's available set from the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return fmt.Errorf("--team required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				avail, err := e.RecomputeAvailability(ctx, teamID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"available": avail})
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	return cmd
}

func submitCmd() *cobra.Command {
	var teamID, nodeID, proofURL, channelID string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit proof for a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || nodeID == "" || proofURL == "" {
				return fmt.Errorf("--team, --node and --proof required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitProof(ctx, engine.SubmitOptions{
					TeamID:      teamID,
					NodeID:      nodeID,
					SubmitterID: viper.GetString("actor-id"),
					ChannelID:   channelID,
					ProofURL:    proofURL,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&nodeID, "node", "", "node id")
	cmd.Flags().StringVar(&proofURL, "proof", "", "proof url")
	cmd.Flags().StringVar(&channelID, "channel", "", "source channel id")
	return cmd
}

func reviewCmd() *cobra.Command {
	var submissionID, reason string
	var approve, deny bool
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Approve or deny a pending submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if submissionID == "" {
				return fmt.Errorf("--submission required")
			}
			if approve == deny {
				return fmt.Errorf("exactly one of --approve or --deny required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ReviewSubmission(ctx, engine.ReviewOptions{
					SubmissionID: submissionID,
					ReviewerID:   viper.GetString("actor-id"),
					Approve:      approve,
					Reason:       reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&submissionID, "submission", "", "submission id")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the submission")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny the submission")
	cmd.Flags().StringVar(&reason, "reason", "", "denial reason")
	return cmd
}

func submissionsCmd() *cobra.Command {
	var teamID, nodeID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubmissions(ctx, repo.SubmissionFilters{
					EventID: eventID(e),
					TeamID:  teamID,
					NodeID:  nodeID,
					Status:  status,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Team", "Node", "Status", "Submitted"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TeamID, s.NodeID, s.Status, s.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id filter")
	cmd.Flags().StringVar(&nodeID, "node", "", "node id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "n", 50, "max results")
	return cmd
}

func innCmd() *cobra.Command {
	inn := &cobra.Command{Use: "inn", Short: "Inn purchases"}
	inn.AddCommand(innBuyCmd())
	return inn
}

func innBuyCmd() *cobra.Command {
	var teamID, nodeID string
	var offer int
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy an inn catalogue entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || nodeID == "" {
				return fmt.Errorf("--team and --node required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PurchaseInnReward(ctx, teamID, nodeID, offer)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&nodeID, "node", "", "inn node id")
	cmd.Flags().IntVar(&offer, "offer", 0, "catalogue index")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entryType, teamID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Activity.Query(ctx, eventID(e), activity.Filters{
					TeamID: teamID,
					Type:   entryType,
					Limit:  n,
					Desc:   true,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Team", "Payload"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.TS, en.Type, en.TeamID, en.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&entryType, "type", "", "entry type filter")
	cmd.Flags().StringVar(&teamID, "team", "", "team id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect huntboard.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
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
			if err := db.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			bus := pubsub.New(pubsub.Options{
				MaxListenersPerTopic: cfg.Publisher.MaxListenersPerTopic,
				BufferSize:           cfg.Publisher.BufferSize,
			})
			defer bus.Close()
			e := engine.New(conn, cfg, bus)
			if n := notify.Start(bus, cfg, cfg.Event.ID); n != nil {
				defer n.Stop()
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("HUNTBOARD_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("HUNTBOARD_JWT_SECRET is required for bearer auth")
			}
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
			fmt.Printf("Serving Huntboard API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("treasure-hunt")
	}
	e := engine.New(conn, cfg, pubsub.New(pubsub.Options{}))
	return fn(ctx, e)
}

func eventID(e engine.Engine) string {
	if id := viper.GetString("event"); id != "" {
		return id
	}
	return e.Config.Event.ID
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
