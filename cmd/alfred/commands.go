package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"alfred/internal/agent"
	"alfred/internal/domain"
	"alfred/internal/store"

	"github.com/spf13/cobra"
)

// readPayload returns the JSON object given inline, in a file, or on stdin
// when the source is "-". No source is an empty payload.
func readPayload(inline, file string) (domain.RawPayload, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	}
	payload := domain.RawPayload{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func runCmd() *cobra.Command {
	var (
		inline, file      string
		sessionID, teamID string
		authToken         string
		gateway           bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loop once for a payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(inline, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(eng *engine) error {
				res, err := eng.loop.RunLoop(cmd.Context(), agent.RunRequest{
					Payload:   payload,
					SessionID: sessionID,
					TeamID:    teamID,
					AuthToken: authToken,
					Gateway:   gateway,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Example = `  alfred run --payload '{"trigger":"cold-lead","leadId":"L1","conversationId":"C1"}'
  echo '{"message":"Oi","conversation_id":"C1"}' | alfred run --file - --gateway`
	cmd.Flags().StringVarP(&inline, "payload", "p", "", "payload as a JSON object")
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file, or - for stdin")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id overriding the payload's")
	cmd.Flags().StringVar(&teamID, "team", "", "team id")
	cmd.Flags().StringVar(&authToken, "auth", "", "Authorization header forwarded to the CRM (default: service token)")
	cmd.Flags().BoolVar(&gateway, "gateway", false, "treat the payload as a channel webhook delivery")
	return cmd
}

func cronCmd() *cobra.Command {
	var teamID, authToken string
	cmd := &cobra.Command{
		Use:       "cron [trigger]",
		Short:     "Fire a cron trigger once (leads-cold, sentiment-negative)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: agent.CronTriggers,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(eng *engine) error {
				auth := authToken
				if auth == "" && eng.cfg.CRM.ServiceToken != "" {
					auth = "Bearer " + eng.cfg.CRM.ServiceToken
				}
				res, err := eng.triggers.HandleCron(cmd.Context(), args[0], teamID, auth)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team whose conversations are scanned")
	cmd.Flags().StringVar(&authToken, "auth", "", "Authorization header (default: service token)")
	return cmd
}

func agentsCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agent catalogue with the team's plugins applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(eng *engine) error {
				plugins, err := eng.plugins.ListPlugins(cmd.Context(), teamID)
				if err != nil {
					return err
				}
				var out []*domain.Agent
				for _, a := range eng.registry.Agents() {
					out = append(out, agent.ApplyPlugins(&a, plugins))
				}
				return printJSON(map[string]any{"agents": out, "plugin_count": len(plugins)})
			})
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team whose plugins are applied")
	return cmd
}

func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage team plugins",
	}

	var listTeam string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a team's active plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(eng *engine) error {
				plugins, err := eng.plugins.ListPlugins(cmd.Context(), listTeam)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"plugins": plugins})
			})
		},
	}
	list.Flags().StringVar(&listTeam, "team", "", "team id")
	cmd.AddCommand(list)

	var (
		addTeam, niche, prompt string
		tools                  []string
		inactive               bool
	)
	add := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a plugin for a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := agent.PluginInput{Name: args[0], Niche: niche, PromptTemplate: prompt}
			for _, t := range tools {
				in.Tools = append(in.Tools, domain.ToolKind(strings.TrimSpace(t)))
			}
			if inactive {
				active := false
				in.Active = &active
			}
			return withEngine(cmd.Context(), func(eng *engine) error {
				p, err := eng.plugins.CreatePlugin(cmd.Context(), addTeam, in)
				if err != nil {
					return err
				}
				logger.Info("plugin registered", "team", addTeam, "plugin", p.ID)
				return printJSON(map[string]any{"plugin": p})
			})
		},
	}
	add.Flags().StringVar(&addTeam, "team", "", "team id (required)")
	add.Flags().StringVar(&niche, "niche", "", "business niche")
	add.Flags().StringVar(&prompt, "prompt", "", "prompt template")
	add.Flags().StringSliceVar(&tools, "tools", nil, "extra tools, comma separated")
	add.Flags().BoolVar(&inactive, "inactive", false, "register the plugin disabled")
	_ = add.MarkFlagRequired("team")
	cmd.AddCommand(add)

	return cmd
}

func tracesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "traces [session-id]",
		Short: "Show the tool trace of a session, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(eng *engine) error {
				traces, err := eng.store.ListTraces(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if traces == nil {
					traces = []domain.TraceRecord{}
				}
				return printJSON(map[string]any{"events": traces})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of steps")
	return cmd
}

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "Maintain the conversation read model the cron triggers scan",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Upsert conversations from a JSON array (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var convs []domain.ConversationRef
			if err := json.NewDecoder(r).Decode(&convs); err != nil {
				return fmt.Errorf("decode conversations: %w", err)
			}
			return withEngine(cmd.Context(), func(eng *engine) error {
				for _, c := range convs {
					if c.ID == "" {
						return fmt.Errorf("conversation without id")
					}
					if err := eng.store.UpsertConversation(cmd.Context(), c); err != nil {
						return err
					}
				}
				logger.Info("conversations imported", "count", len(convs))
				return nil
			})
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if cfg.Store.Driver == "memory" {
				logger.Info("memory store has no schema to migrate")
				return nil
			}
			ctx := cmd.Context()
			st, err := store.NewSQLiteStore(ctx, cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := store.SchemaVersion(ctx, st.DB())
			if err != nil {
				return err
			}
			logger.Info("database migrated", "path", cfg.Store.DBPath, "version", v)
			return nil
		},
	}
}
