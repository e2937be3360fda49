package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
	"intakeline/internal/server"
	"intakeline/internal/transitions"
	"intakeline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Intakeline CLI",
	Long: `Intakeline is the intake core for a freelance business: it tracks client
inquiries as projects moving through a fixed lifecycle, keeps an append-only
history of every state change, and records what each automated agent did and
why.

- Workspace: the .intakeline directory holding the SQLite database; the
  pipeline and business settings live in intakeline.yml next to it.
- Project: one inquiry from one client, always in exactly one state.
- Transitions: immutable history rows; the project's current_state is a cache
  of the latest one.
- Agents: named automated processors (email_parser, scam_filter, ...) whose
  prompts are versioned in the database and whose runs land in agent_logs.`,
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
	viper.SetEnvPrefix("INTAKELINE")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(settingCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace, database, and default config",
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready: database at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func clientCmd() *cobra.Command {
	c := &cobra.Command{Use: "client", Short: "Manage clients"}
	c.AddCommand(clientListCmd())
	c.AddCommand(clientCreateCmd())
	c.AddCommand(clientShowCmd())
	c.AddCommand(clientBlacklistCmd())
	return c
}

func clientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListClients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Projects", "Won", "Paid", "Rep", "Blacklisted"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Email, c.Name, c.TotalProjects, c.SuccessfulProjects, c.TotalPaid, c.ReputationScore, c.IsBlacklisted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func clientCreateCmd() *cobra.Command {
	var email, name, company, country, timezone string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateClient(ctx, engine.ClientCreateOptions{
					Email:    email,
					Name:     name,
					Company:  company,
					Country:  country,
					Timezone: timezone,
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "client email")
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringVar(&company, "company", "", "company")
	cmd.Flags().StringVar(&country, "country", "", "country")
	cmd.Flags().StringVar(&timezone, "timezone", "", "timezone")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func clientShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetClient(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	return cmd
}

func clientBlacklistCmd() *cobra.Command {
	var reason string
	var clear bool
	cmd := &cobra.Command{
		Use:   "blacklist <id>",
		Short: "Blacklist or unblacklist a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SetClientBlacklist(ctx, id, !clear, reason)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "blacklist reason")
	cmd.Flags().BoolVar(&clear, "clear", false, "remove from blacklist")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectTransitionCmd())
	prj.AddCommand(projectHistoryCmd())
	prj.AddCommand(projectFlagScamCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var clientID int64
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
					ClientID: clientID,
					State:    state,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Title", "State", "Category", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ClientID, p.Title, p.CurrentState, p.Category, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&clientID, "client", 0, "filter by client id")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var clientID int64
	var title, description, category, channel string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
					ClientID:      clientID,
					Title:         title,
					Description:   description,
					Category:      category,
					SourceChannel: channel,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().Int64Var(&clientID, "client", 0, "client id")
	cmd.Flags().StringVar(&title, "title", "", "project title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&channel, "channel", "", "source channel")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectTransitionCmd() *cobra.Command {
	var toState, reason, metadataJSON string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition a project to a new state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var metadata transitions.Metadata
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Transition(ctx, engine.TransitionOptions{
					ProjectID: id,
					ToState:   toState,
					ActorID:   viper.GetString("actor-id"),
					Reason:    reason,
					Metadata:  metadata,
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&toState, "to", "", "target state")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&metadataJSON, "metadata", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func projectHistoryCmd() *cobra.Command {
	var asc bool
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show project state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, id, !asc, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "From", "To", "By", "Reason", "At"})
				for _, tr := range items {
					from := ""
					if tr.FromState != nil {
						from = *tr.FromState
					}
					tw.AppendRow(table.Row{tr.ID, from, tr.ToState, tr.ChangedBy, tr.Reason, tr.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	return cmd
}

func projectFlagScamCmd() *cobra.Command {
	var score float64
	var illegal bool
	var reason string
	cmd := &cobra.Command{
		Use:   "flag-scam <id>",
		Short: "Flag a project as scam or illegal and reject it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.FlagScam(ctx, engine.FlagScamOptions{
					ProjectID: id,
					ScamScore: score,
					IsIllegal: illegal,
					Reason:    reason,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().Float64Var(&score, "score", 0, "scam score 0..1")
	cmd.Flags().BoolVar(&illegal, "illegal", false, "mark as illegal request")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProject(ctx, id)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskStatusCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Hours", "Priority"})
				for _, t := range tasks {
					hours := ""
					if t.EstimatedHours != nil {
						hours = strconv.FormatFloat(*t.EstimatedHours, 'f', -1, 64)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, hours, t.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var projectID int64
	var title, description string
	var hours float64
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					ProjectID:   projectID,
					Title:       title,
					Description: description,
					Priority:    priority,
				}
				if cmd.Flags().Changed("hours") {
					opts.EstimatedHours = &hours
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTaskStatus(ctx, id, status)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "set", "", "pending, in_progress, completed, or blocked")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func messageCmd() *cobra.Command {
	m := &cobra.Command{Use: "message", Short: "Manage project messages"}
	m.AddCommand(messageListCmd())
	m.AddCommand(messageAddCmd())
	return m
}

func messageListCmd() *cobra.Command {
	var projectID int64
	var desc bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMessages(ctx, projectID, desc, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Dir", "From", "Subject", "Processed", "At"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Direction, m.SenderEmail, m.Subject, m.IsProcessed, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest first")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func messageAddCmd() *cobra.Command {
	var projectID int64
	var direction, sender, recipient, subject, body string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a message to a project log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AppendMessage(ctx, engine.MessageAppendOptions{
					ProjectID:      projectID,
					Direction:      direction,
					SenderEmail:    sender,
					RecipientEmail: recipient,
					Subject:        subject,
					Body:           body,
				})
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&direction, "direction", "inbound", "inbound or outbound")
	cmd.Flags().StringVar(&sender, "from", "", "sender email")
	cmd.Flags().StringVar(&recipient, "to", "", "recipient email")
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Manage agent instructions"}
	a.AddCommand(agentListCmd())
	a.AddCommand(agentShowCmd())
	a.AddCommand(agentUpdateCmd())
	a.AddCommand(agentToggleCmd())
	return a
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstructions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Version", "Active", "Updated"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.AgentName, a.Version, a.IsActive, a.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show an agent instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetInstruction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var instruction, prompt string
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update agent prompt text (bumps version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgentInstruction(ctx, args[0], instruction, prompt)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&instruction, "instruction", "", "instruction text")
	cmd.Flags().StringVar(&prompt, "system-prompt", "", "system prompt")
	return cmd
}

func agentToggleCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "toggle <name>",
		Short: "Enable or disable an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ToggleAgentInstruction(ctx, args[0], !off)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "disable instead of enable")
	return cmd
}

func settingCmd() *cobra.Command {
	s := &cobra.Command{Use: "setting", Short: "Manage settings"}
	s.AddCommand(settingListCmd())
	s.AddCommand(settingGetCmd())
	s.AddCommand(settingSetCmd())
	return s
}

func settingListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSettings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value", "Type", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Key, s.Value, s.ValueType, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func settingGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSetting(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func settingSetCmd() *cobra.Command {
	var valueType, description string
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Create or update a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SetSetting(ctx, args[0], args[1], valueType, description)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&valueType, "type", "string", "string, integer, float, boolean, or json")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := "il_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
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
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect agent logs"}
	l.AddCommand(logListCmd())
	l.AddCommand(logCostsCmd())
	return l
}

func logListCmd() *cobra.Command {
	var projectID int64
	var agentName string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgentLogs(ctx, repo.AgentLogFilters{
					ProjectID: projectID,
					AgentName: agentName,
					Desc:      true,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Project", "Action", "OK", "Error", "At"})
				for _, l := range items {
					project := ""
					if l.ProjectID != nil {
						project = strconv.FormatInt(*l.ProjectID, 10)
					}
					tw.AppendRow(table.Row{l.ID, l.AgentName, project, l.Action, l.Success, l.ErrorMessage, l.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "filter by project id")
	cmd.Flags().StringVar(&agentName, "agent", "", "filter by agent name")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func logCostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Aggregate cost per agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.AgentCosts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Calls", "Failures", "Tokens", "Cost"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.AgentName, c.Calls, c.Failures, c.TokensUsed, c.TotalCost})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dashboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Per-project overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.Repo.Dashboard(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Client", "Rep", "Msgs", "Tasks", "Updated"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ProjectID, r.Title, r.CurrentState, r.ClientEmail, r.ReputationScore, r.MessageCount, r.TaskCount, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Run the agent workflow"}
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowPipelineCmd())
	return wf
}

func workflowRunCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for projects in agent-owned states and process them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := workflow.NewDispatcher(e.Config)
				if err != nil {
					return err
				}
				sched := workflow.NewScheduler(e, d)
				if once {
					n, err := sched.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Processed %d project(s)\n", n)
					return nil
				}
				fmt.Printf("Polling every %s with %d worker(s); Ctrl-C to stop\n", sched.PollInterval, sched.Workers)
				err = sched.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "single poll-and-drain pass")
	return cmd
}

func workflowPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Show the configured pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := workflow.NewDispatcher(e.Config)
				if err != nil {
					return err
				}
				stages := d.Stages()
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Agent", "Next"})
				for _, state := range domain.States() {
					stage, ok := stages[state]
					if !ok {
						continue
					}
					tw.AppendRow(table.Row{state, stage.Agent, stage.Next})
				}
				tw.Render()
				return nil
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
			d, err := workflow.NewDispatcher(cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:       os.Getenv("INTAKELINE_JWT_SECRET"),
				DevLoginEnabled: cfg.Server.DevLoginEnabled,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Server.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("INTAKELINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Dispatcher: d, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Intakeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8384", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
