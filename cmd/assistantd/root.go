package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/IMBotPlatform/IMBotAssist/pkg/audit"
	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
	"github.com/IMBotPlatform/IMBotAssist/pkg/config"
	"github.com/IMBotPlatform/IMBotAssist/pkg/server"
)

const defaultConfigPath = "assistantd.yaml"

// newRootCmd 构建 Cobra 命令树。
//
//	assistantd serve
//	assistantd conversations list
//	assistantd conversations delete <id>
//	assistantd usage [--date YYYY-MM-DD]
//	assistantd audit recent [--identity ID] [--limit N]
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "assistantd",
		Short:         "In-app assistant service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newConversationsCmd(&configPath))
	root.AddCommand(newUsageCmd(&configPath))
	root.AddCommand(newAuditCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.service,
				server.WithIdentityHeader(a.cfg.Server.IdentityHeader),
				server.WithAdminToken(a.cfg.AdminToken()),
				server.WithHistoryLimit(a.cfg.Conversation.HistoryLimit),
				server.WithHealthCheck(a.kv.Ping),
				server.WithMetricsHandler(a.metrics.Handler()),
				server.WithLogger(a.logger),
			)
			return srv.Run(cmd.Context(), a.cfg.Server.Listen)
		},
	}
}

func newConversationsCmd(configPath *string) *cobra.Command {
	conversations := &cobra.Command{
		Use:   "conversations",
		Short: "Inspect or delete stored conversations",
	}

	conversations.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			convs, err := a.service.ListAllConversations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER\tTITLE\tMESSAGES\tTOKENS\tLAST MESSAGE")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					c.ID, c.OwnerIdentity, c.Title, c.MessageCount, c.TotalTokens, c.LastMessageAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	})

	conversations.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.service.DeleteConversation(cmd.Context(), args[0]) {
				return fmt.Errorf("conversation %s was not fully deleted (see logs)", args[0])
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		},
	})
	return conversations
}

func newUsageCmd(configPath *string) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage for a day (UTC)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.GetUsageStats(cmd.Context(), day)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&day, "date", "", "day to report, YYYY-MM-DD (default today)")
	return cmd
}

// auditQuestionWidth 限制表格中问题列的显示长度。
const auditQuestionWidth = 60

func newAuditCmd(configPath *string) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the local exchange archive",
	}

	var (
		identity string
		limit    int
	)
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent archived exchanges, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath, config.WithoutBackend())
			if err != nil {
				return err
			}
			if cfg.Audit.Path == "" {
				return errors.New("audit.path is not configured")
			}
			archive, err := audit.Open(cfg.Audit.Path)
			if err != nil {
				return err
			}
			defer archive.Close()

			entries, err := archive.Recent(cmd.Context(), chat.NormalizeIdentity(identity), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tIDENTITY\tCONVERSATION\tTOKENS\tFALLBACK\tQUESTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%t\t%s\n",
					e.ID, e.CreatedAt.UTC().Format(time.RFC3339), e.Identity, e.ConversationID,
					e.TokensUsed, e.Fallback, oneLine(e.Question, auditQuestionWidth))
			}
			return w.Flush()
		},
	}
	recent.Flags().StringVar(&identity, "identity", "", "only show exchanges of this identity")
	recent.Flags().IntVar(&limit, "limit", 20, "maximum number of exchanges to show")
	auditCmd.AddCommand(recent)
	return auditCmd
}

// oneLine 折叠换行并按字符截断，便于表格显示。
func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width]) + "..."
}
