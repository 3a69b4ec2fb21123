package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/service"
	"chatsync/internal/store"
	"chatsync/internal/validation"
	"chatsync/pkg/chatapi"
	"chatsync/pkg/chatapi/types"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newVisitorCmd(a *app) *cobra.Command {
	var agentID, threadID string
	cmd := &cobra.Command{
		Use:   "visitor",
		Short: "Chat with an agent as a visitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(models.RoleVisitor)
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.Client.AgentID
			}
			if err := validation.ValidateParticipantID(agentID); err != nil {
				return fmt.Errorf("--agent: %s", apperrors.GetUserMessage(err))
			}
			if err := validation.ValidateParticipantID(cfg.Client.ParticipantID); err != nil {
				return fmt.Errorf("--as: %s", apperrors.GetUserMessage(err))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Client.HTTPTimeoutSec)*time.Second)
			thread, err := a.repository(cfg).EnsureThread(ctx, types.EnsureThreadRequest{
				ThreadID:  threadID,
				VisitorID: cfg.Client.ParticipantID,
				AgentID:   agentID,
			})
			cancel()
			if err != nil {
				return fmt.Errorf("failed to open thread: %w", err)
			}
			fmt.Fprintf(a.out, "Thread %s with %s\n", thread.ID, thread.AgentID)
			// An existing thread id comes back with its stored participants
			if thread.VisitorID != cfg.Client.ParticipantID {
				return fmt.Errorf("thread %s belongs to another visitor", thread.ID)
			}
			return a.runSession(cmd, cfg, thread.ID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to talk to (defaults to client.agentId)")
	cmd.Flags().StringVar(&threadID, "thread", "", "resume an existing thread")
	return cmd
}

func newAgentCmd(a *app) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Work the inbox as an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(models.RoleAgent)
			if err != nil {
				return err
			}
			if err := validation.ValidateParticipantID(cfg.Client.ParticipantID); err != nil {
				return fmt.Errorf("--as: %s", apperrors.GetUserMessage(err))
			}
			return a.runSession(cmd, cfg, threadID)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread to open on start")
	return cmd
}

func newInboxCmd(a *app) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Print an agent's inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig("")
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.Client.ParticipantID
			}
			items, err := a.repository(cfg).FetchAgentInbox(cmd.Context(), agentID)
			if err != nil {
				return err
			}
			for _, line := range formatInbox(items, time.Now()) {
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (defaults to --as)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		threadID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the latest messages of a thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig("")
			if err != nil {
				return err
			}
			page, err := a.repository(cfg).FetchThreadPage(cmd.Context(), types.FetchThreadPageRequest{
				ThreadID: threadID,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			now := time.Now()
			// Pages arrive newest first
			for i := len(page.Items) - 1; i >= 0; i-- {
				fmt.Fprintln(a.out, formatMessage(page.Items[i], cfg.Client.ParticipantID, now))
			}
			if page.NextCursor != nil {
				fmt.Fprintln(a.out, "(older messages available)")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 selects the relay default)")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig("")
			if err != nil {
				return err
			}
			health, err := a.repository(cfg).Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: database %s, %s open sockets, %s active rooms\n",
				health.Status, health.Database, humanize.Comma(int64(health.Connections)), humanize.Comma(int64(health.Rooms)))
			return nil
		},
	}
}

// runSession connects a session and hands stdin to the console until the
// user quits or the process is interrupted
func (a *app) runSession(cmd *cobra.Command, cfg *models.Config, threadID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := chatapi.NewGatewayClient(cfg.Client.RelayURL, cfg.Client.ParticipantID, cfg.Client.Role, a.logger)
	if err != nil {
		return err
	}
	sessionCfg := service.SessionConfigFromModels(cfg)
	sessionCfg.Verbose = a.opts.verbose
	session := service.NewSession(a.logger, sessionCfg, a.repository(cfg), gateway)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			a.logger.WithError(err).Warn("Failed to close session cleanly")
		}
	}()

	con := newConsole(session, cfg.Client.ParticipantID, cfg.Client.Role, a.out)
	unwatch := session.State().Watch(store.AllThreadMessagesKey(), con.onMessagesChanged)
	defer unwatch()

	if err := session.Start(ctx, threadID); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	con.printWelcome()
	return con.Run(ctx, a.in)
}
