package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/client"
	"chatsync/internal/client/localstore"
	"chatsync/internal/client/publisher"
	"chatsync/internal/client/txn"
	"chatsync/internal/protocol"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Apply the push stream to the local store and print changes",
		Long: `Connect to the server push stream and keep the local store in sync
until interrupted. Pending transactions from earlier runs are resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withSession(ctx, rootOpts, func(ctx context.Context, s *client.Session) error {
				changes, unsubscribe := s.Publisher.Subscribe()
				defer unsubscribe()

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return s.Listen(ctx, func(f protocol.ServerFrame) {
						if rootOpts.Format == "json" {
							output(cmd.OutOrStdout(), rootOpts, f, nil)
						}
					})
				})
				g.Go(func() error {
					for {
						select {
						case c := <-changes:
							if rootOpts.Format == "text" {
								printChange(cmd.OutOrStdout(), c)
							}
						case <-ctx.Done():
							return nil
						}
					}
				})
				return g.Wait()
			})
		},
	}
	return cmd
}

func printChange(w io.Writer, c publisher.Change) {
	fmt.Fprintf(w, "%s %s", c.Kind, c.Peer)
	if len(c.MessageIDs) > 0 {
		fmt.Fprintf(w, " %v", c.MessageIDs)
	}
	fmt.Fprintln(w)
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var peerStr string
	var before int64
	var limit int
	var offline bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Refetch a chat's history and print the local copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(peerStr)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				if !offline {
					if _, err := s.Syncer.Page(ctx, peer, before, limit); err != nil {
						return err
					}
				}
				rows, err := s.Messages(ctx, peer, limit)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), rootOpts, rows, func(w io.Writer) {
					for i := len(rows) - 1; i >= 0; i-- {
						printMessage(w, rows[i])
					}
				})
			})
		},
	}
	peerFlag(cmd, &peerStr)
	cmd.Flags().Int64Var(&before, "before", 0, "fetch messages older than this id")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().BoolVar(&offline, "offline", false, "print the local copy without fetching")
	return cmd
}

func printMessage(w io.Writer, m localstore.Message) {
	text := ""
	if m.Text != nil {
		text = *m.Text
	}
	status := ""
	if m.Status != protocol.StatusSent {
		status = " [" + string(m.Status) + "]"
	}
	edited := ""
	if m.EditDate != nil {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "%6d  %s  user %d%s: %s%s\n", m.MessageID, m.Date.Local().Format(time.DateTime), m.FromID, status, text, edited)
}

func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List transactions not yet confirmed by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				var out []txResult
				for _, h := range s.Engine.Pending() {
					out = append(out, txResult{ID: h.ID, Kind: h.Kind(), State: string(h.State())})
				}
				return output(cmd.OutOrStdout(), rootOpts, out, func(w io.Writer) {
					if len(out) == 0 {
						fmt.Fprintln(w, "no pending transactions")
					}
					for _, r := range out {
						fmt.Fprintf(w, "%s  %-15s %s\n", r.ID, r.Kind, r.State)
					}
				})
			})
		},
	}
}

func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <transaction-id>",
		Short: "Stop retrying a pending transaction and undo its local change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				var target *txn.Handle
				for _, h := range s.Engine.Pending() {
					if h.ID == args[0] {
						target = h
					}
				}
				if err := s.Engine.Cancel(args[0]); err != nil {
					return err
				}
				if target != nil {
					wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
					defer cancel()
					target.Wait(wctx)
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", target.ID, target.State())
				}
				return nil
			})
		},
	}
}

func NewTypingCommand(rootOpts *RootOptions) *cobra.Command {
	var peerStr string
	var stop bool

	cmd := &cobra.Command{
		Use:   "typing",
		Short: "Tell the chat you are typing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(peerStr)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				if stop {
					return s.Typing.StoppedTyping(ctx, peer)
				}
				sent, err := s.Typing.StartedTyping(ctx, peer)
				if err == nil && !sent {
					err = errors.New("typing signal throttled")
				}
				return err
			})
		},
	}
	peerFlag(cmd, &peerStr)
	cmd.Flags().BoolVar(&stop, "stop", false, "clear the typing indicator instead")
	return cmd
}
