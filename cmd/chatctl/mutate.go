package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/client"
	"chatsync/internal/client/txn"

	"github.com/spf13/cobra"
)

// MutateOptions holds the flags shared by the mutation commands
type MutateOptions struct {
	*RootOptions
	Peer    string
	NoWait  bool
	Timeout time.Duration
}

func (o *MutateOptions) bind(cmd *cobra.Command) {
	peerFlag(cmd, &o.Peer)
	cmd.Flags().BoolVar(&o.NoWait, "no-wait", false, "exit after the local write; the next run resumes syncing")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 30*time.Second, "how long to wait for the server")
}

type txResult struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
	// Placeholder is the local id of a message still being sent
	Placeholder int64 `json:"placeholder,omitempty"`
}

// finish waits for h unless told not to, then reports its outcome
func finish(ctx context.Context, cmd *cobra.Command, o *MutateOptions, h *txn.Handle, placeholder int64) error {
	if !o.NoWait {
		wctx, cancel := context.WithTimeout(ctx, o.Timeout)
		defer cancel()
		h.Wait(wctx)
	}

	res := txResult{ID: h.ID, Kind: h.Kind(), State: string(h.State()), Placeholder: placeholder}
	if err := h.Err(); err != nil {
		res.Error = err.Error()
	}
	return output(cmd.OutOrStdout(), o.RootOptions, res, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s: %s", res.Kind, res.ID, res.State)
		if res.Placeholder != 0 {
			fmt.Fprintf(w, " (local id %d)", res.Placeholder)
		}
		if res.Error != "" {
			fmt.Fprintf(w, ": %s", res.Error)
		}
		fmt.Fprintln(w)
	})
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid message id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	var replyTo int64

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message",
		Example: `  chatctl send --peer user:5 "hello"
  chatctl send --peer thread:12 --reply-to 40 "sounds good"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(opts.Peer)
			if err != nil {
				return err
			}
			var reply *int64
			if replyTo > 0 {
				reply = &replyTo
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				h, send, err := s.SendMessage(ctx, peer, strings.Join(args, " "), reply)
				if err != nil {
					return err
				}
				return finish(ctx, cmd, opts, h, send.PlaceholderID())
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().Int64Var(&replyTo, "reply-to", 0, "id of the message to reply to")
	return cmd
}

func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:     "retry <local-id>",
		Short:   "Resend a message that failed to send",
		Example: `  chatctl retry --peer user:5 -- -41`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(opts.Peer)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				h, err := s.RetryMessage(ctx, peer, ids[0])
				if err != nil {
					return err
				}
				return finish(ctx, cmd, opts, h, 0)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "edit <message-id> <text>...",
		Short: "Edit one of your messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(opts.Peer)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				h, err := s.EditMessage(ctx, peer, ids[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return finish(ctx, cmd, opts, h, 0)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "delete <message-id>...",
		Short: "Delete messages for everyone",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(opts.Peer)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				h, err := s.DeleteMessages(ctx, peer, ids...)
				if err != nil {
					return err
				}
				return finish(ctx, cmd, opts, h, 0)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

// NewReactCommand builds "react", or "unreact" when add is false
func NewReactCommand(rootOpts *RootOptions, add bool) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	use, short := "react", "Add a reaction to a message"
	if !add {
		use, short = "unreact", "Remove your reaction from a message"
	}

	cmd := &cobra.Command{
		Use:   use + " <message-id> <emoji>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parsePeer(opts.Peer)
			if err != nil {
				return err
			}
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), rootOpts, func(ctx context.Context, s *client.Session) error {
				submit := s.AddReaction
				if !add {
					submit = s.DeleteReaction
				}
				h, err := submit(ctx, peer, ids[0], args[1])
				if err != nil {
					return err
				}
				return finish(ctx, cmd, opts, h, 0)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}
