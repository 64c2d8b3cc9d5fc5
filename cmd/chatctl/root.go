package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"chatsync/internal/client"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chatctl",
		Short: "chatctl - optimistic chat client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "chatctl.yaml", "path to the client config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewReactCommand(opts, true))
	cmd.AddCommand(NewReactCommand(opts, false))
	cmd.AddCommand(NewListenCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewTypingCommand(opts))

	return cmd
}

// openSession loads the config and opens the client session it describes
func openSession(ctx context.Context, opts *RootOptions) (*client.Session, error) {
	cfg, err := config.LoadClient(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log, err := logging.New(level, true)
	if err != nil {
		return nil, err
	}
	return client.Open(ctx, cfg, log)
}

// withSession runs fn with an open session and closes it afterwards
func withSession(ctx context.Context, opts *RootOptions, fn func(ctx context.Context, s *client.Session) error) (err error) {
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s)
}

func peerFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "peer", "", "chat to act on, user:<id> or thread:<id>")
	cmd.MarkFlagRequired("peer")
}

func parsePeer(s string) (protocol.Peer, error) {
	peer, err := protocol.ParsePeer(s)
	if err != nil {
		return protocol.Peer{}, fmt.Errorf("invalid --peer: %w", err)
	}
	return peer, nil
}

// output writes v as JSON, or runs text for the text format
func output(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
