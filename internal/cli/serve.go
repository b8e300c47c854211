// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/triage/internal/server"
	"github.com/jeranaias/triage/internal/session"
)

// shutdownGrace bounds how long in-flight replies may finish on exit.
const shutdownGrace = 30 * time.Second

func newServeCommand(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the triage HTTP API.

Replies and action progress stream as Server-Sent Events from
/api/streams/{id}. Users listed under [[auth.users]] can sign in with
POST /api/session; their chats are saved after every reply and action.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			sessions := session.NewManager(session.Config{
				Timeout: cfg.SessionTimeout(),
				Users:   cfg.UserHashes(),
			})
			// SECURITY: commits re-check the requester's session, so a
			// reply finishing after logout is not saved.
			rt, err := newRuntime(cfg, sessions)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Prompt.Watch {
				if err := rt.prompt.Watch(ctx); err != nil {
					log.Printf("PROMPT_WATCH_FAILED | error=%v", err)
				}
			}

			srv := server.NewServer(server.Options{
				Config:   cfg.Server,
				Chat:     rt.chat,
				Sessions: sessions,
				ChatIdle: cfg.ChatIdle(),
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			fmt.Fprintf(cmd.OutOrStdout(), "triage %s listening on http://%s (model: %s/%s, storage: %s)\n",
				Version, cfg.Server.Addr, cfg.Model.Provider, cfg.Model.Name, cfg.Storage.Backend)

			select {
			case err := <-errCh:
				rt.Close()
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			err = srv.Shutdown(shutdownCtx)
			rt.prompt.Close()
			rt.sink.Close()
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
