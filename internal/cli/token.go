// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/triage/internal/session"
)

func newHashTokenCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "hash-token",
		Short: "Hash an access token for [[auth.users]]",
		Long: `Read an access token and print its bcrypt hash as a config entry.

The token is read without echo from a terminal, or as one line from
standard input when piped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Token: ")
			if err != nil {
				return err
			}
			hash, err := session.HashToken(token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "[[auth.users]]")
			fmt.Fprintf(out, "id = %q\n", user)
			fmt.Fprintf(out, "token_hash = %q\n", hash)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "user", "User ID for the printed entry")
	return cmd
}
