// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package app wires the mcpbox command-line interface.
package app

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcpbox/mcpbox/pkg/auth"
	"github.com/mcpbox/mcpbox/pkg/logger"
	"github.com/mcpbox/mcpbox/pkg/versions"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:               "mcpbox",
	DisableAutoGenTag: true,
	Short:             "mcpbox is a managed gateway for MCP tools",
	Long: `mcpbox hosts MCP tools behind a single gateway: tool code runs in a
hardened in-process sandbox, every publish passes an approval workflow, and
remote MCP servers can be pooled in as passthrough tools.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSandboxCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(versions.GetVersionInfo())
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the secrets a fresh deployment needs",
		Long: `Generates a hex-encoded 32-byte encryption master key, a service
token, and a JWT signing key. Store them in the config file or environment;
losing the master key makes every stored secret unrecoverable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, name := range []string{
				"encryption_master_key", "service_token", "jwt_signing_key",
			} {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("reading randomness: %w", err)
				}
				fmt.Fprintf(out, "%s: %s\n", name, hex.EncodeToString(buf))
			}
			return nil
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Produce the bcrypt hash for admin.password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
