// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mcpbox binary.
package main

import (
	"os"

	"github.com/mcpbox/mcpbox/cmd/mcpbox/app"
	"github.com/mcpbox/mcpbox/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
