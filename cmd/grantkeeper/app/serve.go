// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/grantkeeper/pkg/authserver"
	"github.com/stacklok/grantkeeper/pkg/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server and listen for HTTP requests until interrupted.

The OAuth2 endpoints are served under /oauth2, discovery under /.well-known,
the management API under /api/v1 and the health check on /healthz.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnw("failed to release server resources", "error", err)
		}
	}()

	return authserver.Serve(ctx, srv)
}
