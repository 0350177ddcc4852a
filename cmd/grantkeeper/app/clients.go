// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stacklok/grantkeeper/pkg/authserver"
	"github.com/stacklok/grantkeeper/pkg/authserver/clients"
	"github.com/stacklok/grantkeeper/pkg/authserver/scopes"
	"github.com/stacklok/grantkeeper/pkg/authserver/vault"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Administer registered clients",
	}
	cmd.AddCommand(newSetOfficialCmd())
	return cmd
}

func newSetOfficialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-official <client> [true|false]",
		Short: "Mark a client as official",
		Long: `Mark a client as official, or clear the flag with false. Official clients
skip the consent page. <client> is the internal client ID shown by the
management API.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			official := true
			if len(args) == 2 {
				v, err := strconv.ParseBool(args[1])
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", args[1], err)
				}
				official = v
			}

			cfg, err := loadResolvedConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.SQLitePath == "" {
				return errors.New("set-official requires storage.sqlite_path or --sqlite-path")
			}

			stor, err := authserver.NewStorage(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer stor.Close()

			catalog, err := scopes.NewRegistry(cfg.Scopes...)
			if err != nil {
				return err
			}
			registry := clients.NewRegistry(stor, vault.New(), catalog)

			c, err := registry.SetOfficial(cmd.Context(), args[0], official)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) official=%t\n", c.Name, c.ClientID, c.Official)
			return err
		},
	}
}
